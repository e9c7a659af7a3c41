package pipelines

import (
	"github.com/knights-analytics/imgclass/backends"
	"github.com/knights-analytics/imgclass/util/vectorutil"
)

// Prediction is the label with the highest score, the score as the model produced it and its index.
type Prediction struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
	Index int     `json:"index"`
}

func checkVocabulary(scores []float32, labels []string) error {
	if len(scores) != len(labels) {
		return &backends.VocabularyMismatchError{Scores: len(scores), Labels: len(labels)}
	}
	if len(scores) == 0 {
		return &backends.EmptyScoreVectorError{}
	}
	return nil
}

// Resolve picks the arg-max of scores. Ties go to the lowest index and NaN never wins.
func Resolve(scores []float32, labels []string) (Prediction, error) {
	if err := checkVocabulary(scores, labels); err != nil {
		return Prediction{}, err
	}
	index, score, _ := vectorutil.ArgMax(scores)
	return Prediction{Label: labels[index], Score: score, Index: index}, nil
}

// Rank returns the k best predictions in descending score order, ties by ascending index.
// k <= 0 or k > len(scores) returns all of them.
func Rank(scores []float32, labels []string, k int) ([]Prediction, error) {
	if err := checkVocabulary(scores, labels); err != nil {
		return nil, err
	}
	indices := vectorutil.TopKIndices(scores, k)
	ranking := make([]Prediction, len(indices))
	for i, index := range indices {
		ranking[i] = Prediction{Label: labels[index], Score: scores[index], Index: index}
	}
	return ranking, nil
}
