package vectorutil

import (
	"math"
	"sort"

	"golang.org/x/exp/constraints"
)

// ArgMax returns the index and value of the first maximum of s. NaN values never win against a
// number; a vector of only NaN values resolves to index 0. ok is false for an empty slice.
func ArgMax[T constraints.Float](s []T) (index int, value T, ok bool) {
	if len(s) == 0 {
		return 0, 0, false
	}
	index = -1
	for i, v := range s {
		if isNaN(v) {
			continue
		}
		if index == -1 || v > value {
			index, value = i, v
		}
	}
	if index == -1 {
		return 0, s[0], true
	}
	return index, value, true
}

// SoftMax take a vector and calculate softmax scores of its values.
func SoftMax[T constraints.Float](vector []T) []T {
	if len(vector) == 0 {
		return nil
	}
	_, maxLogit, _ := ArgMax(vector)
	shiftedExp := make([]float64, len(vector))
	sumExp := 0.0
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
		sumExp += shiftedExp[i]
	}
	scores := make([]T, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = T(exp / sumExp)
	}
	return scores
}

// TopKIndices returns the indices of the k largest values in descending order; equal values keep
// ascending index order. NaN values sort last.
func TopKIndices[T constraints.Float](s []T, k int) []int {
	if k <= 0 || k > len(s) {
		k = len(s)
	}
	indices := make([]int, len(s))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		va, vb := s[indices[a]], s[indices[b]]
		if isNaN(vb) {
			return !isNaN(va)
		}
		return va > vb
	})
	return indices[:k]
}

func isNaN[T constraints.Float](v T) bool {
	return v != v
}
