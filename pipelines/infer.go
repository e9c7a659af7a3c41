package pipelines

import (
	"errors"

	"github.com/knights-analytics/imgclass/backends"
)

// Infer runs exactly one forward pass of model on a normalized tensor and returns the raw scores.
// It fails with ModelNotReadyError, without blocking, while the model is still loading.
func Infer(model *backends.Model, t *backends.Tensor) ([]float32, error) {
	if model == nil {
		return nil, &backends.ModelNotReadyError{Err: errors.New("model is nil")}
	}
	return model.Run(t)
}
