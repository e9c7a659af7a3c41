package backends

import (
	"errors"
	"fmt"
)

// ErrModelDestroyed is wrapped by ModelNotReadyError when a destroyed model is run.
var ErrModelDestroyed = errors.New("model has been destroyed")

// InvalidImageError is returned when an image is nil, has an empty pixel grid or cannot be decoded.
type InvalidImageError struct {
	Err    error
	Source string
	Width  int
	Height int
}

func (e *InvalidImageError) Error() string {
	msg := "invalid image"
	if e.Source != "" {
		msg += " " + e.Source
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: dimensions %dx%d", msg, e.Width, e.Height)
}

func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

// ShapeMismatchError is returned when a tensor does not match the model's declared input shape.
type ShapeMismatchError struct {
	Expected Shape
	Actual   Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("tensor shape %s does not match model input shape %s", e.Actual, e.Expected)
}

// InferenceExecutionError wraps a failure of the underlying runtime during a forward pass.
type InferenceExecutionError struct {
	Err     error
	ModelID string
}

func (e *InferenceExecutionError) Error() string {
	return fmt.Sprintf("inference on model %s failed: %v", e.ModelID, e.Err)
}

func (e *InferenceExecutionError) Unwrap() error {
	return e.Err
}

// VocabularyMismatchError signals a model whose output length disagrees with its label vocabulary.
type VocabularyMismatchError struct {
	Scores int
	Labels int
}

func (e *VocabularyMismatchError) Error() string {
	return fmt.Sprintf("score vector has %d values but the label vocabulary has %d labels", e.Scores, e.Labels)
}

type EmptyScoreVectorError struct{}

func (e *EmptyScoreVectorError) Error() string {
	return "score vector is empty"
}

// ModelNotReadyError is returned by Run on a model whose loading has not completed, has failed,
// or which has been destroyed.
type ModelNotReadyError struct {
	Err     error
	ModelID string
}

func (e *ModelNotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model %s is not ready: %v", e.ModelID, e.Err)
	}
	return fmt.Sprintf("model %s is not ready: loading has not completed", e.ModelID)
}

func (e *ModelNotReadyError) Unwrap() error {
	return e.Err
}

// LoadError is returned when a model, its vocabulary or its preprocessing contract cannot be loaded.
type LoadError struct {
	Err  error
	Path string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading model at %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
