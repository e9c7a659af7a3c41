package pipelines

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/knights-analytics/imgclass/backends"
	"github.com/knights-analytics/imgclass/util/imageutil"
	"github.com/knights-analytics/imgclass/util/vectorutil"
)

// ImageClassificationPipeline runs normalize, infer and resolve for one image at a time against a
// shared model handle and reports the best label plus the top-k ranking.
type ImageClassificationPipeline struct {
	*BasePipeline
	normalizationSteps []imageutil.NormalizationStep
	TopK               int
	targetSide         int
	customSteps        bool
	softmax            bool
}

type ImageClassificationResult struct {
	Prediction
	Ranking []Prediction `json:"ranking"`
}

type ImageClassificationOutput struct {
	Predictions []ImageClassificationResult
}

func (o *ImageClassificationOutput) GetOutput() []any {
	out := make([]any, len(o.Predictions))
	for i, pred := range o.Predictions {
		out[i] = any(pred)
	}
	return out
}

// WithTopK sets the number of ranked predictions returned with each result. Zero or less returns all.
func WithTopK(topK int) PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.TopK = topK
		return nil
	}
}

// WithNormalizationSteps replaces the pixel value steps declared by the model's preprocessor config.
// Calling it without steps feeds raw 0-255 values.
func WithNormalizationSteps(steps ...imageutil.NormalizationStep) PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.normalizationSteps = append(pipeline.normalizationSteps, steps...)
		pipeline.customSteps = true
		return nil
	}
}

// WithSoftmax reports softmax probabilities instead of raw scores. The ranking order is unchanged.
func WithSoftmax() PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		pipeline.softmax = true
		return nil
	}
}

// WithTargetSide pins the side images are resized to. It must agree with the model input once loaded.
func WithTargetSide(side int) PipelineOption[*ImageClassificationPipeline] {
	return func(pipeline *ImageClassificationPipeline) error {
		if side <= 0 {
			return fmt.Errorf("target side must be positive, got %d", side)
		}
		pipeline.targetSide = side
		return nil
	}
}

// NewImageClassificationPipeline initializes an image classification pipeline. The model may still be loading.
func NewImageClassificationPipeline(config PipelineConfig[*ImageClassificationPipeline], model *backends.Model) (*ImageClassificationPipeline, error) {
	defaultPipeline, err := NewBasePipeline(config, model)
	if err != nil {
		return nil, err
	}

	pipeline := &ImageClassificationPipeline{BasePipeline: defaultPipeline, TopK: 5}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}

	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

func (p *ImageClassificationPipeline) Validate() error {
	var validationErrors []error
	if p.TopK < 0 {
		validationErrors = append(validationErrors, fmt.Errorf("topK must not be negative, got %d", p.TopK))
	}
	if p.Model.Ready() {
		if p.targetSide > 0 && p.targetSide != p.Model.InputSide {
			validationErrors = append(validationErrors, fmt.Errorf("target side %d does not match model input side %d", p.targetSide, p.Model.InputSide))
		}
		if n := len(p.Model.OutputsMeta[0].Dimensions); n > 0 {
			if classes := p.Model.OutputsMeta[0].Dimensions[n-1]; classes > 0 && int(classes) != len(p.Model.Labels) {
				validationErrors = append(validationErrors, &backends.VocabularyMismatchError{Scores: int(classes), Labels: len(p.Model.Labels)})
			}
		}
	}
	return errors.Join(validationErrors...)
}

// Normalizer returns the frame normalizer matching the model's input geometry and preprocessing contract.
func (p *ImageClassificationPipeline) Normalizer() (FrameNormalizer, error) {
	normalizer := FrameNormalizer{TargetSide: p.targetSide, Channels: 3}
	if p.customSteps {
		normalizer.NormalizationSteps = p.normalizationSteps
	}
	if !p.Model.Ready() {
		if normalizer.TargetSide == 0 {
			return normalizer, &backends.ModelNotReadyError{ModelID: p.Model.ID}
		}
		return normalizer, nil
	}
	if p.targetSide > 0 && p.targetSide != p.Model.InputSide {
		return normalizer, &backends.ShapeMismatchError{
			Expected: p.Model.InputShape(),
			Actual:   backends.NewShape(1, int64(p.targetSide), int64(p.targetSide), int64(p.Model.InputChannels)),
		}
	}
	normalizer.TargetSide = p.Model.InputSide
	normalizer.Channels = p.Model.InputChannels
	if !p.customSteps {
		normalizer.NormalizationSteps = p.Model.Preprocessing.Steps()
	}
	return normalizer, nil
}

func (p *ImageClassificationPipeline) Normalize(img image.Image) (*backends.Tensor, error) {
	start := time.Now()
	normalizer, err := p.Normalizer()
	if err != nil {
		return nil, err
	}
	t, err := normalizer.Normalize(img)
	if err != nil {
		return nil, err
	}
	p.NormalizeTimings.record(start)
	return t, nil
}

func (p *ImageClassificationPipeline) Infer(t *backends.Tensor) ([]float32, error) {
	start := time.Now()
	scores, err := Infer(p.Model, t)
	if err != nil {
		return nil, err
	}
	p.InferTimings.record(start)
	return scores, nil
}

// Resolve maps scores to the best prediction and the top-k ranking.
func (p *ImageClassificationPipeline) Resolve(scores []float32) (ImageClassificationResult, error) {
	start := time.Now()
	if p.softmax && len(scores) > 0 {
		scores = vectorutil.SoftMax(scores)
	}
	prediction, err := Resolve(scores, p.Model.Labels)
	if err != nil {
		return ImageClassificationResult{}, err
	}
	ranking, err := Rank(scores, p.Model.Labels, p.TopK)
	if err != nil {
		return ImageClassificationResult{}, err
	}
	p.ResolveTimings.record(start)
	return ImageClassificationResult{Prediction: prediction, Ranking: ranking}, nil
}

// RunWithImage classifies a single image.
func (p *ImageClassificationPipeline) RunWithImage(img image.Image) (ImageClassificationResult, error) {
	t, err := p.Normalize(img)
	if err != nil {
		return ImageClassificationResult{}, err
	}
	scores, err := p.Infer(t)
	if err != nil {
		return ImageClassificationResult{}, err
	}
	return p.Resolve(scores)
}

// RunWithImages classifies each image with its own forward pass. It stops at the first failure.
func (p *ImageClassificationPipeline) RunWithImages(inputs []image.Image) (*ImageClassificationOutput, error) {
	output := &ImageClassificationOutput{Predictions: make([]ImageClassificationResult, 0, len(inputs))}
	for i, img := range inputs {
		result, err := p.RunWithImage(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		output.Predictions = append(output.Predictions, result)
	}
	return output, nil
}

// Run runs the pipeline on image file paths.
func (p *ImageClassificationPipeline) Run(inputs []string) (PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline returns the concrete output type. Undecodable files fail with InvalidImageError.
func (p *ImageClassificationPipeline) RunPipeline(inputs []string) (*ImageClassificationOutput, error) {
	output := &ImageClassificationOutput{Predictions: make([]ImageClassificationResult, 0, len(inputs))}
	for _, path := range inputs {
		img, err := imageutil.LoadImage(path)
		if err != nil {
			if errors.Is(err, imageutil.ErrDecode) {
				return nil, &backends.InvalidImageError{Source: path, Err: err}
			}
			return nil, fmt.Errorf("failed to load image %s: %w", path, err)
		}
		result, err := p.RunWithImage(img)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		output.Predictions = append(output.Predictions, result)
	}
	return output, nil
}
