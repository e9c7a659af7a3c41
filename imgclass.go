package imgclass

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/phuslu/log"

	"github.com/knights-analytics/imgclass/backends"
	"github.com/knights-analytics/imgclass/options"
	"github.com/knights-analytics/imgclass/pipelines"
)

// Session loads models and holds the pipelines created on them. A host may run several sessions;
// there is no package level state.
type Session struct {
	imageClassificationPipelines pipelineMap[*pipelines.ImageClassificationPipeline]
	models                       map[string]*backends.Model
	options                      *options.Options
	environmentDestroy           func() error
	mu                           sync.Mutex
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		imageClassificationPipelines: map[string]*pipelines.ImageClassificationPipeline{},
		models:                       map[string]*backends.Model{},
		options:                      parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

type pipelineMap[T pipelines.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, p := range m {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// ImageClassificationConfig is the configuration for an image classification pipeline.
type ImageClassificationConfig = pipelines.PipelineConfig[*pipelines.ImageClassificationPipeline]

// ImageClassificationOption is an option for an image classification pipeline.
type ImageClassificationOption = pipelines.PipelineOption[*pipelines.ImageClassificationPipeline]

// LoadModel loads the model at path, or returns it if it is already loaded or loading. A model whose
// earlier load failed is loaded again.
func (s *Session) LoadModel(path string, onnxFilename string, labelsPath string) (*backends.Model, error) {
	model, opts, err := s.registerModel(path, onnxFilename)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		return model, nil
	}
	if err = s.loadRegistered(model, labelsPath, opts); err != nil {
		return nil, err
	}
	return model, nil
}

// LoadModelAsync returns a pending handle immediately and loads the model in the background.
// Use WaitModel or the handle's Wait to block until it is ready.
func (s *Session) LoadModelAsync(path string, onnxFilename string, labelsPath string) (*backends.Model, error) {
	model, opts, err := s.registerModel(path, onnxFilename)
	if err != nil {
		return nil, err
	}
	if opts != nil {
		go func() {
			_ = s.loadRegistered(model, labelsPath, opts)
		}()
	}
	return model, nil
}

// WaitModel blocks until the model registered at path has loaded, or ctx is done.
func (s *Session) WaitModel(ctx context.Context, path string) (*backends.Model, error) {
	s.mu.Lock()
	model, ok := s.models[path]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no model registered at %s", path)
	}
	if err := model.Wait(ctx); err != nil {
		return nil, err
	}
	return model, nil
}

// registerModel returns the model at path. The options are non-nil only when a new pending model
// was registered and the caller must load it.
func (s *Session) registerModel(path string, onnxFilename string) (*backends.Model, *options.Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		return nil, nil, errors.New("session has been destroyed")
	}
	if model, ok := s.models[path]; ok {
		if model.LoadErr() == nil {
			return model, nil, nil
		}
		log.Debug().Str("path", path).Msg("reloading model after failed load")
	}
	model := backends.NewModel(path, onnxFilename)
	s.models[path] = model
	return model, s.options, nil
}

func (s *Session) loadRegistered(model *backends.Model, labelsPath string, opts *options.Options) error {
	log.Debug().Str("path", model.Path).Str("backend", opts.Backend).Msg("loading model")
	if err := model.Load(labelsPath, opts); err != nil {
		log.Error().Err(err).Str("path", model.Path).Msg("model load failed")
		s.mu.Lock()
		if s.models[model.Path] == model {
			delete(s.models, model.Path)
		}
		s.mu.Unlock()
		return err
	}
	log.Info().Str("path", model.Path).Int("labels", len(model.Labels)).Int("side", model.InputSide).
		Str("layout", string(model.Layout)).Msg("model ready")
	return nil
}

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once. The model is loaded first unless the session already holds it, possibly still loading.
func NewPipeline[T pipelines.Pipeline](s *Session, pipelineConfig pipelines.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	if err := checkPipelineName[T](s, pipelineConfig.Name); err != nil {
		return pipeline, err
	}

	model, err := s.LoadModel(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, pipelineConfig.LabelsPath)
	if err != nil {
		return pipeline, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		return pipeline, errors.New("session has been destroyed")
	}
	if err = s.checkPipelineNameLocked(pipeline, pipelineConfig.Name); err != nil {
		return pipeline, err
	}
	pipeline, name, err := InitializePipeline(pipeline, pipelineConfig, model)
	if err != nil {
		if len(model.Pipelines) == 0 && s.models[model.Path] == model {
			delete(s.models, model.Path)
			err = errors.Join(err, model.Destroy())
		}
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		s.imageClassificationPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func InitializePipeline[T pipelines.Pipeline](p T, pipelineConfig pipelines.PipelineConfig[T], model *backends.Model) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.ImageClassificationPipeline:
		config := any(pipelineConfig).(pipelines.PipelineConfig[*pipelines.ImageClassificationPipeline])
		pipelineInitialised, err := pipelines.NewImageClassificationPipeline(config, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = true
	return pipeline, name, nil
}

func checkPipelineName[T pipelines.Pipeline](s *Session, name string) error {
	var pipeline T
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkPipelineNameLocked(pipeline, name)
}

func (s *Session) checkPipelineNameLocked(pipeline any, name string) error {
	_, getError := getPipeline(s, pipeline, name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return fmt.Errorf("pipeline %s has already been initialised", name)
	} else if !errors.As(getError, &notFoundError) {
		return getError
	}
	return nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T pipelines.Pipeline](s *Session, name string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pipeline T
	p, err := getPipeline(s, pipeline, name)
	if err != nil {
		return pipeline, err
	}
	return p.(T), nil
}

func getPipeline(s *Session, pipeline any, name string) (any, error) {
	switch pipeline.(type) {
	case *pipelines.ImageClassificationPipeline:
		p, ok := s.imageClassificationPipelines[name]
		if !ok {
			return nil, &pipelineNotFoundError{pipelineName: name}
		}
		return p, nil
	default:
		return nil, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the pipeline from the session and destroys its model once no other pipeline uses it.
func ClosePipeline[T pipelines.Pipeline](s *Session, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ImageClassificationPipeline:
		p, ok := s.imageClassificationPipelines[name]
		if ok {
			model := p.Model
			delete(s.imageClassificationPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. For each pipeline
// it records the total time, call count and average time of the normalize, inference and resolve stages.
func (s *Session) GetStats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Concat(
		s.imageClassificationPipelines.GetStats(),
	)
}

// Destroy releases all models, pipelines and the runtime environment of the session.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.imageClassificationPipelines = nil
	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}
	err = errors.Join(err, s.environmentDestroy())
	return err
}
