package backends

import (
	"context"
	"errors"
	"sync"
)

// Runtime executes forward passes of one loaded model. Implementations own their device memory and
// must release any per-call scratch before Run returns.
type Runtime interface {
	InputsMeta() []InputOutputInfo
	OutputsMeta() []InputOutputInfo
	// Run executes a single forward pass in the runtime's input layout and returns the first output flattened.
	Run(input *Tensor) ([]float32, error)
	// ConcurrentSafe reports whether Run may be called from several goroutines at once.
	ConcurrentSafe() bool
	Destroy() error
}

// Model is the handle to a classification model and its label vocabulary. It is created pending and
// becomes usable once Complete succeeds. All exported fields are immutable after completion.
type Model struct {
	ID               string
	Path             string
	OnnxFilename     string
	Labels           []string
	InputsMeta       []InputOutputInfo
	OutputsMeta      []InputOutputInfo
	Preprocessing    Preprocessing
	Layout           Layout
	InputSide        int
	InputChannels    int
	DefaultInputSide int

	// Pipelines records the names of the pipelines sharing this model.
	Pipelines map[string]bool

	runtime    Runtime
	concurrent bool
	loadErr    error
	done       chan struct{}
	resolved   bool
	mu         sync.RWMutex
}

// NewModel returns a pending model handle. Run fails with ModelNotReadyError until Complete is called.
func NewModel(path string, onnxFilename string) *Model {
	return &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
		Pipelines:    map[string]bool{},
		done:         make(chan struct{}),
	}
}

// Complete attaches a loaded runtime and vocabulary and marks the model ready. On error the model
// stays pending; the caller decides whether to Fail it.
func (m *Model) Complete(runtime Runtime, labels []string, preprocessing Preprocessing) error {
	inputs := runtime.InputsMeta()
	if len(inputs) != 1 {
		return errors.New("expected exactly one image input")
	}
	if len(runtime.OutputsMeta()) == 0 {
		return errors.New("model declares no outputs")
	}
	if len(labels) == 0 {
		return errors.New("label vocabulary is empty")
	}
	side, channels, layout, err := resolveInputGeometry(inputs[0], preprocessing.Size, m.DefaultInputSide)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return errors.New("model has already been resolved")
	}
	m.runtime = runtime
	m.concurrent = runtime.ConcurrentSafe()
	m.Labels = labels
	m.Preprocessing = preprocessing
	m.InputsMeta = inputs
	m.OutputsMeta = runtime.OutputsMeta()
	m.InputSide = side
	m.InputChannels = channels
	m.Layout = layout
	m.resolved = true
	close(m.done)
	return nil
}

// Fail resolves a pending model with a load error. It is a no-op on an already resolved model.
func (m *Model) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return
	}
	m.loadErr = err
	m.resolved = true
	close(m.done)
}

// Ready reports, without blocking, whether the model loaded successfully.
func (m *Model) Ready() bool {
	select {
	case <-m.done:
		return m.loadErr == nil
	default:
		return false
	}
}

// LoadErr returns, without blocking, the error the model was resolved with. It is nil while pending.
func (m *Model) LoadErr() error {
	select {
	case <-m.done:
		return m.loadErr
	default:
		return nil
	}
}

// Wait blocks until loading has completed or ctx is done, and returns the load error if any.
func (m *Model) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InputShape is the NHWC shape every tensor passed to Run must have.
func (m *Model) InputShape() Shape {
	return NewShape(1, int64(m.InputSide), int64(m.InputSide), int64(m.InputChannels))
}

// Run executes exactly one forward pass on an NHWC tensor and returns the raw score vector.
// It never blocks waiting for loading to complete.
func (m *Model) Run(t *Tensor) ([]float32, error) {
	select {
	case <-m.done:
	default:
		return nil, &ModelNotReadyError{ModelID: m.ID}
	}
	if m.loadErr != nil {
		return nil, &ModelNotReadyError{ModelID: m.ID, Err: m.loadErr}
	}

	expected := m.InputShape()
	if t == nil {
		return nil, &ShapeMismatchError{Expected: expected}
	}
	if !t.Shape.Equal(expected) || len(t.Data) != expected.Size() {
		return nil, &ShapeMismatchError{Expected: expected, Actual: t.Shape}
	}

	if m.concurrent {
		m.mu.RLock()
		defer m.mu.RUnlock()
	} else {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	if m.runtime == nil {
		return nil, &ModelNotReadyError{ModelID: m.ID, Err: ErrModelDestroyed}
	}

	input := t
	if m.Layout == LayoutNCHW {
		input = t.ToNCHW()
	}
	scores, err := m.runtime.Run(input)
	if err != nil {
		return nil, &InferenceExecutionError{ModelID: m.ID, Err: err}
	}
	return scores, nil
}

// Destroy waits for in-flight runs and releases the runtime. Subsequent runs fail with ModelNotReadyError.
func (m *Model) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resolved {
		m.loadErr = ErrModelDestroyed
		m.resolved = true
		close(m.done)
	}
	if m.runtime == nil {
		return nil
	}
	err := m.runtime.Destroy()
	m.runtime = nil
	return err
}
