package backends

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	inputs     []InputOutputInfo
	outputs    []InputOutputInfo
	scores     []float32
	err        error
	concurrent bool
	destroyed  bool
	lastInput  *Tensor
	active     atomic.Int32
	maxActive  atomic.Int32
	sleep      time.Duration
	mu         sync.Mutex
}

func newFakeRuntime(dims Shape, scores []float32) *fakeRuntime {
	return &fakeRuntime{
		inputs:  []InputOutputInfo{{Name: "pixel_values", Dimensions: dims}},
		outputs: []InputOutputInfo{{Name: "logits", Dimensions: NewShape(1, int64(len(scores)))}},
		scores:  scores,
	}
}

func (f *fakeRuntime) InputsMeta() []InputOutputInfo  { return f.inputs }
func (f *fakeRuntime) OutputsMeta() []InputOutputInfo { return f.outputs }
func (f *fakeRuntime) ConcurrentSafe() bool           { return f.concurrent }

func (f *fakeRuntime) Run(input *Tensor) ([]float32, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	f.mu.Lock()
	f.lastInput = input
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

func (f *fakeRuntime) Destroy() error {
	f.destroyed = true
	return nil
}

func readyModel(t *testing.T, runtime *fakeRuntime, labels []string) *Model {
	t.Helper()
	m := NewModel("memory", "model.onnx")
	require.NoError(t, m.Complete(runtime, labels, Preprocessing{}))
	return m
}

func zeroTensor(side, channels int) *Tensor {
	shape := NewShape(1, int64(side), int64(side), int64(channels))
	return &Tensor{Shape: shape, Data: make([]float32, shape.Size())}
}

func TestModelNotReady(t *testing.T) {
	m := NewModel("memory", "model.onnx")
	assert.False(t, m.Ready())

	_, err := m.Run(zeroTensor(224, 3))
	var notReady *ModelNotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, m.ID, notReady.ModelID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)
}

func TestModelCompleteUnblocksWaiters(t *testing.T) {
	m := NewModel("memory", "model.onnx")
	waitErr := make(chan error, 1)
	go func() {
		waitErr <- m.Wait(context.Background())
	}()

	runtime := newFakeRuntime(NewShape(-1, 3, 224, 224), []float32{0.1, 0.9})
	require.NoError(t, m.Complete(runtime, []string{"a", "b"}, Preprocessing{}))
	require.NoError(t, <-waitErr)
	assert.True(t, m.Ready())
	assert.Equal(t, LayoutNCHW, m.Layout)
	assert.Equal(t, NewShape(1, 224, 224, 3), m.InputShape())

	assert.Error(t, m.Complete(runtime, []string{"a", "b"}, Preprocessing{}), "a model resolves once")
}

func TestModelFail(t *testing.T) {
	m := NewModel("memory", "model.onnx")
	loadErr := errors.New("corrupt onnx")
	m.Fail(loadErr)

	assert.False(t, m.Ready())
	assert.ErrorIs(t, m.Wait(context.Background()), loadErr)

	_, err := m.Run(zeroTensor(224, 3))
	var notReady *ModelNotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.ErrorIs(t, err, loadErr)
}

func TestModelCompleteValidation(t *testing.T) {
	runtime := newFakeRuntime(NewShape(1, 224, 224, 3), []float32{1})
	m := NewModel("memory", "model.onnx")
	assert.Error(t, m.Complete(runtime, nil, Preprocessing{}))
	assert.False(t, m.Ready(), "failed completion leaves the model pending")

	runtime.inputs = append(runtime.inputs, InputOutputInfo{Name: "mask", Dimensions: NewShape(1, 224)})
	assert.Error(t, m.Complete(runtime, []string{"a"}, Preprocessing{}))

	noOutputs := newFakeRuntime(NewShape(1, 224, 224, 3), nil)
	noOutputs.outputs = nil
	assert.Error(t, m.Complete(noOutputs, []string{"a"}, Preprocessing{}))
}

func TestModelRunShapeMismatch(t *testing.T) {
	m := readyModel(t, newFakeRuntime(NewShape(1, 224, 224, 3), []float32{1, 2}), []string{"a", "b"})

	tests := []struct {
		name   string
		tensor *Tensor
	}{
		{"nil", nil},
		{"wrong side", zeroTensor(112, 3)},
		{"wrong channels", zeroTensor(224, 1)},
		{"short data", &Tensor{Shape: NewShape(1, 224, 224, 3), Data: make([]float32, 10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Run(tt.tensor)
			var mismatch *ShapeMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, NewShape(1, 224, 224, 3), mismatch.Expected)
		})
	}
}

func TestModelRunTransposesChannelsFirst(t *testing.T) {
	runtime := newFakeRuntime(NewShape(1, 3, 2, 2), []float32{1})
	m := readyModel(t, runtime, []string{"a"})

	// NHWC: pixel p has channel values (p, 10+p, 20+p)
	input := &Tensor{Shape: NewShape(1, 2, 2, 3), Data: []float32{
		0, 10, 20,
		1, 11, 21,
		2, 12, 22,
		3, 13, 23,
	}}
	_, err := m.Run(input)
	require.NoError(t, err)
	assert.Equal(t, NewShape(1, 3, 2, 2), runtime.lastInput.Shape)
	assert.Equal(t, []float32{0, 1, 2, 3, 10, 11, 12, 13, 20, 21, 22, 23}, runtime.lastInput.Data)
}

func TestModelRunExecutionError(t *testing.T) {
	runtime := newFakeRuntime(NewShape(1, 4, 4, 3), []float32{1})
	runtime.err = errors.New("out of memory")
	m := readyModel(t, runtime, []string{"a"})

	_, err := m.Run(zeroTensor(4, 3))
	var execErr *InferenceExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, runtime.err)
}

func TestModelRunSerializesUnsafeRuntime(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		runtime := newFakeRuntime(NewShape(1, 2, 2, 3), []float32{1})
		runtime.concurrent = concurrent
		runtime.sleep = 5 * time.Millisecond
		m := readyModel(t, runtime, []string{"a"})

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.Run(zeroTensor(2, 3))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		if !concurrent {
			assert.Equal(t, int32(1), runtime.maxActive.Load())
		}
	}
}

func TestModelDestroy(t *testing.T) {
	runtime := newFakeRuntime(NewShape(1, 2, 2, 3), []float32{1})
	m := readyModel(t, runtime, []string{"a"})
	require.NoError(t, m.Destroy())
	assert.True(t, runtime.destroyed)

	_, err := m.Run(zeroTensor(2, 3))
	var notReady *ModelNotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.ErrorIs(t, err, ErrModelDestroyed)

	pending := NewModel("memory", "model.onnx")
	require.NoError(t, pending.Destroy())
	assert.ErrorIs(t, pending.Wait(context.Background()), ErrModelDestroyed)
}

func TestResolveInputGeometry(t *testing.T) {
	tests := []struct {
		name     string
		dims     Shape
		contract int
		side     int
		channels int
		layout   Layout
		wantErr  bool
	}{
		{name: "static nhwc", dims: NewShape(1, 299, 299, 3), side: 299, channels: 3, layout: LayoutNHWC},
		{name: "static nchw", dims: NewShape(1, 3, 224, 224), side: 224, channels: 3, layout: LayoutNCHW},
		{name: "grayscale nchw", dims: NewShape(-1, 1, 28, 28), side: 28, channels: 1, layout: LayoutNCHW},
		{name: "dynamic uses contract", dims: NewShape(-1, -1, -1, 3), contract: 384, side: 384, channels: 3, layout: LayoutNHWC},
		{name: "dynamic uses default", dims: NewShape(-1, 3, -1, -1), side: 224, channels: 3, layout: LayoutNCHW},
		{name: "dynamic channels", dims: NewShape(-1, -1, -1, -1), side: 224, channels: 3, layout: LayoutNHWC},
		{name: "tiny square", dims: NewShape(1, 4, 4, 4), side: 4, channels: 4, layout: LayoutNHWC},
		{name: "not 4d", dims: NewShape(1, 784), wantErr: true},
		{name: "batched", dims: NewShape(8, 224, 224, 3), wantErr: true},
		{name: "non square", dims: NewShape(1, 3, 224, 160), wantErr: true},
		{name: "bad channels", dims: NewShape(1, 224, 224, 2), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side, channels, layout, err := resolveInputGeometry(InputOutputInfo{Name: "x", Dimensions: tt.dims}, tt.contract, 0)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.side, side)
			assert.Equal(t, tt.channels, channels)
			assert.Equal(t, tt.layout, layout)
		})
	}
}

func TestNewTensor(t *testing.T) {
	_, err := NewTensor(NewShape(1, 2, 2, 3), make([]float32, 11))
	assert.Error(t, err)
	tensor, err := NewTensor(NewShape(1, 2, 2, 3), make([]float32, 12))
	require.NoError(t, err)
	assert.Equal(t, 12, tensor.Shape.Size())
}
