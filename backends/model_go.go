package backends

import (
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// GoRuntime runs models with the pure Go gonnx interpreter. Its graph state is not safe for
// concurrent use, so the model handle serializes calls.
type GoRuntime struct {
	model   *gonnx.Model
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func createGoRuntime(onnxBytes []byte) (*GoRuntime, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputs, outputs := loadInputOutputMetaGo(model)
	return &GoRuntime{model: model, inputs: inputs, outputs: outputs}, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo
	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, d := range shape {
			dimensions[i] = d.Size
			if d.IsDynamic {
				dimensions[i] = -1
			}
		}
		inputs = append(inputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, d := range shape {
			dimensions[i] = d.Size
			if d.IsDynamic {
				dimensions[i] = -1
			}
		}
		outputs = append(outputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	return inputs, outputs
}

func (r *GoRuntime) InputsMeta() []InputOutputInfo {
	return r.inputs
}

func (r *GoRuntime) OutputsMeta() []InputOutputInfo {
	return r.outputs
}

func (r *GoRuntime) ConcurrentSafe() bool {
	return false
}

func (r *GoRuntime) Run(input *Tensor) ([]float32, error) {
	if r.model == nil {
		return nil, ErrModelDestroyed
	}
	inputMap := map[string]tensor.Tensor{
		r.inputs[0].Name: tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(input.Shape.ValuesInt()...),
			tensor.WithBacking(input.Data),
		),
	}
	results, err := r.model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	output, ok := results[r.outputs[0].Name]
	if !ok {
		return nil, fmt.Errorf("output %s missing from results", r.outputs[0].Name)
	}
	switch data := output.Data().(type) {
	case []float32:
		scores := make([]float32, len(data))
		copy(scores, data)
		return scores, nil
	case []float64:
		scores := make([]float32, len(data))
		for i, v := range data {
			scores[i] = float32(v)
		}
		return scores, nil
	case float32:
		return []float32{data}, nil
	default:
		return nil, fmt.Errorf("output %s has unsupported type %T", r.outputs[0].Name, data)
	}
}

func (r *GoRuntime) Destroy() error {
	if r.model == nil {
		return errors.New("go runtime already destroyed")
	}
	r.model = nil
	return nil
}
