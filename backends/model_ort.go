//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/imgclass/options"
)

// ORTRuntime runs models with onnxruntime. Sessions are safe for concurrent Run calls.
type ORTRuntime struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	inputs         []InputOutputInfo
	outputs        []InputOutputInfo
}

func createORTRuntime(onnxBytes []byte, opts *options.Options) (*ORTRuntime, error) {
	sessionOptions, ok := opts.RuntimeOptions.(*ort.SessionOptions)
	if !ok {
		return nil, errors.New("ORT session options have not been initialised, use NewORTSession")
	}

	inputs, outputs, err := loadInputOutputMetaORTBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return nil, err
	}
	return &ORTRuntime{
		Session:        session,
		SessionOptions: sessionOptions,
		inputs:         inputs,
		outputs:        outputs,
	}, nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	converted := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		converted[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return converted
}

func (r *ORTRuntime) InputsMeta() []InputOutputInfo {
	return r.inputs
}

func (r *ORTRuntime) OutputsMeta() []InputOutputInfo {
	return r.outputs
}

func (r *ORTRuntime) ConcurrentSafe() bool {
	return true
}

func (r *ORTRuntime) Run(input *Tensor) (scores []float32, err error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, err
	}
	// outputs are allocated by onnxruntime
	outputTensors := make([]ort.Value, len(r.outputs))
	defer func() {
		err = errors.Join(err, inputTensor.Destroy())
		for _, t := range outputTensors {
			if t != nil {
				err = errors.Join(err, t.Destroy())
			}
		}
	}()

	if err = r.Session.Run([]ort.Value{inputTensor}, outputTensors); err != nil {
		return nil, err
	}
	switch v := outputTensors[0].(type) {
	case *ort.Tensor[float32]:
		data := v.GetData()
		scores = make([]float32, len(data))
		copy(scores, data)
	case *ort.Tensor[float64]:
		data := v.GetData()
		scores = make([]float32, len(data))
		for i, d := range data {
			scores[i] = float32(d)
		}
	default:
		return nil, fmt.Errorf("output %s has unsupported type %T", r.outputs[0].Name, v)
	}
	return scores, nil
}

func (r *ORTRuntime) Destroy() error {
	return r.Session.Destroy()
}
