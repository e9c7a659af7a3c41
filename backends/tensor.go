package backends

import "fmt"

// Tensor is a dense float32 tensor with row-major backing data.
type Tensor struct {
	Shape Shape
	Data  []float32
}

func NewTensor(shape Shape, data []float32) (*Tensor, error) {
	if len(data) != shape.Size() {
		return nil, fmt.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// ToNCHW returns a channels-first copy of a [N, H, W, C] tensor.
func (t *Tensor) ToNCHW() *Tensor {
	n, h, w, c := int(t.Shape[0]), int(t.Shape[1]), int(t.Shape[2]), int(t.Shape[3])
	out := make([]float32, len(t.Data))
	plane := h * w
	for b := range n {
		src := t.Data[b*plane*c:]
		dst := out[b*plane*c:]
		for p := range plane {
			for ch := range c {
				dst[ch*plane+p] = src[p*c+ch]
			}
		}
	}
	return &Tensor{
		Shape: NewShape(int64(n), int64(c), int64(h), int64(w)),
		Data:  out,
	}
}
