package backends

import (
	"fmt"
	"slices"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic dimensions are -1 or 0.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// Size is the number of elements of a fully static shape.
func (s Shape) Size() int {
	size := 1
	for _, v := range s {
		size *= int(v)
	}
	return size
}

func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Layout is the memory order of a 4-D image tensor.
type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

func isChannelDim(d int64) bool {
	return d == 1 || d == 3 || d == 4
}

// resolveInputGeometry reads side, channel count and layout from the metadata of a 4-D image input.
// Dynamic spatial dimensions fall back to contractSide, then defaultSide.
func resolveInputGeometry(meta InputOutputInfo, contractSide, defaultSide int) (int, int, Layout, error) {
	dims := meta.Dimensions
	if len(dims) != 4 {
		return 0, 0, "", fmt.Errorf("input %s: expected 4 dimensions (batch, height, width, channels), got %d", meta.Name, len(dims))
	}
	if dims[0] > 1 {
		return 0, 0, "", fmt.Errorf("input %s: fixed batch dimension %d is not supported, single image inference requires 1", meta.Name, dims[0])
	}

	layout := LayoutNHWC
	h, w, c := dims[1], dims[2], dims[3]
	if isChannelDim(dims[1]) && !isChannelDim(dims[3]) {
		layout = LayoutNCHW
		c, h, w = dims[1], dims[2], dims[3]
	}
	if h > 0 && w > 0 && h != w {
		return 0, 0, "", fmt.Errorf("input %s: non-square input %dx%d is not supported", meta.Name, h, w)
	}

	channels := 3
	if c > 0 {
		channels = int(c)
	}
	if channels != 1 && channels != 3 && channels != 4 {
		return 0, 0, "", fmt.Errorf("input %s: unsupported channel count %d", meta.Name, channels)
	}

	var side int
	switch {
	case h > 0:
		side = int(h)
	case w > 0:
		side = int(w)
	case contractSide > 0:
		side = contractSide
	case defaultSide > 0:
		side = defaultSide
	default:
		side = 224
	}
	return side, channels, layout, nil
}
