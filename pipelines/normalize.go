package pipelines

import (
	"fmt"
	"image"

	"github.com/knights-analytics/imgclass/backends"
	"github.com/knights-analytics/imgclass/util/imageutil"
)

// FrameNormalizer turns arbitrary images into the fixed NHWC tensor a model expects: centre crop to
// the largest square, bilinear resize to TargetSide, then per-channel float conversion.
type FrameNormalizer struct {
	NormalizationSteps []imageutil.NormalizationStep
	TargetSide         int
	// Channels is 1 (luma), 3 (RGB) or 4 (RGBA). Zero means 3.
	Channels int
}

// Normalize converts img to a [1, targetSide, targetSide, 3] tensor of raw 0-255 values.
func Normalize(img image.Image, targetSide int) (*backends.Tensor, error) {
	return FrameNormalizer{TargetSide: targetSide}.Normalize(img)
}

func (n FrameNormalizer) Normalize(img image.Image) (*backends.Tensor, error) {
	if img == nil {
		return nil, &backends.InvalidImageError{Err: fmt.Errorf("image is nil")}
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, &backends.InvalidImageError{Width: bounds.Dx(), Height: bounds.Dy()}
	}
	if n.TargetSide <= 0 {
		return nil, &backends.InvalidImageError{
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
			Err:    fmt.Errorf("target side must be positive, got %d", n.TargetSide),
		}
	}
	channels := n.Channels
	if channels == 0 {
		channels = 3
	}
	if channels != 1 && channels != 3 && channels != 4 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	side := n.TargetSide
	resized := imageutil.CenterSquareResize(img, side)

	data := make([]float32, side*side*channels)
	values := make([]float32, 4)
	i := 0
	for y := range side {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+side*4]
		for x := range side {
			px := row[x*4 : x*4+4]
			switch channels {
			case 1:
				values[0] = 0.299*float32(px[0]) + 0.587*float32(px[1]) + 0.114*float32(px[2])
			default:
				for c := range channels {
					values[c] = float32(px[c])
				}
			}
			for c := range channels {
				v := values[c]
				for _, step := range n.NormalizationSteps {
					v = step.Apply(c, v)
				}
				data[i] = v
				i++
			}
		}
	}
	return &backends.Tensor{
		Shape: backends.NewShape(1, int64(side), int64(side), int64(channels)),
		Data:  data,
	}, nil
}
