package pipelines

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/imgclass/backends"
	"github.com/knights-analytics/imgclass/util/imageutil"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), uint8((x + y) % 256), 255})
		}
	}
	return img
}

func TestNormalizeShape(t *testing.T) {
	tensor, err := Normalize(gradient(400, 200), 224)
	require.NoError(t, err)
	assert.Equal(t, backends.NewShape(1, 224, 224, 3), tensor.Shape)
	assert.Len(t, tensor.Data, 224*224*3)

	for _, v := range tensor.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(255))
	}
}

func TestNormalizeCropsCentreSquare(t *testing.T) {
	square := gradient(200, 200)
	wide := image.NewRGBA(image.Rect(0, 0, 400, 200))
	for y := range 200 {
		for x := range 400 {
			c := color.RGBA{255, 255, 255, 255}
			if x >= 100 && x < 300 {
				c = square.RGBAAt(x-100, y)
			}
			wide.Set(x, y, c)
		}
	}

	fromWide, err := Normalize(wide, 64)
	require.NoError(t, err)
	fromSquare, err := Normalize(square, 64)
	require.NoError(t, err)
	assert.Equal(t, fromSquare.Data, fromWide.Data, "margins outside the centre square must not leak in")

	// portrait input crops the top and bottom
	tall := image.NewRGBA(image.Rect(0, 0, 200, 400))
	for y := range 400 {
		for x := range 200 {
			c := color.RGBA{0, 0, 0, 255}
			if y >= 100 && y < 300 {
				c = square.RGBAAt(x, y-100)
			}
			tall.Set(x, y, c)
		}
	}
	fromTall, err := Normalize(tall, 64)
	require.NoError(t, err)
	assert.Equal(t, fromSquare.Data, fromTall.Data)
}

func TestNormalizeSinglePixel(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{12, 34, 56, 255})

	tensor, err := Normalize(img, 224)
	require.NoError(t, err)
	assert.Equal(t, backends.NewShape(1, 224, 224, 3), tensor.Shape)
	for i := 0; i < len(tensor.Data); i += 3 {
		require.Equal(t, []float32{12, 34, 56}, tensor.Data[i:i+3])
	}
}

func TestNormalizeInvalidImage(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		side int
	}{
		{"nil", nil, 224},
		{"zero width", image.NewRGBA(image.Rect(0, 0, 0, 10)), 224},
		{"zero height", image.NewGray(image.Rect(0, 0, 10, 0)), 224},
		{"zero target", gradient(10, 10), 0},
		{"negative target", gradient(10, 10), -4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.img, tt.side)
			var invalid *backends.InvalidImageError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestNormalizeChannels(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := range 2 {
		for x := range 2 {
			img.Set(x, y, color.RGBA{100, 200, 50, 255})
		}
	}

	gray, err := FrameNormalizer{TargetSide: 2, Channels: 1}.Normalize(img)
	require.NoError(t, err)
	assert.Equal(t, backends.NewShape(1, 2, 2, 1), gray.Shape)
	assert.InDelta(t, 0.299*100+0.587*200+0.114*50, gray.Data[0], 1e-3)

	rgba, err := FrameNormalizer{TargetSide: 2, Channels: 4}.Normalize(img)
	require.NoError(t, err)
	assert.Equal(t, backends.NewShape(1, 2, 2, 4), rgba.Shape)
	assert.Equal(t, []float32{100, 200, 50, 255}, rgba.Data[:4])

	_, err = FrameNormalizer{TargetSide: 2, Channels: 2}.Normalize(img)
	assert.Error(t, err)
}

func TestNormalizeSteps(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 3))
	for y := range 3 {
		for x := range 3 {
			img.Set(x, y, color.RGBA{255, 0, 255, 255})
		}
	}
	normalizer := FrameNormalizer{
		TargetSide: 3,
		NormalizationSteps: []imageutil.NormalizationStep{
			imageutil.RescaleStep(),
			imageutil.PixelNormalizationStep([]float32{0.5, 0.5, 0.5}, []float32{0.5, 0.5, 0.5}),
		},
	}
	tensor, err := normalizer.Normalize(img)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tensor.Data[0], 1e-5)
	assert.InDelta(t, -1.0, tensor.Data[1], 1e-5)
	assert.InDelta(t, 1.0, tensor.Data[2], 1e-5)
}

func TestNormalizeTranslucentKeepsColour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := range 4 {
		for x := range 4 {
			img.SetNRGBA(x, y, color.NRGBA{200, 100, 50, 128})
		}
	}

	tensor, err := Normalize(img, 4)
	require.NoError(t, err)
	for i := 0; i < len(tensor.Data); i += 3 {
		require.InDelta(t, 200, tensor.Data[i], 1)
		require.InDelta(t, 100, tensor.Data[i+1], 1)
		require.InDelta(t, 50, tensor.Data[i+2], 1)
	}

	rgba, err := FrameNormalizer{TargetSide: 2, Channels: 4}.Normalize(img)
	require.NoError(t, err)
	assert.InDelta(t, 200, rgba.Data[0], 1)
	assert.Equal(t, float32(128), rgba.Data[3])
}
