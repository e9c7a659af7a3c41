package imageutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCenterSquare(t *testing.T) {
	tests := []struct {
		name   string
		bounds image.Rectangle
		want   image.Rectangle
	}{
		{"square", image.Rect(0, 0, 50, 50), image.Rect(0, 0, 50, 50)},
		{"landscape", image.Rect(0, 0, 400, 200), image.Rect(100, 0, 300, 200)},
		{"portrait", image.Rect(0, 0, 200, 400), image.Rect(0, 100, 200, 300)},
		{"odd excess", image.Rect(0, 0, 5, 2), image.Rect(1, 0, 3, 2)},
		{"offset origin", image.Rect(10, 20, 410, 220), image.Rect(110, 20, 310, 220)},
		{"single pixel", image.Rect(0, 0, 1, 1), image.Rect(0, 0, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CenterSquare(tt.bounds))
		})
	}
}

func TestCenterSquareResizeUniform(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{10, 20, 30, 255})

	out := CenterSquareResize(img, 8)
	require.Equal(t, image.Rect(0, 0, 8, 8), out.Bounds())
	for y := range 8 {
		for x := range 8 {
			assert.Equal(t, color.NRGBA{10, 20, 30, 255}, out.NRGBAAt(x, y))
		}
	}
}

func TestCenterSquareResizeDropsMargins(t *testing.T) {
	// red margins left and right of a blue centre square
	img := image.NewRGBA(image.Rect(0, 0, 30, 10))
	for y := range 10 {
		for x := range 30 {
			c := color.RGBA{255, 0, 0, 255}
			if x >= 10 && x < 20 {
				c = color.RGBA{0, 0, 255, 255}
			}
			img.Set(x, y, c)
		}
	}
	out := CenterSquareResize(img, 4)
	for y := range 4 {
		for x := range 4 {
			assert.Equal(t, color.NRGBA{0, 0, 255, 255}, out.NRGBAAt(x, y))
		}
	}
}

func TestCenterSquareResizeStraightAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for y := range 4 {
		for x := range 6 {
			img.SetNRGBA(x, y, color.NRGBA{200, 100, 50, 128})
		}
	}
	out := CenterSquareResize(img, 3)
	for y := range 3 {
		for x := range 3 {
			c := out.NRGBAAt(x, y)
			assert.InDelta(t, 200, int(c.R), 1)
			assert.InDelta(t, 100, int(c.G), 1)
			assert.InDelta(t, 50, int(c.B), 1)
			assert.Equal(t, uint8(128), c.A)
		}
	}
}

func TestNormalizationSteps(t *testing.T) {
	assert.InDelta(t, 1.0, RescaleStep().Apply(0, 255), 1e-6)
	assert.InDelta(t, 0.5, RescaleFactorStep(0.5).Apply(2, 1), 1e-6)

	imagenet := ImagenetPixelNormalizationStep()
	assert.InDelta(t, (1-0.485)/0.229, imagenet.Apply(0, 1), 1e-5)
	assert.InDelta(t, (1-0.406)/0.225, imagenet.Apply(2, 1), 1e-5)
	assert.InDelta(t, 0.7, imagenet.Apply(3, 0.7), 1e-6, "alpha is passed through")
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, "small.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Bounds().Dx())
	assert.Equal(t, 2, loaded.Bounds().Dy())

	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o600))
	_, err = LoadImage(garbage)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = LoadImage(filepath.Join(dir, "missing.png"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDecode)
}

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("cat.JPG"))
	assert.True(t, IsImageFile("dir/bird.webp"))
	assert.False(t, IsImageFile("labels.json"))
}
