package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/imgclass/util/fileutil"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// IsImageFile reports whether the file name carries an extension of a registered decoder.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// DecodeImage decodes any registered format and returns the image with its format name.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	return image.Decode(r)
}

// ErrDecode marks errors caused by undecodable image bytes, as opposed to read failures.
var ErrDecode = errors.New("image cannot be decoded")

// LoadImage reads and decodes the image at path, which may be any afs URL.
func LoadImage(path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	img, _, err := DecodeImage(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	return img, nil
}

// CenterSquare returns the largest square inside bounds centred on the longer axis.
// The offset on the longer axis is floor((long-short)/2), on the shorter axis it is zero.
func CenterSquare(bounds image.Rectangle) image.Rectangle {
	w, h := bounds.Dx(), bounds.Dy()
	side := min(w, h)
	x0 := bounds.Min.X + (w-side)/2
	y0 := bounds.Min.Y + (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// CropResize scales the src region of img to a side x side image with bilinear interpolation.
// Source pixels replace destination pixels (draw.Src) and the result holds straight, not premultiplied,
// alpha: a translucent pixel keeps its colour values.
func CropResize(img image.Image, src image.Rectangle, side int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(dst, dst.Rect, img, src, draw.Src, nil)
	return dst
}

// CenterSquareResize is the fixed geometric normalisation: centre crop to a square, then bilinear resize.
func CenterSquareResize(img image.Image, side int) *image.NRGBA {
	return CropResize(img, CenterSquare(img.Bounds()), side)
}

// NormalizationStep transforms the float value of one channel of one pixel.
type NormalizationStep interface {
	Apply(channel int, v float32) float32
}

type PixelNormalizationPreprocessor struct {
	mean []float32
	std  []float32
}

// Apply leaves channels without a mean/std entry (e.g. alpha) untouched.
func (s *PixelNormalizationPreprocessor) Apply(channel int, v float32) float32 {
	if channel >= len(s.mean) || channel >= len(s.std) || s.std[channel] == 0 {
		return v
	}
	return (v - s.mean[channel]) / s.std[channel]
}

func PixelNormalizationStep(mean, std []float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{
		mean: []float32{0.485, 0.456, 0.406},
		std:  []float32{0.229, 0.224, 0.225},
	}
}

type RescalePreprocessor struct {
	factor float32
}

func (s *RescalePreprocessor) Apply(_ int, v float32) float32 {
	return v * s.factor
}

// RescaleStep maps 8-bit values to [0,1].
func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{factor: 1.0 / 255.0}
}

func RescaleFactorStep(factor float32) *RescalePreprocessor {
	return &RescalePreprocessor{factor: factor}
}
