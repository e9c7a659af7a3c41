package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/imgclass/options"
	"github.com/knights-analytics/imgclass/util/fileutil"
	"github.com/knights-analytics/imgclass/util/imageutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Preprocessing is the model's declared pixel value contract. The zero value feeds raw 0-255 values.
type Preprocessing struct {
	Mean          []float32
	Std           []float32
	RescaleFactor float32
	Size          int
	Rescale       bool
	Normalize     bool
}

// Steps returns the normalization steps implementing the contract, rescale first.
func (p Preprocessing) Steps() []imageutil.NormalizationStep {
	var steps []imageutil.NormalizationStep
	if p.Rescale {
		steps = append(steps, imageutil.RescaleFactorStep(p.RescaleFactor))
	}
	if p.Normalize {
		steps = append(steps, imageutil.PixelNormalizationStep(p.Mean, p.Std))
	}
	return steps
}

// LoadModel loads the model at path and blocks until it is ready.
func LoadModel(path string, onnxFilename string, labelsPath string, opts *options.Options) (*Model, error) {
	model := NewModel(path, onnxFilename)
	if err := model.Load(labelsPath, opts); err != nil {
		return nil, err
	}
	return model, nil
}

// Load reads the onnx file, vocabulary and preprocessing contract of a pending model and completes it.
// Any failure resolves the model with a LoadError, which is also returned.
func (m *Model) Load(labelsPath string, opts *options.Options) error {
	runtime, labels, preprocessing, err := m.loadParts(labelsPath, opts)
	if err == nil {
		m.DefaultInputSide = opts.DefaultInputSide
		err = m.Complete(runtime, labels, preprocessing)
		if err != nil {
			err = errors.Join(err, runtime.Destroy())
		}
	}
	if err != nil {
		loadErr := &LoadError{Path: m.Path, Err: err}
		m.Fail(loadErr)
		return loadErr
	}
	return nil
}

func (m *Model) loadParts(labelsPath string, opts *options.Options) (Runtime, []string, Preprocessing, error) {
	var preprocessing Preprocessing
	onnxPath, err := GetOnnxModelPath(m.Path, m.OnnxFilename)
	if err != nil {
		return nil, nil, preprocessing, err
	}
	labels, err := LoadVocabulary(m.Path, labelsPath)
	if err != nil {
		return nil, nil, preprocessing, err
	}
	preprocessing, err = LoadPreprocessing(m.Path)
	if err != nil {
		return nil, nil, preprocessing, err
	}
	onnxBytes, err := fileutil.ReadFileBytes(onnxPath)
	if err != nil {
		return nil, nil, preprocessing, err
	}
	runtime, err := CreateModelBackend(onnxBytes, opts)
	if err != nil {
		return nil, nil, preprocessing, err
	}
	return runtime, labels, preprocessing, nil
}

func CreateModelBackend(onnxBytes []byte, opts *options.Options) (Runtime, error) {
	switch opts.Backend {
	case "ORT":
		runtime, err := createORTRuntime(onnxBytes, opts)
		if err != nil {
			return nil, err
		}
		return runtime, nil
	case "GO":
		runtime, err := createGoRuntime(onnxBytes)
		if err != nil {
			return nil, err
		}
		return runtime, nil
	default:
		return nil, fmt.Errorf("backend %q is not supported", opts.Backend)
	}
}

// GetOnnxModelPath finds the single .onnx file under path, or the one named onnxFilename.
func GetOnnxModelPath(path string, onnxFilename string) (string, error) {
	onnxFiles, err := getOnnxFiles(path)
	if err != nil {
		return "", err
	}
	if len(onnxFiles) == 0 {
		return "", fmt.Errorf("no .onnx file detected at %s. There should be exactly .onnx file", path)
	}
	if len(onnxFiles) > 1 {
		if onnxFilename == "" {
			return "", fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][2] == onnxFilename {
				return fileutil.PathJoinSafe(onnxFiles[i]...), nil
			}
		}
		return "", fmt.Errorf("file %s not found at %s", onnxFilename, path)
	}
	return fileutil.PathJoinSafe(onnxFiles[0]...), nil
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{path, parent, info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// LoadVocabulary reads the ordered label list. An explicit labelsPath wins; otherwise labels.json,
// labels.txt and the id2label map of config.json are tried in that order.
func LoadVocabulary(modelPath string, labelsPath string) ([]string, error) {
	if labelsPath != "" {
		return readLabelsFile(labelsPath)
	}
	for _, name := range []string{"labels.json", "labels.txt"} {
		candidate := fileutil.PathJoinSafe(modelPath, name)
		exists, err := fileutil.FileExists(candidate)
		if err != nil {
			return nil, err
		}
		if exists {
			return readLabelsFile(candidate)
		}
	}

	configPath := fileutil.PathJoinSafe(modelPath, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return nil, err
	}
	if exists {
		var config struct {
			ID2Label map[string]string `json:"id2label"`
		}
		if err = fileutil.ReadJSON(configPath, &config); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", configPath, err)
		}
		if len(config.ID2Label) > 0 {
			return denseLabels(config.ID2Label)
		}
	}
	return nil, fmt.Errorf("no label vocabulary found at %s", modelPath)
}

func readLabelsFile(path string) ([]string, error) {
	if strings.ToLower(filepath.Ext(path)) != ".json" {
		return fileutil.ReadLines(path)
	}
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var id2label map[string]string
		if err = json.Unmarshal(b, &id2label); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return denseLabels(id2label)
	}
	var labels []string
	if err = json.Unmarshal(b, &labels); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return labels, nil
}

// denseLabels converts an index to label map into a slice. Indices must cover 0..n-1 exactly.
func denseLabels(id2label map[string]string) ([]string, error) {
	labels := make([]string, len(id2label))
	seen := make([]bool, len(id2label))
	for k, v := range id2label {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("label index %q is not an integer", k)
		}
		if i < 0 || i >= len(labels) || seen[i] {
			return nil, fmt.Errorf("label indices must be 0..%d without gaps, got %d", len(labels)-1, i)
		}
		labels[i] = v
		seen[i] = true
	}
	return labels, nil
}

type preprocessorConfig struct {
	DoRescale     *bool               `json:"do_rescale"`
	RescaleFactor *float32            `json:"rescale_factor"`
	DoNormalize   *bool               `json:"do_normalize"`
	ImageMean     []float32           `json:"image_mean"`
	ImageStd      []float32           `json:"image_std"`
	Size          jsoniter.RawMessage `json:"size"`
	CropSize      jsoniter.RawMessage `json:"crop_size"`
}

// LoadPreprocessing reads preprocessor_config.json if present. Without it the model receives raw values.
func LoadPreprocessing(modelPath string) (Preprocessing, error) {
	var p Preprocessing
	configPath := fileutil.PathJoinSafe(modelPath, "preprocessor_config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil || !exists {
		return p, err
	}
	var config preprocessorConfig
	if err = fileutil.ReadJSON(configPath, &config); err != nil {
		return p, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	p.Rescale = config.DoRescale == nil || *config.DoRescale
	p.RescaleFactor = 1.0 / 255.0
	if config.RescaleFactor != nil {
		p.RescaleFactor = *config.RescaleFactor
	}
	hasStats := len(config.ImageMean) > 0 && len(config.ImageStd) > 0
	p.Normalize = hasStats && (config.DoNormalize == nil || *config.DoNormalize)
	if p.Normalize {
		p.Mean = config.ImageMean
		p.Std = config.ImageStd
	}

	sizeRaw := config.CropSize
	if len(sizeRaw) == 0 {
		sizeRaw = config.Size
	}
	if p.Size, err = parseSize(sizeRaw); err != nil {
		return p, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	return p, nil
}

// parseSize accepts an integer, {"height","width"} or {"shortest_edge"}.
func parseSize(raw jsoniter.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var size struct {
		Height       int `json:"height"`
		Width        int `json:"width"`
		ShortestEdge int `json:"shortest_edge"`
	}
	if err := json.Unmarshal(raw, &size); err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	switch {
	case size.Height > 0 && size.Width > 0:
		return min(size.Height, size.Width), nil
	case size.ShortestEdge > 0:
		return size.ShortestEdge, nil
	default:
		return max(size.Height, size.Width), nil
	}
}
