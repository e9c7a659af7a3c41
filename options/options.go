package options

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/knights-analytics/imgclass/util/fileutil"
)

// DefaultInputSide is used when neither the model nor its preprocessing contract declare a spatial size.
const DefaultInputSide = 224

type Options struct {
	// RuntimeOptions holds backend specific session options created at session start (e.g. *ort.SessionOptions).
	RuntimeOptions   any
	ORTOptions       *OrtOptions
	Destroy          func() error
	Backend          string
	DefaultInputSide int
}

func Defaults() *Options {
	_, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		DefaultInputSide: DefaultInputSide,
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	CoreMLOptions     *uint32
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithDefaultInputSide sets the square input edge used for models whose input shape is dynamic and that
// ship no preprocessing contract. Defaults to 224.
func WithDefaultInputSide(side int) WithOption {
	return func(o *Options) error {
		if side <= 0 {
			return fmt.Errorf("default input side must be positive, got %d", side)
		}
		o.DefaultInputSide = side
		return nil
	}
}

// WithOnnxLibraryPath (ORT only) sets the path to the onnxruntime shared library. The path may be the library
// file itself or the directory containing it.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return errors.New("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		fullPath := ortLibraryPath
		if object.IsDir() {
			libraryName, _ := getDefaultLibraryPaths()
			fullPath = fileutil.PathJoinSafe(ortLibraryPath, libraryName)
			exists, existsErr := fileutil.FileExists(fullPath)
			if existsErr != nil {
				return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", existsErr)
			}
			if !exists {
				return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
			}
		}
		o.ORTOptions.LibraryPath = &fullPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return errors.New("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within onnxruntime
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return errors.New("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across separate
// onnxruntime graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return errors.New("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
// Arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return errors.New("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
// If this is enabled memory is preallocated if all shapes are known. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return errors.New("WithMemPattern is only supported for ORT backend")
	}
}

// WithCuda (ORT only) enables the CUDA execution provider with the given provider options.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			if options == nil {
				options = map[string]string{}
			}
			o.ORTOptions.CudaOptions = options
			return nil
		}
		return errors.New("WithCuda is only supported for ORT backend")
	}
}

// WithCoreML (ORT only) enables the CoreML execution provider with the given flags.
func WithCoreML(flags uint32) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CoreMLOptions = &flags
			return nil
		}
		return errors.New("WithCoreML is only supported for ORT backend")
	}
}
