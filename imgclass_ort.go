//go:build cgo && (ORT || ALL)

package imgclass

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/imgclass/options"
	"github.com/knights-analytics/imgclass/util/fileutil"
)

// NewORTSession creates a session backed by onnxruntime. Only one ORT session can be active per process.
// All models loaded by the session share one set of ORT session options.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}
	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}
	o := session.options.ORTOptions

	if err = initialiseEnvironment(o); err != nil {
		return nil, err
	}
	sessionOptions, err := newSessionOptions(o)
	if err != nil {
		return nil, errors.Join(err, ort.DestroyEnvironment())
	}
	session.options.RuntimeOptions = sessionOptions
	session.options.Destroy = sessionOptions.Destroy
	session.environmentDestroy = ort.DestroyEnvironment

	log.Debug().Int("defaultInputSide", session.options.DefaultInputSide).
		Bool("cuda", o.CudaOptions != nil).Bool("coreml", o.CoreMLOptions != nil).
		Msg("onnxruntime session ready")
	return session, nil
}

func initialiseEnvironment(o *options.OrtOptions) error {
	if o.LibraryPath != nil {
		exists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}

	telemetry := ort.DisableTelemetry
	if o.Telemetry != nil && *o.Telemetry {
		telemetry = ort.EnableTelemetry
	}
	if err := telemetry(); err != nil {
		return errors.Join(err, ort.DestroyEnvironment())
	}
	return nil
}

// newSessionOptions applies every configured ORT option. The options are destroyed again on failure.
func newSessionOptions(o *options.OrtOptions) (sessionOptions *ort.SessionOptions, err error) {
	sessionOptions, err = ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, sessionOptions.Destroy())
			sessionOptions = nil
		}
	}()

	var setters []func() error
	if o.IntraOpNumThreads != nil {
		n := *o.IntraOpNumThreads
		setters = append(setters, func() error { return sessionOptions.SetIntraOpNumThreads(n) })
	}
	if o.InterOpNumThreads != nil {
		n := *o.InterOpNumThreads
		setters = append(setters, func() error { return sessionOptions.SetInterOpNumThreads(n) })
	}
	if o.CPUMemArena != nil {
		enabled := *o.CPUMemArena
		setters = append(setters, func() error { return sessionOptions.SetCpuMemArena(enabled) })
	}
	if o.MemPattern != nil {
		enabled := *o.MemPattern
		setters = append(setters, func() error { return sessionOptions.SetMemPattern(enabled) })
	}
	if o.CudaOptions != nil {
		setters = append(setters, func() error { return appendCUDA(sessionOptions, o.CudaOptions) })
	}
	if o.CoreMLOptions != nil {
		flags := *o.CoreMLOptions
		setters = append(setters, func() error { return sessionOptions.AppendExecutionProviderCoreML(flags) })
	}

	for _, set := range setters {
		if err = set(); err != nil {
			return nil, err
		}
	}
	return sessionOptions, nil
}

func appendCUDA(sessionOptions *ort.SessionOptions, settings map[string]string) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()
	if len(settings) > 0 {
		if err = cudaOptions.Update(settings); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
}
