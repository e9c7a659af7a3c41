package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o := Defaults()
	assert.Equal(t, DefaultInputSide, o.DefaultInputSide)
	require.NotNil(t, o.ORTOptions.LibraryPath)
	assert.NoError(t, o.Destroy())
}

func TestWithDefaultInputSide(t *testing.T) {
	o := Defaults()
	require.NoError(t, WithDefaultInputSide(299)(o))
	assert.Equal(t, 299, o.DefaultInputSide)
	assert.Error(t, WithDefaultInputSide(0)(o))
}

func TestORTOnlyOptions(t *testing.T) {
	goOptions := Defaults()
	goOptions.Backend = "GO"
	for _, opt := range []WithOption{
		WithTelemetry(),
		WithIntraOpNumThreads(1),
		WithInterOpNumThreads(1),
		WithCPUMemArena(false),
		WithMemPattern(false),
		WithCuda(nil),
		WithCoreML(0),
		WithOnnxLibraryPath("/nonexistent"),
	} {
		assert.Error(t, opt(goOptions))
	}

	ortOptions := Defaults()
	ortOptions.Backend = "ORT"
	require.NoError(t, WithIntraOpNumThreads(2)(ortOptions))
	require.NoError(t, WithCuda(nil)(ortOptions))
	assert.Equal(t, 2, *ortOptions.ORTOptions.IntraOpNumThreads)
	assert.NotNil(t, ortOptions.ORTOptions.CudaOptions)
}

func TestWithOnnxLibraryPath(t *testing.T) {
	dir := t.TempDir()
	libraryName, _ := getDefaultLibraryPaths()
	libraryPath := filepath.Join(dir, libraryName)
	require.NoError(t, os.WriteFile(libraryPath, []byte{}, 0o600))

	o := Defaults()
	o.Backend = "ORT"
	require.NoError(t, WithOnnxLibraryPath(dir)(o))
	assert.Equal(t, libraryPath, *o.ORTOptions.LibraryPath)

	require.NoError(t, WithOnnxLibraryPath(libraryPath)(o))
	assert.Equal(t, libraryPath, *o.ORTOptions.LibraryPath)

	assert.Error(t, WithOnnxLibraryPath(filepath.Join(dir, "missing"))(o))
}
