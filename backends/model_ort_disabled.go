//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/imgclass/options"
)

func createORTRuntime(_ []byte, _ *options.Options) (Runtime, error) {
	return nil, errors.New("ORT is not enabled")
}
