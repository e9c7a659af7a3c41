package imgclass

import (
	"github.com/knights-analytics/imgclass/options"
)

// NewGoSession creates a session backed by the pure Go gonnx runtime. It needs neither cgo nor a shared library.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
