//go:build !cgo || (!ORT && !ALL)

package imgclass

import (
	"errors"

	"github.com/knights-analytics/imgclass/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
