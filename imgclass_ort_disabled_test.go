//go:build !cgo || (!ORT && !ALL)

package imgclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestORTSessionDisabled(t *testing.T) {
	session, err := NewORTSession()
	assert.Nil(t, session)
	assert.Error(t, err)
}
