package rpclog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNop_NeverPanicsAndWritesNothing(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop.Warning().Str("component", "test").Err(errors.New("boom")).Log("should be discarded")
	})
}

func TestNew_WritesThroughToZerolog(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	l := New(zl)

	l.Warning().Str("component", "test").Log("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "test")
}
