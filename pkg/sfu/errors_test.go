package sfu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterErrorMessageIncludesCause(t *testing.T) {
	err := newError(ErrProduceFailed, errors.New("boom"))
	assert.Equal(t, "ProduceFailed: boom", err.Error())
}

func TestRouterErrorMessageWithoutCause(t *testing.T) {
	err := newError(ErrUnknownProducer, nil)
	assert.Equal(t, "UnknownProducer", err.Error())
}

func TestRouterErrorIsComparesByKind(t *testing.T) {
	a := newError(ErrUnknownTransport, errors.New("x"))
	b := newError(ErrUnknownTransport, errors.New("y"))
	c := newError(ErrUnknownProducer, nil)

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestKindExtractsErrorKind(t *testing.T) {
	err := newError(ErrEgressPortsExhausted, nil)
	kind, ok := Kind(err)
	assert.True(t, ok)
	assert.Equal(t, ErrEgressPortsExhausted, kind)

	_, ok = Kind(errors.New("plain error"))
	assert.False(t, ok)
}
