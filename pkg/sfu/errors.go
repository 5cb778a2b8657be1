package sfu

import (
	"errors"
	"fmt"
)

// ErrorKind is a case-stable string label surfaced across the signaling
// boundary. Session handlers map any internal error to one of these without
// string-matching, by checking RouterError.Kind.
type ErrorKind string

const (
	ErrNotInitialized          ErrorKind = "NotInitialized"
	ErrInvalidTransport        ErrorKind = "InvalidTransport"
	ErrUnsupportedCapabilities ErrorKind = "UnsupportedCapabilities"
	ErrProduceFailed           ErrorKind = "ProduceFailed"
	ErrEgressPortsExhausted    ErrorKind = "EgressPortsExhausted"
	ErrUnknownTransport        ErrorKind = "UnknownTransport"
	ErrUnknownProducer         ErrorKind = "UnknownProducer"
	ErrProducerClosed          ErrorKind = "ProducerClosed"
)

// RouterError wraps an ErrorKind with the underlying cause, if any.
type RouterError struct {
	Kind  ErrorKind
	Cause error
}

func (e *RouterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *RouterError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, sfu.ErrUnknownProducer) style comparisons by
// kind rather than by identity.
func (e *RouterError) Is(target error) bool {
	other, ok := target.(*RouterError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func newError(kind ErrorKind, cause error) *RouterError {
	return &RouterError{Kind: kind, Cause: cause}
}

// Kind returns ErrorKind if err (or something it wraps) is a *RouterError,
// and ok=false otherwise.
func Kind(err error) (ErrorKind, bool) {
	var re *RouterError
	if !errors.As(err, &re) {
		return "", false
	}
	return re.Kind, true
}
