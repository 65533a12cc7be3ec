package stt

import (
	"errors"
	"fmt"
)

// ErrTransport matches every *TransportError via errors.Is.
var ErrTransport = errors.New("transport error")

// TransportError reports a connection, request or vendor-side failure.
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

// NewTransportError wraps err for provider and op.
func NewTransportError(provider, op string, err error) *TransportError {
	return &TransportError{Provider: provider, Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) true for any TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
