package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a pipe failure.
type ErrorKind string

const (
	KindTimeout ErrorKind = "timeout"
	KindHTTP    ErrorKind = "http"
	KindParse   ErrorKind = "parse"
)

// Error is returned by every pipe call. Callers degrade the owning phase on any kind.
type Error struct {
	Kind ErrorKind
	Pipe string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipe %s %s: %v", e.Pipe, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a pipe timeout.
func IsTimeout(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTimeout
}

func classify(pipe string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Pipe == "" {
			pe.Pipe = pipe
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Pipe: pipe, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Pipe: pipe, Err: err}
	}
	return &Error{Kind: KindHTTP, Pipe: pipe, Err: err}
}
