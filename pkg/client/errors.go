package client

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call to the prediction service.
type Kind int

const (
	// KindValidation: the request was rejected before anything was sent.
	KindValidation Kind = iota + 1
	// KindTransport: the request could not be delivered or the response body
	// could not be read (DNS, connect, TLS, timeout, cancellation).
	KindTransport
	// KindService: the service answered with a non-2xx status.
	KindService
	// KindDecode: the service answered 2xx but the body was not what we expect.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindService:
		return "service"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation.
type Error struct {
	Kind Kind
	// Op names the operation, e.g. "predict", "stats".
	Op string
	// StatusCode is set for KindService.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 if err is not (and does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewValidationError builds a KindValidation error for callers that reject a
// request before it reaches the client.
func NewValidationError(op string, err error) error {
	return newError(KindValidation, op, err)
}
