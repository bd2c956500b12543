package accelerator

import (
	"errors"
	"fmt"
)

// Code is the error vocabulary shared by all backends.
type Code int

const (
	CodeOK Code = iota
	CodeNotInitialized
	CodeInvalidInput
	CodeHardware
	CodeUnsupported
	CodeReleased
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotInitialized:
		return "not_initialized"
	case CodeInvalidInput:
		return "invalid_input"
	case CodeHardware:
		return "hardware_error"
	case CodeUnsupported:
		return "unsupported"
	case CodeReleased:
		return "released"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

var (
	ErrNotInitialized = errors.New("accelerator not initialized")
	ErrInvalidInput   = errors.New("invalid input")
	ErrHardware       = errors.New("hardware error")
	ErrUnsupported    = errors.New("operation not supported")
	ErrReleased       = errors.New("accelerator released")
)

func sentinel(c Code) error {
	switch c {
	case CodeNotInitialized:
		return ErrNotInitialized
	case CodeInvalidInput:
		return ErrInvalidInput
	case CodeUnsupported:
		return ErrUnsupported
	case CodeReleased:
		return ErrReleased
	default:
		return ErrHardware
	}
}

// Error is returned by every failing backend call.
type Error struct {
	Backend string
	Op      string
	Code    Code
	Err     error
}

func newError(backend, op string, code Code, err error) *Error {
	return &Error{Backend: backend, Op: op, Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Code)
}

// Unwrap exposes both the code sentinel and the underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{sentinel(e.Code)}
	}
	return []error{sentinel(e.Code), e.Err}
}

// CodeOf extracts the code from err. Unknown errors map to CodeHardware.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	for _, c := range []Code{CodeNotInitialized, CodeInvalidInput, CodeUnsupported, CodeReleased} {
		if errors.Is(err, sentinel(c)) {
			return c
		}
	}
	return CodeHardware
}
