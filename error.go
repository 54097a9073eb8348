package spibus

import (
	"errors"
	"fmt"
)

// Status is a driver status code. Zero means success; any other value is an
// opaque failure code that this package surfaces verbatim.
type Status int32

// Known status codes. The driver may return others, such as raw errno values,
// so codes synthesized by this package stay negative.
const (
	StatusOK                 Status = 0
	StatusFail               Status = -1
	StatusConstructionFailed Status = -2 // synthesized when no driver code is available
	StatusNoMem              Status = 0x101
	StatusInvalidArg         Status = 0x102
	StatusInvalidState       Status = 0x103
	StatusInvalidSize        Status = 0x104
	StatusNotFound           Status = 0x105
	StatusNotSupported       Status = 0x106
	StatusTimeout            Status = 0x107
)

// String returns a short name for known codes and the hex value otherwise.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFail:
		return "fail"
	case StatusConstructionFailed:
		return "construction failed"
	case StatusNoMem:
		return "no memory"
	case StatusInvalidArg:
		return "invalid argument"
	case StatusInvalidState:
		return "invalid state"
	case StatusInvalidSize:
		return "invalid size"
	case StatusNotFound:
		return "not found"
	case StatusNotSupported:
		return "not supported"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status %#x", int32(s))
	}
}

// Error makes Status usable as an errors.Is target.
func (s Status) Error() string {
	return s.String()
}

// Err returns nil for StatusOK and an *Error carrying s otherwise.
func (s Status) Err(op string) error {
	if s == StatusOK {
		return nil
	}
	return &Error{Op: op, Code: s}
}

func invalidArg(op, format string, args ...any) error {
	return &Error{Op: op, Code: StatusInvalidArg, Detail: fmt.Sprintf(format, args...)}
}

// Error is returned by every fallible operation in this package.
type Error struct {
	Op     string
	Code   Status
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("spibus: %s: %s: %s", e.Op, e.Code, e.Detail)
	}
	return fmt.Sprintf("spibus: %s: %s", e.Op, e.Code)
}

// Is reports whether target is the same Status code.
func (e *Error) Is(target error) bool {
	s, ok := target.(Status)
	return ok && s == e.Code
}

// Code extracts the status code carried by err. It returns StatusOK for a nil
// error and StatusFail for errors that did not originate in this package.
func Code(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return StatusFail
}
