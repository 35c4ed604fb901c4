// Package apperr holds the dispatch error taxonomy. Every handled failure is an
// *Error whose Kind is one of the sentinels below, so callers branch with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrConflict      = errors.New("state conflict")
	ErrNotFound      = errors.New("not found")
	ErrUnavailable   = errors.New("no driver available")
	ErrCapacity      = errors.New("driver at capacity")
)

type Error struct {
	Kind error
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

func New(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return New(ErrValidation, op, format, args...)
}

func Authorization(op, format string, args ...any) *Error {
	return New(ErrAuthorization, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return New(ErrConflict, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(ErrNotFound, op, format, args...)
}

func Capacity(op, format string, args ...any) *Error {
	return New(ErrCapacity, op, format, args...)
}

// Handled reports whether err belongs to the taxonomy, as opposed to an
// infrastructure failure.
func Handled(err error) bool {
	for _, k := range []error{ErrValidation, ErrAuthorization, ErrConflict, ErrNotFound, ErrUnavailable, ErrCapacity} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// Code is a short machine-readable name for err, used on the wire.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	default:
		return "internal"
	}
}
