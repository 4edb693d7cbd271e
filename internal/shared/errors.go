package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned across a component boundary wraps one of
// these so callers can branch with errors.Is.
var (
	ErrValidation  = errors.New("validation")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrPermission  = errors.New("permission denied")
	ErrUnavailable = errors.New("service unavailable")
	ErrTransient   = errors.New("transient")
)

type kindError struct {
	kind error
	msg  string
	err  error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.err }

// Errorf builds an error of the given kind. A %w verb in format keeps the
// wrapped cause reachable through errors.Is/As.
func Errorf(kind error, format string, args ...any) error {
	wrapped := fmt.Errorf(format, args...)
	return &kindError{kind: kind, msg: wrapped.Error(), err: errors.Unwrap(wrapped)}
}

// Kind returns the kind sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrPermission, ErrUnavailable, ErrTransient} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
