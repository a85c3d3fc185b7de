// Package simerr defines the error kinds reported by the simulator.
//
// Callers distinguish recoverable conditions (an empty volume, a skipped
// degenerate view) from aborted runs with errors.Is against the sentinel
// errors below.
package simerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// Configuration marks an invalid or inapplicable setup.
	Configuration Kind = iota + 1
	// Numerical marks a degenerate decomposition or zero-norm quantity.
	Numerical
	// Runtime marks compute device, kernel or allocation failures.
	Runtime
	// DataShape marks empty or size-mismatched input data.
	DataShape
)

var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrNumerical     = errors.New("numerical degeneracy")
	ErrRuntime       = errors.New("runtime failure")
	ErrDataShape     = errors.New("data shape mismatch")
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Numerical:
		return "numerical"
	case Runtime:
		return "runtime"
	case DataShape:
		return "data shape"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case Configuration:
		return ErrConfiguration
	case Numerical:
		return ErrNumerical
	case Runtime:
		return ErrRuntime
	case DataShape:
		return ErrDataShape
	default:
		return nil
	}
}

// Error is an operation failure of a given kind.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel error of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// New returns an Error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with an operation and kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
