package types

import (
	"errors"
	"fmt"
)

// Error kinds. Every fatal failure surfaced by a run matches exactly one of these with errors.Is.
var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSinkUnavailable   = errors.New("sink unavailable")
	ErrPersistence       = errors.New("persistence error")
	ErrAcquisition       = errors.New("acquisition error")
	ErrValidation        = errors.New("validation error")
	ErrProcessing        = errors.New("processing error")
)

var kinds = []error{
	ErrValidation,
	ErrSourceUnavailable,
	ErrSinkUnavailable,
	ErrAcquisition,
	ErrPersistence,
	ErrProcessing,
}

// RunError attaches a kind and the failing operation to a cause
type RunError struct {
	Kind error
	Op   string
	Err  error
}

// Wrap returns err tagged with kind. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) && re.Kind == kind && re.Op == op {
		return err
	}
	return &RunError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a RunError from a formatted message.
func Errorf(kind error, op, format string, args ...any) error {
	return &RunError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *RunError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *RunError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns the kind of the outermost RunError in err's chain.
// Errors without one are matched against the sentinels, falling back to ErrProcessing.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrProcessing
}

// Ensure returns err unchanged when its outermost RunError already carries kind,
// otherwise it wraps err with kind and op.
func Ensure(kind error, op string, err error) error {
	var re *RunError
	if errors.As(err, &re) && re.Kind == kind {
		return err
	}
	return Wrap(kind, op, err)
}
