// Package taskerr classifies execution failures for the retry policy.
//
// Executors wrap their errors with Permanent when retrying cannot help
// (bad task_config, unknown task type). Everything else is transient unless
// it carries ErrCancelled.
package taskerr

import (
	"errors"
	"fmt"
)

var (
	ErrCancelled = errors.New("execution cancelled")
	ErrTimeout   = errors.New("execution timed out")
)

type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// Permanent marks an error as non-retryable.
//
//	return taskerr.Permanent(fmt.Errorf("query is required"))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Transient marks an error as retryable. Unmarked errors are already treated
// as transient; the wrapper documents intent at the call site.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

// Classify maps an execution error onto a retry class.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	case IsPermanent(err):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }
