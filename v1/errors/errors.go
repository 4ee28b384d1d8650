// Package errors defines the failure taxonomy shared by every rtsync
// primitive. Each primitive reports failures as an *Error wrapping one of
// the sentinels below, so callers can tell expected outcomes (ErrTimeout,
// ErrWouldBlock) from programming or resource errors with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrCreationFailed  = errors.New("creation failed")
	ErrNotOwner        = errors.New("not owner")
	ErrInconsistent    = errors.New("owner died, state inconsistent")
	ErrTimeout         = errors.New("timeout")
	ErrWouldBlock      = errors.New("would block")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInterrupted     = errors.New("interrupted")

	// ErrDeleted is returned by operations on a closed object and to
	// waiters released because the object was deleted while they pended.
	ErrDeleted = errors.New("object deleted")
	// ErrTaskDeleted is returned to a pending task that was force-deleted.
	ErrTaskDeleted = errors.New("task deleted")
	// ErrDeletionPending is the single-shot wakeup delivered to a
	// deletion-safe task that somebody tried to delete.
	ErrDeletionPending = errors.New("deletion pending")

	ErrNameExists   = fmt.Errorf("%w: name exists", ErrCreationFailed)
	ErrNameNotFound = fmt.Errorf("%w: name not found", ErrCreationFailed)
)

// Error carries the operation and the object that failed.
type Error struct {
	Op   string
	Kind string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %s %q: %v", e.Kind, e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err for the given object kind and operation. A nil err yields nil.
func New(kind, op, name string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) && already.Kind == kind && already.Op == op {
		return err
	}
	return &Error{Op: op, Kind: kind, Name: name, Err: err}
}

// IsExpected reports whether err is a normal outcome of a bounded wait.
func IsExpected(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrWouldBlock)
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
