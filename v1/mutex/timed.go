package mutex

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// TimedMutex adds duration- and deadline-bounded locking to Mutex.
type TimedMutex struct {
	*Mutex
}

// NewTimed creates a non-recursive mutex with timed lock forms.
func NewTimed(k *kernel.Kernel) (*TimedMutex, error) {
	return NewWithOptions(k, Defaults)
}

// NewRecursiveTimed creates a recursive mutex with timed lock forms.
func NewRecursiveTimed(k *kernel.Kernel) (*TimedMutex, error) {
	return NewWithOptions(k, RecursiveDefaults)
}

// NewWithOptions creates an unnamed mutex with explicit options.
func NewWithOptions(k *kernel.Kernel, opts Options) (*TimedMutex, error) {
	m, err := create(k, opts)
	if err != nil {
		return nil, err
	}
	return &TimedMutex{Mutex: m}, nil
}

// Open resolves a named mutex in the kernel namespace. opts only apply when
// the call creates the mutex.
func Open(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, opts Options) (*TimedMutex, error) {
	m, err := open(ctx, k, name, mode, opts)
	if err != nil {
		return nil, err
	}
	return &TimedMutex{Mutex: m}, nil
}

// TryLockFor pends for at most d. It reports false on timeout.
func (m *TimedMutex) TryLockFor(t *task.Task, d time.Duration) (bool, error) {
	return boolResult(m.take(t, tick.FromDuration(d, m.c.k.Clock().Rate()), "try lock for"))
}

// TryLockUntil pends until deadline at the latest. A past deadline does not
// block.
func (m *TimedMutex) TryLockUntil(t *task.Task, deadline time.Time) (bool, error) {
	return boolResult(m.take(t, tick.FromDeadline(m.c.k.Clock(), deadline), "try lock until"))
}
