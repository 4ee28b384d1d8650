// Package condvar provides condition variables bound, per wait, to a mutex
// held by the caller.
//
// Releasing the mutex and queueing on the condition happen under the
// condition's lock, and notifiers take the same lock, so a notify can never
// fall between the two. A notify with no waiters is not remembered.
package condvar

import (
	"context"
	"sync"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/mutex"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Options configure a condition variable at creation.
type Options uint32

const (
	// QFIFO wakes waiters in arrival order.
	QFIFO Options = 0
	// QPriority wakes the most urgent waiter first.
	QPriority Options = 1 << iota
	// Interruptible lets signals end a wait with ErrInterrupted.
	Interruptible
)

// handedOff marks a waiter that was given the mutex by the notifier.
type handedOff struct{}

type core struct {
	k    *kernel.Kernel
	opts Options

	mu      sync.Mutex
	q       *kernel.WaitQueue
	bound   *mutex.Mutex
	deleted bool
}

// Destroy implements object.Shared.
func (c *core) Destroy() {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return
	}
	c.deleted = true
	c.q.WakeAll(rterrors.ErrDeleted)
	c.bound = nil
	c.mu.Unlock()
	c.k.Track(object.KindCondVar, -1)
}

func newCore(k *kernel.Kernel, opts Options) *core {
	d := kernel.FIFO
	if opts&QPriority != 0 {
		d = kernel.Priority
	}
	k.Track(object.KindCondVar, 1)
	return &core{k: k, opts: opts, q: kernel.NewWaitQueue(object.KindCondVar, d)}
}

// Cond is a condition variable.
type Cond struct {
	*object.Object
	c *core
}

// New creates an unnamed condition variable.
func New(k *kernel.Kernel, opts Options) (*Cond, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindCondVar), "create", "", rterrors.ErrCreationFailed)
	}
	c := newCore(k, opts)
	return &Cond{Object: object.NewUnnamed(object.KindCondVar, c), c: c}, nil
}

// Open resolves a named condition variable.
func Open(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, opts Options) (*Cond, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindCondVar), "open", name, rterrors.ErrCreationFailed)
	}
	obj, err := object.OpenNamed(ctx, k.Namespace(), object.KindCondVar, name, mode, func() (object.Shared, error) {
		return newCore(k, opts), nil
	})
	if err != nil {
		return nil, err
	}
	return &Cond{Object: obj, c: obj.Shared().(*core)}, nil
}

// Close closes a named condition variable or deletes an unnamed one.
// Waiters are released with ErrDeleted after reacquiring their mutex.
func (cv *Cond) Close() error {
	return cv.Release(context.Background())
}

// Waiters returns the number of waiting tasks.
func (cv *Cond) Waiters() int {
	cv.c.mu.Lock()
	defer cv.c.mu.Unlock()
	return cv.c.q.Len()
}

// Wait releases m, which t must own, pends until notified and reacquires m
// before returning.
func (cv *Cond) Wait(t *task.Task, m *mutex.Mutex) error {
	return cv.wait(t, m, tick.WaitForever, "wait")
}

// WaitFor is Wait bounded by d. On timeout it returns ErrTimeout with m
// reacquired; the caller must recheck its predicate either way.
func (cv *Cond) WaitFor(t *task.Task, m *mutex.Mutex, d time.Duration) error {
	return cv.wait(t, m, tick.FromDuration(d, cv.c.k.Clock().Rate()), "wait for")
}

// WaitTicks is Wait bounded by timeout ticks.
func (cv *Cond) WaitTicks(t *task.Task, m *mutex.Mutex, timeout tick.Ticks) error {
	return cv.wait(t, m, timeout, "wait ticks")
}

func (cv *Cond) wait(t *task.Task, m *mutex.Mutex, timeout tick.Ticks, op string) error {
	c := cv.c
	d := c.k.Begin(object.KindCondVar, op, cv.Name())
	if t == nil || m == nil {
		return d.End(cv.Err(op, rterrors.ErrInvalidArgument))
	}
	if cv.Closed() {
		return d.End(cv.Err(op, rterrors.ErrDeleted))
	}

	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return d.End(cv.Err(op, rterrors.ErrDeleted))
	}
	if c.bound != nil && c.bound.Handle() != m.Handle() {
		c.mu.Unlock()
		return d.End(cv.Err(op, rterrors.ErrInvalidArgument))
	}
	depth, err := m.Suspend(t)
	if err != nil {
		c.mu.Unlock()
		return d.End(cv.Err(op, err))
	}
	c.bound = m
	w := c.q.Enqueue(t, depth)
	var flags kernel.PendFlags
	if c.opts&Interruptible != 0 {
		flags = kernel.Interruptible
	}
	if timeout == tick.NoWait {
		// Still a timed wait: the mutex was released and is taken back.
		c.q.Remove(w)
		err = rterrors.ErrTimeout
	} else {
		err = c.k.Pend(&c.mu, c.q, w, timeout, flags)
	}
	_, handed := w.Value.(handedOff)
	if c.q.Len() == 0 {
		c.bound = nil
	}
	c.mu.Unlock()

	// A deleted task does not take the mutex back.
	if !handed && !t.Deleted() {
		if rerr := m.Resume(t, depth); rerr != nil && (err == nil || !rterrors.Is(rerr, rterrors.ErrInconsistent)) {
			err = rerr
		}
	}
	return d.End(cv.Err(op, err))
}

// NotifyOne wakes the first waiter. If the mutex is free it is handed to
// the waiter directly.
func (cv *Cond) NotifyOne() error {
	return cv.notify(false, "notify one")
}

// NotifyAll wakes every waiter.
func (cv *Cond) NotifyAll() error {
	return cv.notify(true, "notify all")
}

func (cv *Cond) notify(all bool, op string) error {
	c := cv.c
	d := c.k.Begin(object.KindCondVar, op, cv.Name())
	if cv.Closed() {
		return d.End(cv.Err(op, rterrors.ErrDeleted))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return d.End(cv.Err(op, rterrors.ErrDeleted))
	}
	for {
		w := c.q.Next()
		if w == nil {
			break
		}
		if w.Task.Deleted() {
			c.q.Wake(w, rterrors.ErrTaskDeleted)
			continue
		}
		if c.bound != nil && c.bound.HandOff(w.Task, w.Tag) {
			w.Value = handedOff{}
		}
		c.q.Wake(w, nil)
		if !all {
			break
		}
	}
	return d.End(nil)
}
