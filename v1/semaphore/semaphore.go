// Package semaphore provides counting and binary semaphores.
//
// A give with pended takers hands the unit straight to the first of them,
// so the count only grows when nobody is waiting. Gives never block and
// need no task, which makes them usable from watchdog handlers.
package semaphore

import (
	"context"
	"math"
	"sync"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Options configure a semaphore at creation.
type Options uint32

const (
	// QFIFO releases takers in arrival order.
	QFIFO Options = 0
	// QPriority releases the most urgent taker first.
	QPriority Options = 1 << iota
	// Interruptible lets signals end a pended take with ErrInterrupted.
	Interruptible
	// DeletionWakeup lets a deletion request end a pended take with
	// ErrDeletionPending.
	DeletionWakeup
)

// State is the initial state of a binary semaphore.
type State int

const (
	Empty State = iota
	Full
)

// MaxCount is the ceiling of a counting semaphore.
const MaxCount = math.MaxInt32

func (o Options) discipline() kernel.Discipline {
	if o&QPriority != 0 {
		return kernel.Priority
	}
	return kernel.FIFO
}

func (o Options) pendFlags() kernel.PendFlags {
	var f kernel.PendFlags
	if o&Interruptible != 0 {
		f |= kernel.Interruptible
	}
	if o&DeletionWakeup != 0 {
		f |= kernel.DeletionWakeup
	}
	return f
}

type core struct {
	k      *kernel.Kernel
	opts   Options
	binary bool
	max    int

	mu      sync.Mutex
	q       *kernel.WaitQueue
	count   int
	deleted bool
}

func newCore(k *kernel.Kernel, binary bool, initial int, opts Options) *core {
	max := MaxCount
	if binary {
		max = 1
	}
	k.Track(object.KindSemaphore, 1)
	return &core{
		k:      k,
		opts:   opts,
		binary: binary,
		max:    max,
		count:  initial,
		q:      kernel.NewWaitQueue(object.KindSemaphore, opts.discipline()),
	}
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
	c.mu.Unlock()
	c.k.Track(object.KindSemaphore, -1)
}

// Semaphore is a counting or binary semaphore.
type Semaphore struct {
	*object.Object
	c *core
}

// NewCounting creates an unnamed counting semaphore holding initial units.
func NewCounting(k *kernel.Kernel, initial int, opts Options) (*Semaphore, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindSemaphore), "create", "", rterrors.ErrCreationFailed)
	}
	if initial < 0 || initial > MaxCount {
		return nil, rterrors.New(string(object.KindSemaphore), "create", "", rterrors.ErrInvalidArgument)
	}
	c := newCore(k, false, initial, opts)
	return &Semaphore{Object: object.NewUnnamed(object.KindSemaphore, c), c: c}, nil
}

// NewBinary creates an unnamed binary semaphore.
func NewBinary(k *kernel.Kernel, state State, opts Options) (*Semaphore, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindSemaphore), "create", "", rterrors.ErrCreationFailed)
	}
	initial, err := state.count()
	if err != nil {
		return nil, rterrors.New(string(object.KindSemaphore), "create", "", err)
	}
	c := newCore(k, true, initial, opts)
	return &Semaphore{Object: object.NewUnnamed(object.KindSemaphore, c), c: c}, nil
}

func (s State) count() (int, error) {
	switch s {
	case Empty:
		return 0, nil
	case Full:
		return 1, nil
	}
	return 0, rterrors.ErrInvalidArgument
}

// OpenCounting resolves a named counting semaphore. initial and opts only
// apply when the call creates it.
func OpenCounting(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, initial int, opts Options) (*Semaphore, error) {
	if initial < 0 || initial > MaxCount {
		return nil, rterrors.New(string(object.KindSemaphore), "open", name, rterrors.ErrInvalidArgument)
	}
	return open(ctx, k, name, mode, false, initial, opts)
}

// OpenBinary resolves a named binary semaphore.
func OpenBinary(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, state State, opts Options) (*Semaphore, error) {
	initial, err := state.count()
	if err != nil {
		return nil, rterrors.New(string(object.KindSemaphore), "open", name, err)
	}
	return open(ctx, k, name, mode, true, initial, opts)
}

func open(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, binary bool, initial int, opts Options) (*Semaphore, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindSemaphore), "open", name, rterrors.ErrCreationFailed)
	}
	obj, err := object.OpenNamed(ctx, k.Namespace(), object.KindSemaphore, name, mode, func() (object.Shared, error) {
		return newCore(k, binary, initial, opts), nil
	})
	if err != nil {
		return nil, err
	}
	c := obj.Shared().(*core)
	if c.binary != binary {
		_ = obj.Release(ctx)
		return nil, rterrors.New(string(object.KindSemaphore), "open", name, rterrors.ErrCreationFailed)
	}
	return &Semaphore{Object: obj, c: c}, nil
}

// Close closes a named semaphore or deletes an unnamed one.
func (s *Semaphore) Close() error {
	return s.Object.Release(context.Background())
}

// Binary reports whether the semaphore is binary.
func (s *Semaphore) Binary() bool { return s.c.binary }

// Max returns the largest count the semaphore can hold.
func (s *Semaphore) Max() int { return s.c.max }

// Count returns the number of available units.
func (s *Semaphore) Count() int {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.count
}

// Waiters returns the number of pended takers.
func (s *Semaphore) Waiters() int {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.q.Len()
}

// Acquire pends until a unit is available and takes it.
func (s *Semaphore) Acquire(t *task.Task) error {
	return s.take(t, tick.WaitForever, "acquire")
}

// TryAcquire takes a unit if one is available now. It needs no task.
func (s *Semaphore) TryAcquire(t *task.Task) (bool, error) {
	err := s.take(t, tick.NoWait, "try acquire")
	switch {
	case err == nil:
		return true, nil
	case rterrors.IsExpected(err):
		return false, nil
	}
	return false, err
}

// Take pends for at most timeout ticks.
func (s *Semaphore) Take(t *task.Task, timeout tick.Ticks) error {
	return s.take(t, timeout, "take")
}

// TakeFor pends for at most d.
func (s *Semaphore) TakeFor(t *task.Task, d time.Duration) error {
	return s.take(t, tick.FromDuration(d, s.c.k.Clock().Rate()), "take for")
}

// TakeUntil pends until deadline at the latest.
func (s *Semaphore) TakeUntil(t *task.Task, deadline time.Time) error {
	return s.take(t, tick.FromDeadline(s.c.k.Clock(), deadline), "take until")
}

func (s *Semaphore) take(t *task.Task, timeout tick.Ticks, op string) error {
	c := s.c
	d := c.k.Begin(object.KindSemaphore, op, s.Name())
	if s.Closed() {
		return d.End(s.Err(op, rterrors.ErrDeleted))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return d.End(s.Err(op, rterrors.ErrDeleted))
	}
	if c.count > 0 {
		c.count--
		return d.End(nil)
	}
	if timeout == tick.NoWait {
		return d.End(s.Err(op, rterrors.ErrWouldBlock))
	}
	if t == nil {
		return d.End(s.Err(op, rterrors.ErrInvalidArgument))
	}
	w := c.q.Enqueue(t, 0)
	return d.End(s.Err(op, c.k.Pend(&c.mu, c.q, w, timeout, c.opts.pendFlags())))
}

// Release gives one unit.
func (s *Semaphore) Release() error {
	return s.give(1, "release")
}

// ReleaseN gives n units, one at a time. A failure stops the sequence; the
// units given before it stay given.
func (s *Semaphore) ReleaseN(n int) error {
	if n < 1 {
		return s.Err("release", rterrors.ErrInvalidArgument)
	}
	return s.give(n, "release")
}

// Give gives one unit and reports the status.
func (s *Semaphore) Give() error {
	return s.give(1, "give")
}

func (s *Semaphore) give(n int, op string) error {
	c := s.c
	d := c.k.Begin(object.KindSemaphore, op, s.Name())
	if s.Closed() {
		return d.End(s.Err(op, rterrors.ErrDeleted))
	}
	for i := 0; i < n; i++ {
		if err := c.giveOne(); err != nil {
			return d.End(s.Err(op, err))
		}
	}
	return d.End(nil)
}

func (c *core) giveOne() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return rterrors.ErrDeleted
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
		c.q.Wake(w, nil)
		return nil
	}
	if c.count >= c.max {
		if c.binary {
			return nil
		}
		return rterrors.ErrInvalidArgument
	}
	c.count++
	return nil
}

// Flush releases every pended taker without changing the count. Each
// released take reports success.
func (s *Semaphore) Flush() error {
	c := s.c
	d := c.k.Begin(object.KindSemaphore, "flush", s.Name())
	if s.Closed() {
		return d.End(s.Err("flush", rterrors.ErrDeleted))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return d.End(s.Err("flush", rterrors.ErrDeleted))
	}
	c.q.WakeAll(nil)
	return d.End(nil)
}
