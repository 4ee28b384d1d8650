// Package sharedmutex provides a reader/writer lock with a bounded number of
// concurrent readers.
package sharedmutex

import (
	"context"
	"sync"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Options configure a shared mutex at creation.
type Options uint32

const (
	// QFIFO releases waiters in arrival order.
	QFIFO Options = 0
	// QPriority releases the most urgent waiter first.
	QPriority Options = 1 << iota
	// InversionSafe makes the holders inherit the priority of the most
	// urgent waiter. Requires QPriority.
	InversionSafe
	// Interruptible lets signals end a pended lock with ErrInterrupted.
	Interruptible
	// DeletionWakeup lets a deletion request end a pended lock with
	// ErrDeletionPending.
	DeletionWakeup
	// WriterPreference makes new readers queue behind pended writers.
	WriterPreference
)

// Defaults are the options of New.
const Defaults = QPriority | InversionSafe

const (
	tagWriter = iota
	tagReader
)

func (o Options) validate() error {
	if o&InversionSafe != 0 && o&QPriority == 0 {
		return rterrors.ErrInvalidArgument
	}
	return nil
}

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
	k          *kernel.Kernel
	opts       Options
	maxReaders int

	mu       sync.Mutex
	q        *kernel.WaitQueue
	writer   *task.Task
	readers  map[*task.Task]int
	nreaders int
	deleted  bool
}

func newCore(k *kernel.Kernel, opts Options, maxReaders int) *core {
	k.Track(object.KindSharedMutex, 1)
	return &core{
		k:          k,
		opts:       opts,
		maxReaders: maxReaders,
		q:          kernel.NewWaitQueue(object.KindSharedMutex, opts.discipline()),
		readers:    make(map[*task.Task]int),
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
	c.disinheritAll()
	c.writer = nil
	c.readers = make(map[*task.Task]int)
	c.nreaders = 0
	c.q.WakeAll(rterrors.ErrDeleted)
	c.mu.Unlock()
	c.k.Track(object.KindSharedMutex, -1)
}

func (c *core) writerWaiting() bool {
	return c.q.NextMatching(func(w *kernel.Waiter) bool { return w.Tag == tagWriter }) != nil
}

func (c *core) canWrite() bool { return c.writer == nil && c.nreaders == 0 }

func (c *core) canRead() bool { return c.writer == nil && c.nreaders < c.maxReaders }

func (c *core) grantReader(t *task.Task) {
	c.readers[t]++
	c.nreaders++
}

// grantWaiters releases queued waiters in queue order for as long as the
// head of the queue can be satisfied. Without WriterPreference a writer that
// cannot be granted is passed over, so queued readers get the room a new
// reader would. c.mu must be held.
func (c *core) grantWaiters() {
	readersOnly := false
	match := func(w *kernel.Waiter) bool { return !readersOnly || w.Tag == tagReader }
	for {
		w := c.q.NextMatching(match)
		if w == nil {
			break
		}
		if w.Task.Deleted() {
			c.q.Wake(w, rterrors.ErrTaskDeleted)
			continue
		}
		if w.Tag == tagWriter {
			if !c.canWrite() {
				if c.opts&WriterPreference != 0 {
					break
				}
				readersOnly = true
				continue
			}
			c.writer = w.Task
			c.q.Wake(w, nil)
			break
		}
		if !c.canRead() {
			break
		}
		c.grantReader(w.Task)
		c.q.Wake(w, nil)
	}
	c.inherit()
}

// inherit passes the most urgent waiter priority to every holder. c.mu must
// be held.
func (c *core) inherit() {
	if c.opts&InversionSafe == 0 {
		return
	}
	p, ok := c.q.HighestPriority()
	apply := func(t *task.Task) {
		if ok {
			t.Inherit(c, p)
		} else {
			t.Disinherit(c)
		}
	}
	if c.writer != nil {
		apply(c.writer)
	}
	for t := range c.readers {
		apply(t)
	}
}

func (c *core) disinheritAll() {
	if c.opts&InversionSafe == 0 {
		return
	}
	if c.writer != nil {
		c.writer.Disinherit(c)
	}
	for t := range c.readers {
		t.Disinherit(c)
	}
}

// SharedMutex is a reader/writer lock. Readers do not block each other;
// a writer excludes everybody. Once maxReaders readers hold the lock, the
// next reader pends as if a writer held it.
type SharedMutex struct {
	*object.Object
	c *core
}

// New creates an unnamed shared mutex with Defaults and the default reader
// ceiling.
func New(k *kernel.Kernel) (*SharedMutex, error) {
	return create(k, Defaults, 0)
}

// NewWithOptions creates an unnamed shared mutex. A maxReaders of zero
// selects kernel.DefaultMaxReaders, clamped to the kernel ceiling.
func NewWithOptions(k *kernel.Kernel, opts Options, maxReaders int) (*SharedMutex, error) {
	return create(k, opts, maxReaders)
}

func readerCeiling(k *kernel.Kernel, n int) (int, error) {
	switch {
	case n == 0:
		return min(kernel.DefaultMaxReaders, k.MaxReaders()), nil
	case n < 0 || n > k.MaxReaders():
		return 0, rterrors.ErrInvalidArgument
	}
	return n, nil
}

func create(k *kernel.Kernel, opts Options, maxReaders int) (*SharedMutex, error) {
	const kind = string(object.KindSharedMutex)
	if k == nil {
		return nil, rterrors.New(kind, "create", "", rterrors.ErrCreationFailed)
	}
	if err := opts.validate(); err != nil {
		return nil, rterrors.New(kind, "create", "", err)
	}
	n, err := readerCeiling(k, maxReaders)
	if err != nil {
		return nil, rterrors.New(kind, "create", "", err)
	}
	c := newCore(k, opts, n)
	return &SharedMutex{Object: object.NewUnnamed(object.KindSharedMutex, c), c: c}, nil
}

func open(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, opts Options, maxReaders int) (*SharedMutex, error) {
	const kind = string(object.KindSharedMutex)
	if k == nil {
		return nil, rterrors.New(kind, "open", name, rterrors.ErrCreationFailed)
	}
	if err := opts.validate(); err != nil {
		return nil, rterrors.New(kind, "open", name, err)
	}
	n, err := readerCeiling(k, maxReaders)
	if err != nil {
		return nil, rterrors.New(kind, "open", name, err)
	}
	obj, err := object.OpenNamed(ctx, k.Namespace(), object.KindSharedMutex, name, mode, func() (object.Shared, error) {
		return newCore(k, opts, n), nil
	})
	if err != nil {
		return nil, err
	}
	return &SharedMutex{Object: obj, c: obj.Shared().(*core)}, nil
}

// Close closes a named shared mutex or deletes an unnamed one.
func (m *SharedMutex) Close() error {
	return m.Release(context.Background())
}

// MaxReaders returns the reader ceiling.
func (m *SharedMutex) MaxReaders() int { return m.c.maxReaders }

// Readers returns the number of shared holds.
func (m *SharedMutex) Readers() int {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.c.nreaders
}

// Writer returns the exclusive holder, or nil.
func (m *SharedMutex) Writer() *task.Task {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.c.writer
}

// Waiters returns the number of pended tasks.
func (m *SharedMutex) Waiters() int {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.c.q.Len()
}

// Lock pends until t holds the lock exclusively.
func (m *SharedMutex) Lock(t *task.Task) error {
	return m.take(t, tagWriter, tick.WaitForever, "lock")
}

// TryLock takes exclusive access if nobody holds the lock.
func (m *SharedMutex) TryLock(t *task.Task) (bool, error) {
	return boolResult(m.take(t, tagWriter, tick.NoWait, "try lock"))
}

// Take pends for exclusive access for at most timeout ticks.
func (m *SharedMutex) Take(t *task.Task, timeout tick.Ticks) error {
	return m.take(t, tagWriter, timeout, "take")
}

// LockShared pends until t holds the lock shared.
func (m *SharedMutex) LockShared(t *task.Task) error {
	return m.take(t, tagReader, tick.WaitForever, "lock shared")
}

// TryLockShared takes shared access if no writer holds the lock and the
// reader ceiling is not reached.
func (m *SharedMutex) TryLockShared(t *task.Task) (bool, error) {
	return boolResult(m.take(t, tagReader, tick.NoWait, "try lock shared"))
}

// TakeShared pends for shared access for at most timeout ticks.
func (m *SharedMutex) TakeShared(t *task.Task, timeout tick.Ticks) error {
	return m.take(t, tagReader, timeout, "take shared")
}

func (m *SharedMutex) take(t *task.Task, tag int, timeout tick.Ticks, op string) error {
	c := m.c
	d := c.k.Begin(object.KindSharedMutex, op, m.Name())
	if t == nil {
		return d.End(m.Err(op, rterrors.ErrInvalidArgument))
	}
	if m.Closed() {
		return d.End(m.Err(op, rterrors.ErrDeleted))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return d.End(m.Err(op, rterrors.ErrDeleted))
	}
	switch {
	case tag == tagWriter && c.canWrite():
		c.writer = t
		c.inherit()
		return d.End(nil)
	case tag == tagReader && c.canRead() && !(c.opts&WriterPreference != 0 && c.writerWaiting()):
		c.grantReader(t)
		c.inherit()
		return d.End(nil)
	}
	if timeout == tick.NoWait {
		return d.End(m.Err(op, rterrors.ErrWouldBlock))
	}
	w := c.q.Enqueue(t, tag)
	c.inherit()
	err := c.k.Pend(&c.mu, c.q, w, timeout, c.opts.pendFlags())
	if err != nil {
		// A writer leaving the queue may unblock readers queued behind it.
		c.grantWaiters()
	}
	return d.End(m.Err(op, err))
}

// Unlock releases exclusive access held by t.
func (m *SharedMutex) Unlock(t *task.Task) error {
	return m.give(t, tagWriter, "unlock")
}

// UnlockShared releases one shared hold of t.
func (m *SharedMutex) UnlockShared(t *task.Task) error {
	return m.give(t, tagReader, "unlock shared")
}

func (m *SharedMutex) give(t *task.Task, tag int, op string) error {
	c := m.c
	d := c.k.Begin(object.KindSharedMutex, op, m.Name())
	if m.Closed() {
		return d.End(m.Err(op, rterrors.ErrDeleted))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return d.End(m.Err(op, rterrors.ErrDeleted))
	}
	if t == nil {
		return d.End(m.Err(op, rterrors.ErrNotOwner))
	}
	if tag == tagWriter {
		if c.writer != t {
			return d.End(m.Err(op, rterrors.ErrNotOwner))
		}
		c.writer = nil
	} else {
		n := c.readers[t]
		if n == 0 {
			return d.End(m.Err(op, rterrors.ErrNotOwner))
		}
		if n == 1 {
			delete(c.readers, t)
		} else {
			c.readers[t] = n - 1
		}
		c.nreaders--
	}
	if c.opts&InversionSafe != 0 && c.writer != t && c.readers[t] == 0 {
		t.Disinherit(c)
	}
	c.grantWaiters()
	return d.End(nil)
}

func boolResult(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case rterrors.IsExpected(err):
		return false, nil
	}
	return false, err
}

// SharedTimedMutex adds duration- and deadline-bounded forms of both lock
// kinds.
type SharedTimedMutex struct {
	*SharedMutex
}

// NewTimed creates an unnamed timed shared mutex with Defaults.
func NewTimed(k *kernel.Kernel) (*SharedTimedMutex, error) {
	return NewTimedWithOptions(k, Defaults, 0)
}

// NewTimedWithOptions creates an unnamed timed shared mutex.
func NewTimedWithOptions(k *kernel.Kernel, opts Options, maxReaders int) (*SharedTimedMutex, error) {
	m, err := create(k, opts, maxReaders)
	if err != nil {
		return nil, err
	}
	return &SharedTimedMutex{SharedMutex: m}, nil
}

// Open resolves a named shared mutex. opts and maxReaders only apply when
// the call creates it.
func Open(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, opts Options, maxReaders int) (*SharedTimedMutex, error) {
	m, err := open(ctx, k, name, mode, opts, maxReaders)
	if err != nil {
		return nil, err
	}
	return &SharedTimedMutex{SharedMutex: m}, nil
}

func (m *SharedTimedMutex) ticksFor(d time.Duration) tick.Ticks {
	return tick.FromDuration(d, m.c.k.Clock().Rate())
}

func (m *SharedTimedMutex) ticksUntil(deadline time.Time) tick.Ticks {
	return tick.FromDeadline(m.c.k.Clock(), deadline)
}

// TryLockFor pends for exclusive access for at most d.
func (m *SharedTimedMutex) TryLockFor(t *task.Task, d time.Duration) (bool, error) {
	return boolResult(m.take(t, tagWriter, m.ticksFor(d), "try lock for"))
}

// TryLockUntil pends for exclusive access until deadline.
func (m *SharedTimedMutex) TryLockUntil(t *task.Task, deadline time.Time) (bool, error) {
	return boolResult(m.take(t, tagWriter, m.ticksUntil(deadline), "try lock until"))
}

// TryLockSharedFor pends for shared access for at most d.
func (m *SharedTimedMutex) TryLockSharedFor(t *task.Task, d time.Duration) (bool, error) {
	return boolResult(m.take(t, tagReader, m.ticksFor(d), "try lock shared for"))
}

// TryLockSharedUntil pends for shared access until deadline.
func (m *SharedTimedMutex) TryLockSharedUntil(t *task.Task, deadline time.Time) (bool, error) {
	return boolResult(m.take(t, tagReader, m.ticksUntil(deadline), "try lock shared until"))
}
