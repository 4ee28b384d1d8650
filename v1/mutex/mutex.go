package mutex

import (
	"context"
	"sync"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// core is the kernel object shared by every wrapper of one mutex.
type core struct {
	k    *kernel.Kernel
	opts Options
	name string

	mu           sync.Mutex
	q            *kernel.WaitQueue
	owner        *task.Task
	depth        int
	inconsistent bool
	deleted      bool
}

func newCore(k *kernel.Kernel, name string, opts Options) *core {
	k.Track(object.KindMutex, 1)
	return &core{k: k, opts: opts, name: name, q: kernel.NewWaitQueue(object.KindMutex, opts.discipline())}
}

// Destroy implements object.Shared. Pended tasks are released with
// ErrDeleted.
func (c *core) Destroy() {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return
	}
	c.deleted = true
	after := c.releaseOwner()
	c.owner = nil
	c.depth = 0
	c.q.WakeAll(rterrors.ErrDeleted)
	c.mu.Unlock()
	after()
	c.k.Track(object.KindMutex, -1)
}

// grant makes t the owner. It reports false, leaving the mutex free, when
// the mutex is robust and t is already being deleted. c.mu must be held.
func (c *core) grant(t *task.Task, depth int) bool {
	if c.opts&Robust != 0 && !t.OnDelete(c, func() { c.ownerDied(t) }) {
		return false
	}
	c.owner = t
	c.depth = depth
	if c.opts&DeleteSafe != 0 {
		t.Safe()
	}
	c.inherit()
	return true
}

// inherit asks the host to run the owner at the priority of the most
// urgent waiter. c.mu must be held.
func (c *core) inherit() {
	if c.opts&InversionSafe == 0 || c.owner == nil {
		return
	}
	if p, ok := c.q.HighestPriority(); ok {
		c.owner.Inherit(c, p)
	} else {
		c.owner.Disinherit(c)
	}
}

// releaseOwner undoes what grant set up for the current owner. The returned
// func must run after c.mu is released: dropping deletion safety may delete
// the task, which runs hooks that take mutex locks.
func (c *core) releaseOwner() func() {
	prev := c.owner
	if prev == nil {
		return func() {}
	}
	if c.opts&InversionSafe != 0 {
		prev.Disinherit(c)
	}
	if c.opts&Robust != 0 {
		prev.CancelOnDelete(c)
	}
	if c.opts&DeleteSafe != 0 {
		return prev.Unsafe
	}
	return func() {}
}

// handoff passes ownership to the next live waiter or frees the mutex.
// c.mu must be held.
func (c *core) handoff() {
	c.owner = nil
	c.depth = 0
	for {
		w := c.q.Next()
		if w == nil {
			return
		}
		if w.Task.Deleted() {
			c.q.Wake(w, rterrors.ErrTaskDeleted)
			continue
		}
		if !c.grant(w.Task, 1) {
			c.q.Wake(w, rterrors.ErrTaskDeleted)
			continue
		}
		c.q.Wake(w, nil)
		return
	}
}

func (c *core) ownerDied(t *task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != t || c.deleted {
		return
	}
	c.inconsistent = true
	if c.opts&InversionSafe != 0 {
		t.Disinherit(c)
	}
	c.handoff()
}

// Mutex is a mutual-exclusion semaphore. Its behaviour is fixed by the
// Options it was created with; the constructors below select the usual
// combinations.
type Mutex struct {
	*object.Object
	c *core
}

// New creates a non-recursive, priority-queued, inversion-safe mutex.
func New(k *kernel.Kernel) (*Mutex, error) {
	return create(k, Defaults)
}

// NewRecursive creates a mutex its owner may lock repeatedly.
func NewRecursive(k *kernel.Kernel) (*Mutex, error) {
	return create(k, RecursiveDefaults)
}

func create(k *kernel.Kernel, opts Options) (*Mutex, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindMutex), "create", "", rterrors.ErrCreationFailed)
	}
	if err := opts.validate(); err != nil {
		return nil, rterrors.New(string(object.KindMutex), "create", "", err)
	}
	c := newCore(k, "", opts)
	return &Mutex{Object: object.NewUnnamed(object.KindMutex, c), c: c}, nil
}

func open(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, opts Options) (*Mutex, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindMutex), "open", name, rterrors.ErrCreationFailed)
	}
	if err := opts.validate(); err != nil {
		return nil, rterrors.New(string(object.KindMutex), "open", name, err)
	}
	obj, err := object.OpenNamed(ctx, k.Namespace(), object.KindMutex, name, mode, func() (object.Shared, error) {
		return newCore(k, name, opts), nil
	})
	if err != nil {
		return nil, err
	}
	return &Mutex{Object: obj, c: obj.Shared().(*core)}, nil
}

// Options returns the options the mutex was created with.
func (m *Mutex) Options() Options { return m.c.opts }

// Close closes a named mutex or deletes an unnamed one.
func (m *Mutex) Close() error {
	return m.Release(context.Background())
}

// Lock pends until t owns the mutex. On a robust mutex left inconsistent by
// a deleted owner it returns ErrInconsistent with ownership granted.
func (m *Mutex) Lock(t *task.Task) error {
	return m.take(t, tick.WaitForever, "lock")
}

// TryLock takes the mutex if it is available now. A robust mutex left
// inconsistent reports true together with ErrInconsistent.
func (m *Mutex) TryLock(t *task.Task) (bool, error) {
	return boolResult(m.take(t, tick.NoWait, "try lock"))
}

// Take pends for at most timeout ticks and reports the raw status.
func (m *Mutex) Take(t *task.Task, timeout tick.Ticks) error {
	return m.take(t, timeout, "take")
}

// Unlock releases one level of ownership held by t.
func (m *Mutex) Unlock(t *task.Task) error {
	return m.give(t, "unlock")
}

// Give is Unlock under its status-returning name.
func (m *Mutex) Give(t *task.Task) error {
	return m.give(t, "give")
}

// MakeConsistent clears the inconsistent state of a robust mutex. Only the
// current owner may call it.
func (m *Mutex) MakeConsistent(t *task.Task) error {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case m.Closed() || c.deleted:
		return m.Err("make consistent", rterrors.ErrDeleted)
	case c.opts&Robust == 0:
		return m.Err("make consistent", rterrors.ErrInvalidArgument)
	case c.owner != t:
		return m.Err("make consistent", rterrors.ErrNotOwner)
	}
	c.inconsistent = false
	return nil
}

// Owner returns the owning task, or nil.
func (m *Mutex) Owner() *task.Task {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.c.owner
}

// Depth returns the owner's recursion depth.
func (m *Mutex) Depth() int {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.c.depth
}

// Inconsistent reports whether a robust mutex awaits MakeConsistent.
func (m *Mutex) Inconsistent() bool {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.c.inconsistent
}

// Waiters returns the number of pended tasks.
func (m *Mutex) Waiters() int {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.c.q.Len()
}

func (m *Mutex) take(t *task.Task, timeout tick.Ticks, op string) error {
	return m.takeWith(t, timeout, op, m.c.opts.pendFlags())
}

func (m *Mutex) takeWith(t *task.Task, timeout tick.Ticks, op string, flags kernel.PendFlags) error {
	c := m.c
	d := c.k.Begin(object.KindMutex, op, m.Name())
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
	if c.owner == nil {
		if !c.grant(t, 1) {
			return d.End(m.Err(op, rterrors.ErrTaskDeleted))
		}
		return d.End(m.consistency(op))
	}
	if c.owner == t && c.opts.recursive() {
		c.depth++
		return d.End(nil)
	}
	if timeout == tick.NoWait {
		return d.End(m.Err(op, rterrors.ErrWouldBlock))
	}
	// A non-recursive owner relocking lands here too and pends on itself.
	w := c.q.Enqueue(t, 0)
	c.inherit()
	if err := c.k.Pend(&c.mu, c.q, w, timeout, flags); err != nil {
		c.inherit()
		return d.End(m.Err(op, err))
	}
	return d.End(m.consistency(op))
}

func (m *Mutex) consistency(op string) error {
	if m.c.inconsistent {
		return m.Err(op, rterrors.ErrInconsistent)
	}
	return nil
}

func (m *Mutex) give(t *task.Task, op string) error {
	c := m.c
	d := c.k.Begin(object.KindMutex, op, m.Name())
	if m.Closed() {
		return d.End(m.Err(op, rterrors.ErrDeleted))
	}
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return d.End(m.Err(op, rterrors.ErrDeleted))
	}
	if t == nil || c.owner != t || c.depth < 1 {
		c.mu.Unlock()
		return d.End(m.Err(op, rterrors.ErrNotOwner))
	}
	c.depth--
	if c.depth > 0 {
		c.mu.Unlock()
		return d.End(nil)
	}
	after := c.releaseOwner()
	c.handoff()
	c.mu.Unlock()
	after()
	return d.End(nil)
}

func boolResult(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case rterrors.Is(err, rterrors.ErrInconsistent):
		return true, err
	case rterrors.IsExpected(err):
		return false, nil
	default:
		return false, err
	}
}
