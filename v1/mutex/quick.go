package mutex

import (
	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// quickable reports whether the low-overhead path may be used: it keeps no
// recursion, death or deletion-safety bookkeeping.
func (o Options) quickable() bool {
	return o&NoRecurse != 0 && o&(Robust|DeleteSafe) == 0
}

// LockQuickly takes a non-recursive, non-robust mutex without handle
// validation, ownership bookkeeping or diagnostics. It is meant for short,
// uncontended critical sections and must be paired with GiveQuickly. The
// owner calling it again deadlocks.
//
// It fails with ErrDeleted once the mutex is closed and with ErrTaskDeleted
// when t is deleted while pended. On error t does not own the mutex and must
// not call GiveQuickly.
//
// Calling it on a recursive, robust or delete-safe mutex is a precondition
// violation and panics.
func (m *Mutex) LockQuickly(t *task.Task) error {
	c := m.c
	if !c.opts.quickable() {
		panic(m.Err("lock quickly", rterrors.ErrInvalidArgument))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return m.Err("lock quickly", rterrors.ErrDeleted)
	}
	if c.owner == nil {
		c.owner = t
		c.depth = 1
		return nil
	}
	w := c.q.Enqueue(t, 0)
	c.inherit()
	if err := c.k.Pend(&c.mu, c.q, w, tick.WaitForever, kernel.Untraced); err != nil {
		c.inherit()
		return m.Err("lock quickly", err)
	}
	return nil
}

// GiveQuickly releases a mutex taken with LockQuickly. The caller is not
// checked against the owner.
func (m *Mutex) GiveQuickly(t *task.Task) {
	c := m.c
	if !c.opts.quickable() {
		panic(m.Err("give quickly", rterrors.ErrInvalidArgument))
	}
	c.mu.Lock()
	if c.owner != nil && c.opts&InversionSafe != 0 {
		c.owner.Disinherit(c)
	}
	c.handoff()
	c.mu.Unlock()
}
