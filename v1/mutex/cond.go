package mutex

import (
	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// The methods below let a condition variable release and reacquire the
// mutex around a wait without losing the owner's recursion depth.

// Suspend releases every level of ownership t holds and returns the depth
// to restore.
func (m *Mutex) Suspend(t *task.Task) (int, error) {
	c := m.c
	if m.Closed() {
		return 0, m.Err("suspend", rterrors.ErrDeleted)
	}
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return 0, m.Err("suspend", rterrors.ErrDeleted)
	}
	if t == nil || c.owner != t {
		c.mu.Unlock()
		return 0, m.Err("suspend", rterrors.ErrNotOwner)
	}
	depth := c.depth
	after := c.releaseOwner()
	c.handoff()
	c.mu.Unlock()
	after()
	return depth, nil
}

// Resume pends, without interruption, until t owns the mutex again and
// restores depth. ErrInconsistent is reported with ownership granted.
func (m *Mutex) Resume(t *task.Task, depth int) error {
	err := m.takeWith(t, tick.WaitForever, "resume", 0)
	if err != nil && !rterrors.Is(err, rterrors.ErrInconsistent) {
		return err
	}
	m.restore(t, depth)
	return err
}

// HandOff grants the mutex to t at depth if nobody owns it. It reports
// whether t now owns the mutex.
func (m *Mutex) HandOff(t *task.Task, depth int) bool {
	c := m.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted || c.owner != nil || t == nil || t.Deleted() {
		return false
	}
	return c.grant(t, depth)
}

func (m *Mutex) restore(t *task.Task, depth int) {
	if depth < 1 {
		depth = 1
	}
	m.c.mu.Lock()
	if m.c.owner == t {
		m.c.depth = depth
	}
	m.c.mu.Unlock()
}
