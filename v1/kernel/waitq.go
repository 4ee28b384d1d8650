package kernel

import (
	"sync"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Discipline orders the tasks pended on an object.
type Discipline int

const (
	// FIFO releases waiters in arrival order.
	FIFO Discipline = iota
	// Priority releases the most urgent waiter first, arrival order breaking
	// ties. Priority is read at release time so inheritance is honoured.
	Priority
)

// PendFlags alter how a pend may end early.
type PendFlags uint8

const (
	// Interruptible lets a signal end the pend with ErrInterrupted.
	Interruptible PendFlags = 1 << iota
	// DeletionWakeup lets a deletion request against a deletion-safe task
	// end the pend with ErrDeletionPending.
	DeletionWakeup
	// Untraced keeps the pend out of the latency histogram.
	Untraced
)

// Waiter is one task pended on a WaitQueue. Tag and Value are owned by the
// primitive: they describe what the waiter wants and carry what it was
// handed on wakeup.
type Waiter struct {
	Task  *task.Task
	Tag   int
	Value any

	seq   uint64
	ready chan struct{}
	woken bool
	err   error
}

// WaitQueue holds the waiters of one object. It is not safe on its own: the
// owning primitive guards it with the same lock as the rest of its state.
type WaitQueue struct {
	kind    object.Kind
	disc    Discipline
	seq     uint64
	waiters []*Waiter
}

// NewWaitQueue returns an empty queue for an object of the given kind.
func NewWaitQueue(kind object.Kind, d Discipline) *WaitQueue {
	return &WaitQueue{kind: kind, disc: d}
}

// Discipline returns the queue's ordering.
func (q *WaitQueue) Discipline() Discipline { return q.disc }

// Len returns the number of waiters.
func (q *WaitQueue) Len() int { return len(q.waiters) }

// Enqueue appends a waiter for t.
func (q *WaitQueue) Enqueue(t *task.Task, tag int) *Waiter {
	q.seq++
	w := &Waiter{Task: t, Tag: tag, seq: q.seq, ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	return w
}

// Next returns the waiter that would be released first, or nil.
func (q *WaitQueue) Next() *Waiter {
	return q.NextMatching(nil)
}

// NextMatching returns the first waiter, in queue order, accepted by match.
// A nil match accepts every waiter.
func (q *WaitQueue) NextMatching(match func(*Waiter) bool) *Waiter {
	var best *Waiter
	bestPri := 0
	for _, w := range q.waiters {
		if match != nil && !match(w) {
			continue
		}
		if q.disc == FIFO {
			return w
		}
		p := priorityOf(w)
		if best == nil || p < bestPri {
			best, bestPri = w, p
		}
	}
	return best
}

// HighestPriority returns the most urgent waiter priority.
func (q *WaitQueue) HighestPriority() (int, bool) {
	if len(q.waiters) == 0 {
		return 0, false
	}
	best := task.LowestPriority + 1
	for _, w := range q.waiters {
		if p := priorityOf(w); p < best {
			best = p
		}
	}
	return best, true
}

// Each calls fn for every waiter in arrival order.
func (q *WaitQueue) Each(fn func(*Waiter)) {
	for _, w := range append([]*Waiter(nil), q.waiters...) {
		fn(w)
	}
}

// Wake removes w and releases it. A nil err means w was granted what it
// waited for; it wins over any timeout racing with it.
func (q *WaitQueue) Wake(w *Waiter, err error) {
	if w == nil || w.woken {
		return
	}
	q.Remove(w)
	w.woken = true
	w.err = err
	close(w.ready)
}

// WakeAll releases every waiter with err.
func (q *WaitQueue) WakeAll(err error) {
	for len(q.waiters) > 0 {
		q.Wake(q.waiters[0], err)
	}
}

// Remove drops w without waking it.
func (q *WaitQueue) Remove(w *Waiter) {
	for i, c := range q.waiters {
		if c == w {
			copy(q.waiters[i:], q.waiters[i+1:])
			q.waiters[len(q.waiters)-1] = nil
			q.waiters = q.waiters[:len(q.waiters)-1]
			return
		}
	}
}

func priorityOf(w *Waiter) int {
	if w.Task == nil {
		return task.LowestPriority
	}
	return w.Task.Priority()
}

// Pend suspends w's task until it is woken, the timeout expires, or the
// task is signalled or deleted as flags allow. mu guards q; it must be held
// on entry and is held again on return. This is the only suspension point
// of the blocking primitives.
func (k *Kernel) Pend(mu sync.Locker, q *WaitQueue, w *Waiter, timeout tick.Ticks, flags PendFlags) error {
	if timeout == tick.NoWait {
		q.Remove(w)
		return rterrors.ErrWouldBlock
	}
	if w.Task == nil {
		q.Remove(w)
		return rterrors.ErrInvalidArgument
	}
	t := w.Task
	var sig, doom <-chan struct{}
	if flags&Interruptible != 0 {
		sig = t.Signals()
	}
	if flags&DeletionWakeup != 0 {
		doom = t.Doomed()
	}

	var expired chan struct{}
	var timer *tick.Timer
	if timeout != tick.WaitForever {
		expired = make(chan struct{})
		timer = k.clock.After(timeout, func() { close(expired) })
	}
	start := time.Now()
	mu.Unlock()

	var cause error
	select {
	case <-w.ready:
	case <-expired:
		cause = rterrors.ErrTimeout
	case <-sig:
		cause = rterrors.ErrInterrupted
	case <-doom:
		cause = rterrors.ErrDeletionPending
	case <-t.Done():
		cause = rterrors.ErrTaskDeleted
	}
	if timer != nil {
		timer.Stop()
	}
	if flags&Untraced == 0 {
		k.observePend(q.kind, start)
	}

	mu.Lock()
	if w.woken {
		// The grant raced the early exit and won; keep the signal pending.
		if cause == rterrors.ErrInterrupted {
			t.Signal()
		}
		return w.err
	}
	q.Remove(w)
	return cause
}
