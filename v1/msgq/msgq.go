// Package msgq provides bounded message queues.
//
// A MsgQ carries variable-length byte records up to a fixed maximum length;
// a Queue carries typed values encoded through a Codec on top of one.
// NumMsgs and Empty are snapshots: under concurrent use they may be stale
// by the time the caller looks at them.
package msgq

import (
	"context"
	"sync"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/event"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Options configure a queue at creation.
type Options uint32

const (
	// QFIFO releases pended senders and receivers in arrival order.
	QFIFO Options = 0
	// QPriority releases the most urgent pended task first.
	QPriority Options = 1 << iota
	// Interruptible lets signals end a pended send or receive with
	// ErrInterrupted.
	Interruptible
)

// Priority places a record in the queue.
type Priority int

const (
	// PriNormal appends the record.
	PriNormal Priority = iota
	// PriUrgent puts the record ahead of every queued record.
	PriUrgent
)

func (o Options) discipline() kernel.Discipline {
	if o&QPriority != 0 {
		return kernel.Priority
	}
	return kernel.FIFO
}

func (o Options) pendFlags() kernel.PendFlags {
	if o&Interruptible != 0 {
		return kernel.Interruptible
	}
	return 0
}

type notify struct {
	target *task.Task
	bits   event.Set
	once   bool
}

type core struct {
	k         *kernel.Kernel
	opts      Options
	maxMsgs   int
	maxMsgLen int
	events    *event.Dispatcher

	mu        sync.Mutex
	msgs      [][]byte
	senders   *kernel.WaitQueue
	receivers *kernel.WaitQueue
	notify    *notify
	deleted   bool
}

func newCore(k *kernel.Kernel, maxMsgs, maxMsgLen int, opts Options) *core {
	k.Track(object.KindMsgQ, 1)
	return &core{
		k:         k,
		opts:      opts,
		maxMsgs:   maxMsgs,
		maxMsgLen: maxMsgLen,
		events:    event.New(k),
		msgs:      make([][]byte, 0, maxMsgs),
		senders:   kernel.NewWaitQueue(object.KindMsgQ, opts.discipline()),
		receivers: kernel.NewWaitQueue(object.KindMsgQ, opts.discipline()),
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
	c.msgs = nil
	c.notify = nil
	c.senders.WakeAll(rterrors.ErrDeleted)
	c.receivers.WakeAll(rterrors.ErrDeleted)
	c.mu.Unlock()
	c.k.Track(object.KindMsgQ, -1)
}

func (c *core) insert(rec []byte, pri Priority) {
	if pri == PriUrgent {
		c.msgs = append(c.msgs, nil)
		copy(c.msgs[1:], c.msgs)
		c.msgs[0] = rec
		return
	}
	c.msgs = append(c.msgs, rec)
}

// nextLive returns the first waiter of q whose task is alive, failing the
// dead ones. c.mu must be held.
func nextLive(q *kernel.WaitQueue) *kernel.Waiter {
	for {
		w := q.Next()
		if w == nil || !w.Task.Deleted() {
			return w
		}
		q.Wake(w, rterrors.ErrTaskDeleted)
	}
}

// MsgQ is a bounded queue of byte records.
type MsgQ struct {
	*object.Object
	c *core
}

func validate(maxMsgs, maxMsgLen int) error {
	if maxMsgs < 1 || maxMsgLen < 0 {
		return rterrors.ErrInvalidArgument
	}
	return nil
}

// New creates an unnamed queue holding up to maxMsgs records of at most
// maxMsgLen bytes.
func New(k *kernel.Kernel, maxMsgs, maxMsgLen int, opts Options) (*MsgQ, error) {
	const kind = string(object.KindMsgQ)
	if k == nil {
		return nil, rterrors.New(kind, "create", "", rterrors.ErrCreationFailed)
	}
	if err := validate(maxMsgs, maxMsgLen); err != nil {
		return nil, rterrors.New(kind, "create", "", err)
	}
	c := newCore(k, maxMsgs, maxMsgLen, opts)
	return &MsgQ{Object: object.NewUnnamed(object.KindMsgQ, c), c: c}, nil
}

// Open resolves a named queue. The sizes and opts only apply when the call
// creates it.
func Open(ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, maxMsgs, maxMsgLen int, opts Options) (*MsgQ, error) {
	const kind = string(object.KindMsgQ)
	if k == nil {
		return nil, rterrors.New(kind, "open", name, rterrors.ErrCreationFailed)
	}
	if mode != object.OpenExisting {
		if err := validate(maxMsgs, maxMsgLen); err != nil {
			return nil, rterrors.New(kind, "open", name, err)
		}
	}
	obj, err := object.OpenNamed(ctx, k.Namespace(), object.KindMsgQ, name, mode, func() (object.Shared, error) {
		return newCore(k, maxMsgs, maxMsgLen, opts), nil
	})
	if err != nil {
		return nil, err
	}
	return &MsgQ{Object: obj, c: obj.Shared().(*core)}, nil
}

// Close closes a named queue or deletes an unnamed one. Pended senders and
// receivers are released with ErrDeleted.
func (q *MsgQ) Close() error {
	return q.Release(context.Background())
}

// MaxMsgs returns the capacity.
func (q *MsgQ) MaxMsgs() int { return q.c.maxMsgs }

// MaxMsgLen returns the largest record accepted.
func (q *MsgQ) MaxMsgLen() int { return q.c.maxMsgLen }

// NumMsgs returns the number of queued records.
func (q *MsgQ) NumMsgs() int {
	q.c.mu.Lock()
	defer q.c.mu.Unlock()
	return len(q.c.msgs)
}

// Empty reports whether no record is queued.
func (q *MsgQ) Empty() bool { return q.NumMsgs() == 0 }

// Senders returns the number of senders pended on a full queue.
func (q *MsgQ) Senders() int {
	q.c.mu.Lock()
	defer q.c.mu.Unlock()
	return q.c.senders.Len()
}

// Receivers returns the number of receivers pended on an empty queue.
func (q *MsgQ) Receivers() int {
	q.c.mu.Lock()
	defer q.c.mu.Unlock()
	return q.c.receivers.Len()
}

// Send queues a copy of buf, pending up to timeout ticks while the queue is
// full. A nil t is accepted with NoWait only, for sends from watchdog
// handlers.
func (q *MsgQ) Send(t *task.Task, buf []byte, timeout tick.Ticks, pri Priority) error {
	return q.send(t, buf, timeout, pri, "send")
}

// SendFor is Send bounded by a duration.
func (q *MsgQ) SendFor(t *task.Task, buf []byte, d time.Duration, pri Priority) error {
	return q.send(t, buf, tick.FromDuration(d, q.c.k.Clock().Rate()), pri, "send for")
}

func (q *MsgQ) send(t *task.Task, buf []byte, timeout tick.Ticks, pri Priority, op string) error {
	c := q.c
	d := c.k.Begin(object.KindMsgQ, op, q.Name())
	if len(buf) > c.maxMsgLen || (pri != PriNormal && pri != PriUrgent) {
		return d.End(q.Err(op, rterrors.ErrInvalidArgument))
	}
	if q.Closed() {
		return d.End(q.Err(op, rterrors.ErrDeleted))
	}
	rec := append([]byte(nil), buf...)

	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return d.End(q.Err(op, rterrors.ErrDeleted))
	}
	if w := nextLive(c.receivers); w != nil {
		w.Value = rec
		c.receivers.Wake(w, nil)
		c.mu.Unlock()
		return d.End(nil)
	}
	if len(c.msgs) < c.maxMsgs {
		c.insert(rec, pri)
		n := c.notify
		if n != nil && n.once {
			c.notify = nil
		}
		c.mu.Unlock()
		if n != nil {
			if err := c.events.Send(n.target, n.bits); err != nil {
				c.k.Logger().Warn("rtsync: queue event delivery failed", "name", q.Name(), "error", err)
			}
		}
		return d.End(nil)
	}
	defer c.mu.Unlock()
	if timeout == tick.NoWait {
		return d.End(q.Err(op, rterrors.ErrWouldBlock))
	}
	if t == nil {
		return d.End(q.Err(op, rterrors.ErrInvalidArgument))
	}
	w := c.senders.Enqueue(t, int(pri))
	w.Value = rec
	return d.End(q.Err(op, c.k.Pend(&c.mu, c.senders, w, timeout, c.opts.pendFlags())))
}

// Receive removes the head record, pending up to timeout ticks while the
// queue is empty. The record is copied into buf and truncated to its
// length; the number of bytes copied is returned.
func (q *MsgQ) Receive(t *task.Task, buf []byte, timeout tick.Ticks) (int, error) {
	return q.receive(t, buf, timeout, "receive")
}

// ReceiveFor is Receive bounded by a duration.
func (q *MsgQ) ReceiveFor(t *task.Task, buf []byte, d time.Duration) (int, error) {
	return q.receive(t, buf, tick.FromDuration(d, q.c.k.Clock().Rate()), "receive for")
}

// Poll is Receive without waiting.
func (q *MsgQ) Poll(t *task.Task, buf []byte) (int, error) {
	return q.receive(t, buf, tick.NoWait, "poll")
}

func (q *MsgQ) receive(t *task.Task, buf []byte, timeout tick.Ticks, op string) (int, error) {
	c := q.c
	d := c.k.Begin(object.KindMsgQ, op, q.Name())
	if q.Closed() {
		return 0, d.End(q.Err(op, rterrors.ErrDeleted))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return 0, d.End(q.Err(op, rterrors.ErrDeleted))
	}
	if len(c.msgs) > 0 {
		rec := c.msgs[0]
		c.msgs[0] = nil
		c.msgs = c.msgs[1:]
		c.refill()
		return copy(buf, rec), d.End(nil)
	}
	if timeout == tick.NoWait {
		return 0, d.End(q.Err(op, rterrors.ErrWouldBlock))
	}
	if t == nil {
		return 0, d.End(q.Err(op, rterrors.ErrInvalidArgument))
	}
	w := c.receivers.Enqueue(t, 0)
	if err := c.k.Pend(&c.mu, c.receivers, w, timeout, c.opts.pendFlags()); err != nil {
		return 0, d.End(q.Err(op, err))
	}
	rec, _ := w.Value.([]byte)
	return copy(buf, rec), d.End(nil)
}

// refill moves the record of the first pended sender into the queue.
// c.mu must be held.
func (c *core) refill() {
	if len(c.msgs) >= c.maxMsgs {
		return
	}
	w := nextLive(c.senders)
	if w == nil {
		return
	}
	rec, _ := w.Value.([]byte)
	c.insert(rec, Priority(w.Tag))
	c.senders.Wake(w, nil)
}

// EventStart registers target to receive bits whenever a record is queued
// while no receiver is pended. With once set the registration ends after
// the first delivery. Only one task may be registered at a time.
func (q *MsgQ) EventStart(target *task.Task, bits event.Set, once bool) error {
	c := q.c
	if target == nil || bits == 0 {
		return q.Err("event start", rterrors.ErrInvalidArgument)
	}
	if q.Closed() {
		return q.Err("event start", rterrors.ErrDeleted)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return q.Err("event start", rterrors.ErrDeleted)
	}
	if c.notify != nil && c.notify.target != target {
		return q.Err("event start", rterrors.ErrInvalidArgument)
	}
	c.notify = &notify{target: target, bits: bits, once: once}
	return nil
}

// EventStop ends the event registration.
func (q *MsgQ) EventStop() error {
	c := q.c
	if q.Closed() {
		return q.Err("event stop", rterrors.ErrDeleted)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notify == nil {
		return q.Err("event stop", rterrors.ErrInvalidArgument)
	}
	c.notify = nil
	return nil
}
