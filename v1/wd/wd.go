// Package wd provides one-shot watchdog timers.
//
// A watchdog runs its Handler from the clock's tick path once the delay
// elapses. Handlers stand in for interrupt service routines: they receive an
// ISR that exposes only non-blocking services and must return promptly.
// Only the most recent Start of a watchdog has any effect.
package wd

import (
	"context"
	"sync"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/event"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/msgq"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// DefaultBudget is how long a handler may run before an overrun is logged.
const DefaultBudget = time.Millisecond

// Handler is a watchdog callback. It must not block.
type Handler func(isr *ISR)

// Giver is anything that can be given without blocking, such as a
// semaphore.
type Giver interface {
	Give() error
}

// Option configures a Watchdog.
type Option func(*core)

// WithBudget sets the handler latency budget. Non-positive values keep the
// default.
func WithBudget(d time.Duration) Option {
	return func(c *core) {
		if d > 0 {
			c.budget = d
		}
	}
}

type core struct {
	k      *kernel.Kernel
	events *event.Dispatcher
	budget time.Duration

	mu      sync.Mutex
	gen     uint64
	timer   *tick.Timer
	handler Handler
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
	c.disarm()
	c.mu.Unlock()
	c.k.Track(object.KindWatchdog, -1)
}

// disarm stops the pending firing. c.mu must be held.
func (c *core) disarm() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.handler = nil
}

// arm replaces any pending firing. c.mu must be held.
func (c *core) arm(delay tick.Ticks, h Handler) {
	c.disarm()
	gen := c.gen
	c.handler = h
	c.timer = c.k.Clock().After(delay, func() { c.fire(gen) })
}

func (c *core) fire(gen uint64) {
	c.mu.Lock()
	if c.deleted || gen != c.gen || c.handler == nil {
		c.mu.Unlock()
		return
	}
	h := c.handler
	c.handler = nil
	c.timer = nil
	c.mu.Unlock()

	isr := &ISR{c: c, now: c.k.Clock().Now()}
	start := time.Now()
	c.run(h, isr)
	if elapsed := time.Since(start); elapsed > c.budget {
		c.k.Logger().Warn("rtsync: watchdog handler overran its budget", "elapsed", elapsed, "budget", c.budget)
	}
	c.k.CountWatchdogFire()

	if isr.restart == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// A Start or Cancel from another context while the handler ran wins.
	if !c.deleted && gen == c.gen && c.handler == nil {
		c.arm(isr.restart, h)
	}
}

func (c *core) run(h Handler, isr *ISR) {
	defer func() {
		if r := recover(); r != nil {
			isr.restart = 0
			c.k.Logger().Error("rtsync: watchdog handler panicked", "panic", r)
		}
	}()
	h(isr)
}

// Watchdog is a one-shot timer. Watchdogs are always unnamed.
type Watchdog struct {
	*object.Object
	c *core
}

// New creates an idle watchdog.
func New(k *kernel.Kernel, opts ...Option) (*Watchdog, error) {
	if k == nil {
		return nil, rterrors.New(string(object.KindWatchdog), "create", "", rterrors.ErrCreationFailed)
	}
	c := &core{k: k, events: event.New(k), budget: DefaultBudget}
	for _, o := range opts {
		o(c)
	}
	k.Track(object.KindWatchdog, 1)
	return &Watchdog{Object: object.NewUnnamed(object.KindWatchdog, c), c: c}, nil
}

// Close cancels and deletes the watchdog.
func (w *Watchdog) Close() error {
	return w.Release(context.Background())
}

// Start arms the watchdog to run h after delay ticks, replacing any
// previous arming.
func (w *Watchdog) Start(delay tick.Ticks, h Handler) error {
	d := w.c.k.Begin(object.KindWatchdog, "start", "")
	if delay == 0 || h == nil {
		return d.End(w.Err("start", rterrors.ErrInvalidArgument))
	}
	if w.Closed() {
		return d.End(w.Err("start", rterrors.ErrDeleted))
	}
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.deleted {
		return d.End(w.Err("start", rterrors.ErrDeleted))
	}
	w.c.arm(delay, h)
	return d.End(nil)
}

// StartFor is Start with the delay given as a duration, rounded down to
// whole ticks. A delay shorter than one tick is rejected.
func (w *Watchdog) StartFor(delay time.Duration, h Handler) error {
	return w.Start(tick.FromDuration(delay, w.c.k.Clock().Rate()), h)
}

// Cancel disarms the watchdog. Cancelling an idle watchdog is a no-op.
func (w *Watchdog) Cancel() error {
	if w.Closed() {
		return w.Err("cancel", rterrors.ErrDeleted)
	}
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if !w.c.deleted {
		w.c.disarm()
	}
	return nil
}

// Armed reports whether a firing is pending.
func (w *Watchdog) Armed() bool {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.handler != nil
}

// ISR is the context a Handler runs in. Its methods never block.
type ISR struct {
	c       *core
	now     tick.Ticks
	restart tick.Ticks
}

// Now returns the tick the handler was dispatched at.
func (i *ISR) Now() tick.Ticks { return i.now }

// Send posts events to target.
func (i *ISR) Send(target *task.Task, bits event.Set) error {
	return i.c.events.Send(target, bits)
}

// Give gives g, typically a semaphore.
func (i *ISR) Give(g Giver) error {
	if g == nil {
		return rterrors.ErrInvalidArgument
	}
	return g.Give()
}

// Post queues buf on q without waiting.
func (i *ISR) Post(q *msgq.MsgQ, buf []byte, pri msgq.Priority) error {
	if q == nil {
		return rterrors.ErrInvalidArgument
	}
	return q.Send(nil, buf, tick.NoWait, pri)
}

// Restart re-arms the watchdog with the same handler once this one
// returns, giving periodic behaviour. The last call wins.
func (i *ISR) Restart(delay tick.Ticks) error {
	if delay == 0 {
		return rterrors.ErrInvalidArgument
	}
	i.restart = delay
	return nil
}
