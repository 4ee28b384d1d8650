// Package event implements lightweight per-task event signalling.
//
// Every task owns a 32-bit event register. Send ORs bits into it from any
// context without taking a lock; only the owning task receives. Events do not
// accumulate: a bit sent twice before it is received is seen once.
//
// Clear cannot guarantee the register reads zero afterwards, since a send
// may land at any instant. Callers that need that must stop the senders
// first.
package event

import (
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Kind labels event operations in diagnostics.
const Kind object.Kind = "event"

// Set is a set of event bits.
type Set uint32

// Application events. The upper eight bits are reserved for the system.
const (
	Ev01 Set = 1 << iota
	Ev02
	Ev03
	Ev04
	Ev05
	Ev06
	Ev07
	Ev08
	Ev09
	Ev10
	Ev11
	Ev12
	Ev13
	Ev14
	Ev15
	Ev16
	Ev17
	Ev18
	Ev19
	Ev20
	Ev21
	Ev22
	Ev23
	Ev24
)

const (
	// Application covers Ev01 through Ev24.
	Application Set = 1<<24 - 1
	// Reserved covers the system-owned bits.
	Reserved Set = ^Application
	// All covers the whole register.
	All Set = ^Set(0)
)

// Has reports whether every bit of o is in s.
func (s Set) Has(o Set) bool { return s&o == o }

// Options select the receive policy.
type Options uint32

const (
	// WaitAll waits for every wanted event. It is the default.
	WaitAll Options = 0
	// WaitAny waits for any one wanted event.
	WaitAny Options = 1 << iota
	// ReturnAll returns, and clears, the whole register once satisfied.
	ReturnAll
	// KeepUnwanted leaves received but unwanted events in the register.
	// It has no effect with ReturnAll.
	KeepUnwanted
	// Fetch copies the register without clearing or waiting. Every other
	// argument is ignored.
	Fetch
	// Interruptible lets a signal end the wait with ErrInterrupted.
	Interruptible
	// DeletionWakeup lets a deletion request against a deletion-safe
	// receiver end the wait with ErrDeletionPending, once per request.
	DeletionWakeup
)

// Dispatcher sends and receives events against the kernel's clock.
type Dispatcher struct {
	k *kernel.Kernel
}

// New returns a dispatcher for k.
func New(k *kernel.Kernel) *Dispatcher {
	return &Dispatcher{k: k}
}

// Send ORs bits into target's register. It never blocks and is safe from
// watchdog handlers.
func (d *Dispatcher) Send(target *task.Task, bits Set) error {
	if target == nil {
		return rterrors.New(string(Kind), "send", "", rterrors.ErrInvalidArgument)
	}
	if target.Deleted() {
		return rterrors.New(string(Kind), "send", target.Name(), rterrors.ErrTaskDeleted)
	}
	target.PostEvents(uint32(bits))
	d.k.CountEvents()
	return nil
}

// Receive waits up to timeout ticks for the wanted events of t. The events
// received are returned even alongside an error: under WaitAll a timeout
// reports the wanted events that did arrive.
func (d *Dispatcher) Receive(t *task.Task, wanted Set, opts Options, timeout tick.Ticks) (Set, error) {
	op := d.k.Begin(Kind, "receive", taskName(t))
	got, err := d.receive(t, wanted, opts, timeout)
	return got, op.End(rterrors.New(string(Kind), "receive", taskName(t), err))
}

// ReceiveFor is Receive bounded by a duration.
func (d *Dispatcher) ReceiveFor(t *task.Task, wanted Set, opts Options, dur time.Duration) (Set, error) {
	return d.Receive(t, wanted, opts, tick.FromDuration(dur, d.k.Clock().Rate()))
}

// ReceiveUntil is Receive bounded by a deadline.
func (d *Dispatcher) ReceiveUntil(t *task.Task, wanted Set, opts Options, deadline time.Time) (Set, error) {
	return d.Receive(t, wanted, opts, tick.FromDeadline(d.k.Clock(), deadline))
}

// Poll is Receive without waiting.
func (d *Dispatcher) Poll(t *task.Task, wanted Set, opts Options) (Set, error) {
	return d.Receive(t, wanted, opts, tick.NoWait)
}

// Fetch returns t's register without modifying it.
func (d *Dispatcher) Fetch(t *task.Task) Set {
	if t == nil {
		return 0
	}
	return Set(t.LoadEvents())
}

// Clear empties t's register.
func (d *Dispatcher) Clear(t *task.Task) error {
	if t == nil {
		return rterrors.New(string(Kind), "clear", "", rterrors.ErrInvalidArgument)
	}
	t.TakeEvents(uint32(All))
	return nil
}

func taskName(t *task.Task) string {
	if t == nil {
		return ""
	}
	return t.Name()
}

func satisfied(reg, wanted Set, opts Options) bool {
	if opts&WaitAny != 0 {
		return reg&wanted != 0
	}
	return reg&wanted == wanted
}

// consume removes what a satisfied receive takes from the register.
func consume(t *task.Task, wanted Set, opts Options) Set {
	if opts&ReturnAll != 0 {
		return Set(t.TakeEvents(uint32(All)))
	}
	got := Set(t.TakeEvents(uint32(wanted)))
	if opts&KeepUnwanted == 0 {
		t.TakeEvents(uint32(^wanted))
	}
	return got
}

func partial(reg, wanted Set, opts Options) Set {
	if opts&ReturnAll != 0 {
		return reg
	}
	return reg & wanted
}

func (d *Dispatcher) receive(t *task.Task, wanted Set, opts Options, timeout tick.Ticks) (Set, error) {
	if t == nil {
		return 0, rterrors.ErrInvalidArgument
	}
	if opts&Fetch != 0 {
		return Set(t.LoadEvents()), nil
	}
	if wanted == 0 && opts&ReturnAll == 0 {
		return 0, rterrors.ErrInvalidArgument
	}
	if wanted == 0 {
		wanted = All
		opts |= WaitAny
	}
	if reg := Set(t.LoadEvents()); satisfied(reg, wanted, opts) {
		return consume(t, wanted, opts), nil
	} else if timeout == tick.NoWait {
		return partial(reg, wanted, opts), rterrors.ErrWouldBlock
	}

	var sig, doom <-chan struct{}
	if opts&Interruptible != 0 {
		sig = t.Signals()
	}
	if opts&DeletionWakeup != 0 {
		doom = t.Doomed()
	}
	var expired chan struct{}
	if timeout != tick.WaitForever {
		expired = make(chan struct{})
		timer := d.k.Clock().After(timeout, func() { close(expired) })
		defer timer.Stop()
	}

	for {
		var cause error
		select {
		case <-t.EventWake():
		case <-expired:
			cause = rterrors.ErrTimeout
		case <-sig:
			cause = rterrors.ErrInterrupted
		case <-doom:
			cause = rterrors.ErrDeletionPending
		case <-t.Done():
			cause = rterrors.ErrTaskDeleted
		}
		reg := Set(t.LoadEvents())
		if satisfied(reg, wanted, opts) {
			return consume(t, wanted, opts), nil
		}
		if cause != nil {
			return partial(reg, wanted, opts), cause
		}
	}
}
