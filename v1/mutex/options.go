package mutex

import (
	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
)

// Options configure a mutex at creation. They never change afterwards.
type Options uint32

const (
	// QFIFO queues pended tasks in arrival order.
	QFIFO Options = 0
	// QPriority queues pended tasks by priority.
	QPriority Options = 1 << iota
	// InversionSafe makes the owner inherit the priority of its most urgent
	// waiter. Requires QPriority.
	InversionSafe
	// NoRecurse forbids re-entrant locking; the owner relocking pends
	// forever.
	NoRecurse
	// Robust marks the mutex inconsistent when its owner is deleted.
	Robust
	// DeleteSafe protects the owner from deletion while it holds the mutex.
	DeleteSafe
	// Interruptible lets signals end a pended lock with ErrInterrupted.
	Interruptible
	// DeletionWakeup lets a deletion request end a pended lock with
	// ErrDeletionPending.
	DeletionWakeup
)

const (
	// Defaults are the options of a plain mutex.
	Defaults = QPriority | InversionSafe | NoRecurse
	// RecursiveDefaults are the options of a recursive mutex.
	RecursiveDefaults = QPriority | InversionSafe
)

func (o Options) validate() error {
	if o&InversionSafe != 0 && o&QPriority == 0 {
		return rterrors.ErrInvalidArgument
	}
	return nil
}

func (o Options) recursive() bool { return o&NoRecurse == 0 }

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
