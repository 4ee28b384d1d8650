// Package task provides the task identity the synchronization primitives
// rely on: priority (with inheritance requests), signal delivery, forced
// deletion with deletion safety, death notification hooks and the per-task
// event register.
//
// Priorities follow the RTOS convention: 0 is the most urgent and 255 the
// least urgent.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
)

const (
	// HighestPriority is the most urgent priority.
	HighestPriority = 0
	// LowestPriority is the least urgent priority.
	LowestPriority = 255
)

var lastID atomic.Int64

// Task is the identity of one thread of control.
type Task struct {
	id   int64
	name string

	mu        sync.Mutex
	base      int
	effective int
	inherited map[any]int
	hooks     map[any]func()
	safeCount int
	deleteReq bool
	deleted   bool

	done  chan struct{}
	sig   chan struct{}
	doom  chan struct{}
	event chan struct{}

	events atomic.Uint32
}

// New creates a task with the given name and base priority.
func New(name string, priority int) (*Task, error) {
	if priority < HighestPriority || priority > LowestPriority {
		return nil, rterrors.New("task", "create", name, rterrors.ErrInvalidArgument)
	}
	return &Task{
		id:        lastID.Add(1),
		name:      name,
		base:      priority,
		effective: priority,
		inherited: make(map[any]int),
		hooks:     make(map[any]func()),
		done:      make(chan struct{}),
		sig:       make(chan struct{}, 1),
		doom:      make(chan struct{}, 1),
		event:     make(chan struct{}, 1),
	}, nil
}

// MustNew is like New but panics on an invalid priority.
func MustNew(name string, priority int) *Task {
	t, err := New(name, priority)
	if err != nil {
		panic(err)
	}
	return t
}

// ID returns the task's unique identifier.
func (t *Task) ID() int64 { return t.id }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

func (t *Task) String() string { return fmt.Sprintf("%s#%d", t.name, t.id) }

// Priority returns the effective priority, including inheritance.
func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effective
}

// BasePriority returns the priority the task was given, ignoring inheritance.
func (t *Task) BasePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base
}

// SetPriority changes the base priority.
func (t *Task) SetPriority(p int) error {
	if p < HighestPriority || p > LowestPriority {
		return rterrors.New("task", "set priority", t.name, rterrors.ErrInvalidArgument)
	}
	t.mu.Lock()
	t.base = p
	t.recompute()
	t.mu.Unlock()
	return nil
}

// Inherit raises the effective priority to at least p for as long as src
// keeps the request. A second call from the same src replaces the first.
func (t *Task) Inherit(src any, p int) {
	t.mu.Lock()
	t.inherited[src] = p
	t.recompute()
	t.mu.Unlock()
}

// Disinherit drops the request made by src.
func (t *Task) Disinherit(src any) {
	t.mu.Lock()
	delete(t.inherited, src)
	t.recompute()
	t.mu.Unlock()
}

func (t *Task) recompute() {
	eff := t.base
	for _, p := range t.inherited {
		if p < eff {
			eff = p
		}
	}
	t.effective = eff
}

// Signal delivers a signal. Interruptible waits return ErrInterrupted.
// Signals coalesce until consumed.
func (t *Task) Signal() {
	select {
	case t.sig <- struct{}{}:
	default:
	}
}

// Signals returns the channel a pending interruptible wait selects on.
func (t *Task) Signals() <-chan struct{} { return t.sig }

// Done is closed once the task has been deleted.
func (t *Task) Done() <-chan struct{} { return t.done }

// Doomed delivers one notification per deletion request made while the
// task was deletion safe.
func (t *Task) Doomed() <-chan struct{} { return t.doom }

// Deleted reports whether the task has been deleted.
func (t *Task) Deleted() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Safe protects the task from deletion until the matching Unsafe.
func (t *Task) Safe() {
	t.mu.Lock()
	t.safeCount++
	t.mu.Unlock()
}

// Unsafe undoes one Safe. A deletion requested while safe takes effect when
// the count drops to zero.
func (t *Task) Unsafe() {
	t.mu.Lock()
	if t.safeCount > 0 {
		t.safeCount--
	}
	run := t.safeCount == 0 && t.deleteReq
	t.mu.Unlock()
	if run {
		t.Delete()
	}
}

// Delete force-terminates the task. Pending waits return ErrTaskDeleted and
// death hooks run, in no particular order. Deleting a deletion-safe task is
// deferred and signalled through Doomed instead.
func (t *Task) Delete() {
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return
	}
	if t.safeCount > 0 {
		t.deleteReq = true
		t.mu.Unlock()
		select {
		case t.doom <- struct{}{}:
		default:
		}
		return
	}
	t.deleted = true
	hooks := make([]func(), 0, len(t.hooks))
	for _, fn := range t.hooks {
		hooks = append(hooks, fn)
	}
	t.hooks = make(map[any]func())
	t.mu.Unlock()

	close(t.done)
	for _, fn := range hooks {
		fn()
	}
}

// OnDelete registers fn to run when the task is deleted. It reports false if
// the task is already deleted.
func (t *Task) OnDelete(key any, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deleted {
		return false
	}
	t.hooks[key] = fn
	return true
}

// CancelOnDelete removes the hook registered under key.
func (t *Task) CancelOnDelete(key any) {
	t.mu.Lock()
	delete(t.hooks, key)
	t.mu.Unlock()
}
