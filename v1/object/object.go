package object

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
)

// Kind identifies the class of a synchronization object.
type Kind string

const (
	KindMutex       Kind = "mutex"
	KindSemaphore   Kind = "semaphore"
	KindSharedMutex Kind = "shared_mutex"
	KindCondVar     Kind = "condvar"
	KindMsgQ        Kind = "msgq"
	KindWatchdog    Kind = "watchdog"
)

// Handle is the opaque native reference of an object. Every wrapper opened
// on the same named object sees the same handle.
type Handle uuid.UUID

func newHandle() Handle { return Handle(uuid.New()) }

func (h Handle) String() string { return uuid.UUID(h).String() }

// Shared is the kernel-side state of an object. Destroy invalidates it for
// every observer and releases anything pended on it.
type Shared interface {
	Destroy()
}

// Object is the identity embedded in every primitive wrapper. Whether the
// object was opened by name is fixed at construction and decides how Release
// tears it down: named objects are closed (reference counted through the
// namespace), unnamed ones are deleted.
type Object struct {
	handle Handle
	kind   Kind
	name   string
	named  bool
	ns     Namespace
	shared Shared
	closed atomic.Bool
}

// NewUnnamed wraps shared as an anonymous object owned by the caller.
func NewUnnamed(kind Kind, shared Shared) *Object {
	return &Object{handle: newHandle(), kind: kind, shared: shared}
}

// OpenNamed resolves name through ns. create builds the kernel state when the
// mode allows creation and the name is unused. Nothing is reachable if it
// fails.
func OpenNamed(ctx context.Context, ns Namespace, kind Kind, name string, mode Mode, create func() (Shared, error)) (*Object, error) {
	if ns == nil || name == "" {
		return nil, rterrors.New(string(kind), "open", name, rterrors.ErrInvalidArgument)
	}
	shared, h, err := ns.Open(ctx, kind, name, mode, create)
	if err != nil {
		return nil, rterrors.New(string(kind), "open", name, err)
	}
	return &Object{handle: h, kind: kind, name: name, named: true, ns: ns, shared: shared}, nil
}

// Handle returns the native handle.
func (o *Object) Handle() Handle { return o.handle }

// Kind returns the object kind.
func (o *Object) Kind() Kind { return o.kind }

// Named reports whether the object was opened by name.
func (o *Object) Named() bool { return o.named }

// Name returns the object's name, empty for unnamed objects.
func (o *Object) Name() string { return o.name }

// Shared returns the kernel state behind the wrapper.
func (o *Object) Shared() Shared { return o.shared }

// Closed reports whether Release has been called on this wrapper.
func (o *Object) Closed() bool { return o.closed.Load() }

func (o *Object) String() string {
	if o.named {
		return fmt.Sprintf("%s %q [%s]", o.kind, o.name, o.handle)
	}
	return fmt.Sprintf("%s [%s]", o.kind, o.handle)
}

// Err wraps err with this object's identity for operation op.
func (o *Object) Err(op string, err error) error {
	return rterrors.New(string(o.kind), op, o.name, err)
}

// Release closes a named object or deletes an unnamed one. A second call
// reports ErrDeleted.
func (o *Object) Release(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return o.Err("close", rterrors.ErrDeleted)
	}
	if !o.named {
		o.shared.Destroy()
		return nil
	}
	if _, err := o.ns.Close(ctx, o.kind, o.name); err != nil {
		return o.Err("close", err)
	}
	return nil
}
