package object

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
)

// Mode selects how a named open treats an existing or missing name.
type Mode int

const (
	// OpenExisting only looks the name up; a miss is ErrNameNotFound.
	OpenExisting Mode = iota
	// Create opens the name, creating the object if it does not exist.
	Create
	// CreateExclusive creates the object; an existing name is ErrNameExists.
	CreateExclusive
)

// Namespace resolves object names shared across execution contexts.
type Namespace interface {
	// Open returns the shared state registered under name, creating it with
	// create when mode allows. Each successful Open must be paired with a
	// Close.
	Open(ctx context.Context, kind Kind, name string, mode Mode, create func() (Shared, error)) (Shared, Handle, error)
	// Close drops one reference to name. The shared state is destroyed when
	// the last reference goes; last reports whether that happened.
	Close(ctx context.Context, kind Kind, name string) (last bool, err error)
	// Names lists the registered names in order.
	Names() []string
}

// Directory records public names across process-like contexts that do not
// share a Namespace, so a collision with another context is reported.
type Directory interface {
	Claim(ctx context.Context, kind Kind, name string) error
	Release(ctx context.Context, kind Kind, name string) error
}

// IsPublic reports whether name is visible beyond the creating context.
func IsPublic(name string) bool { return strings.HasPrefix(name, "/") }

type entry struct {
	kind   Kind
	shared Shared
	handle Handle
	refs   int
}

// InMemory is the namespace of a single image.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]*entry
	dir     Directory
}

// NamespaceOption configures an InMemory namespace.
type NamespaceOption func(*InMemory)

// WithDirectory claims public names in d.
func WithDirectory(d Directory) NamespaceOption {
	return func(n *InMemory) {
		n.dir = d
	}
}

// NewInMemory returns an empty namespace.
func NewInMemory(opts ...NamespaceOption) *InMemory {
	n := &InMemory{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Open implements Namespace.Open.
func (n *InMemory) Open(ctx context.Context, kind Kind, name string, mode Mode, create func() (Shared, error)) (Shared, Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[name]; ok {
		if mode == CreateExclusive {
			return nil, Handle{}, rterrors.ErrNameExists
		}
		if e.kind != kind {
			return nil, Handle{}, rterrors.ErrCreationFailed
		}
		e.refs++
		return e.shared, e.handle, nil
	}
	if mode == OpenExisting || create == nil {
		return nil, Handle{}, rterrors.ErrNameNotFound
	}
	if n.dir != nil && IsPublic(name) {
		if err := n.dir.Claim(ctx, kind, name); err != nil {
			return nil, Handle{}, err
		}
	}
	shared, err := create()
	if err != nil || shared == nil {
		if n.dir != nil && IsPublic(name) {
			if rerr := n.dir.Release(ctx, kind, name); rerr != nil {
				slog.Warn("rtsync: directory release failed", "name", name, "error", rerr)
			}
		}
		if err == nil {
			err = rterrors.ErrCreationFailed
		}
		return nil, Handle{}, err
	}
	e := &entry{kind: kind, shared: shared, handle: newHandle(), refs: 1}
	n.entries[name] = e
	return e.shared, e.handle, nil
}

// Close implements Namespace.Close.
func (n *InMemory) Close(ctx context.Context, kind Kind, name string) (bool, error) {
	n.mu.Lock()
	e, ok := n.entries[name]
	if !ok || e.kind != kind {
		n.mu.Unlock()
		return false, rterrors.ErrNameNotFound
	}
	e.refs--
	if e.refs > 0 {
		n.mu.Unlock()
		return false, nil
	}
	delete(n.entries, name)
	n.mu.Unlock()

	e.shared.Destroy()
	if n.dir != nil && IsPublic(name) {
		if err := n.dir.Release(ctx, kind, name); err != nil {
			slog.Warn("rtsync: directory release failed", "name", name, "error", err)
			return true, err
		}
	}
	return true, nil
}

// Names implements Namespace.Names.
func (n *InMemory) Names() []string {
	n.mu.Lock()
	names := make([]string, 0, len(n.entries))
	for name := range n.entries {
		names = append(names, name)
	}
	n.mu.Unlock()
	sort.Strings(names)
	return names
}

// Refs returns the number of open references to name.
func (n *InMemory) Refs(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[name]; ok {
		return e.refs
	}
	return 0
}
