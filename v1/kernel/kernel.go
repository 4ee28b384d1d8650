package kernel

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-rtsync/v1/metrics"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

const (
	// DefaultMaxReaders is the reader ceiling used when a shared mutex is
	// created without one.
	DefaultMaxReaders = 100
	// SystemMaxReaders is the largest reader ceiling a kernel accepts.
	SystemMaxReaders = 65535
)

// Kernel bundles the host collaborators every primitive needs: the tick
// clock, the name-resolution namespace and the diagnostics sinks.
type Kernel struct {
	clock      tick.Clock
	ownClock   *tick.Real
	rate       int
	ns         object.Namespace
	maxReaders int
	logger     *slog.Logger
	metrics    bool
	tracing    bool
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithClock sets the tick clock. The caller keeps ownership of it.
func WithClock(c tick.Clock) Option {
	return func(k *Kernel) {
		k.clock = c
	}
}

// WithTickRate sets the rate of the real clock started when no clock is
// given.
func WithTickRate(rate int) Option {
	return func(k *Kernel) {
		k.rate = rate
	}
}

// WithNamespace sets the namespace named objects are resolved in.
func WithNamespace(ns object.Namespace) Option {
	return func(k *Kernel) {
		k.ns = ns
	}
}

// WithMaxReaders sets the system-wide shared mutex reader ceiling. Values
// outside 1..SystemMaxReaders are ignored.
func WithMaxReaders(n int) Option {
	return func(k *Kernel) {
		if n >= 1 && n <= SystemMaxReaders {
			k.maxReaders = n
		}
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. Several kernels may share one registerer; a collector of a
// different shape already registered under an rtsync name panics.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(k *Kernel) {
		if err := metrics.EnsureCoreMetrics(reg); err != nil {
			panic(err)
		}
		k.metrics = true
	}
}

// WithTracing records an OpenTelemetry span per instrumented operation.
func WithTracing() Option {
	return func(k *Kernel) {
		k.tracing = true
	}
}

// New returns a kernel. Without WithClock it starts a real clock that Close
// stops.
func New(opts ...Option) *Kernel {
	k := &Kernel{
		rate:       tick.DefaultRate,
		maxReaders: SystemMaxReaders,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.clock == nil {
		k.ownClock = tick.NewReal(k.rate)
		k.clock = k.ownClock
	}
	if k.ns == nil {
		k.ns = object.NewInMemory()
	}
	return k
}

// Close stops the clock the kernel started, if any.
func (k *Kernel) Close() error {
	if k.ownClock != nil {
		k.ownClock.Stop()
	}
	return nil
}

// Clock returns the tick clock.
func (k *Kernel) Clock() tick.Clock { return k.clock }

// Namespace returns the name-resolution namespace.
func (k *Kernel) Namespace() object.Namespace { return k.ns }

// MaxReaders returns the reader ceiling.
func (k *Kernel) MaxReaders() int { return k.maxReaders }

// Logger returns the diagnostics logger.
func (k *Kernel) Logger() *slog.Logger { return k.logger }
