package kernel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/metrics"
	"github.com/mirkobrombin/go-rtsync/v1/object"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-rtsync/v1/kernel")

// Op is one instrumented primitive operation, from Begin to End.
type Op struct {
	k    *Kernel
	kind object.Kind
	name string
	op   string
	span trace.Span
}

// Begin starts the diagnostics for op on an object of the given kind.
func (k *Kernel) Begin(kind object.Kind, op, name string) Op {
	o := Op{k: k, kind: kind, name: name, op: op}
	if k.tracing {
		_, o.span = tracer.Start(context.Background(), string(kind)+"."+op,
			trace.WithAttributes(
				attribute.String("rtsync.kind", string(kind)),
				attribute.String("rtsync.name", name),
			))
	}
	return o
}

// End records the outcome of the operation and returns err unchanged.
func (o Op) End(err error) error {
	if o.k == nil {
		return err
	}
	result := Result(err)
	if o.span != nil {
		o.span.SetAttributes(attribute.String("rtsync.result", result))
		if err != nil && !rterrors.IsExpected(err) {
			o.span.SetStatus(codes.Error, err.Error())
		}
		o.span.End()
	}
	if o.k.metrics {
		metrics.OpsCounter.WithLabelValues(string(o.kind), o.op, result).Inc()
	}
	if err != nil && !rterrors.IsExpected(err) {
		level := slog.LevelWarn
		if errors.Is(err, rterrors.ErrDeleted) || errors.Is(err, rterrors.ErrTaskDeleted) ||
			errors.Is(err, rterrors.ErrInterrupted) || errors.Is(err, rterrors.ErrDeletionPending) {
			level = slog.LevelDebug
		}
		o.k.logger.Log(context.Background(), level, "rtsync: operation failed",
			"kind", o.kind, "op", o.op, "name", o.name, "error", err)
	}
	return err
}

// Result maps an operation outcome to its metrics label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rterrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, rterrors.ErrWouldBlock):
		return "would_block"
	case errors.Is(err, rterrors.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, rterrors.ErrInconsistent):
		return "inconsistent"
	default:
		return "error"
	}
}

// Track adjusts the live object gauge for kind by delta.
func (k *Kernel) Track(kind object.Kind, delta float64) {
	if k.metrics {
		metrics.ObjectsGauge.WithLabelValues(string(kind)).Add(delta)
	}
}

// CountEvents records one event send.
func (k *Kernel) CountEvents() {
	if k.metrics {
		metrics.EventsSent.Inc()
	}
}

// CountWatchdogFire records one watchdog expiration.
func (k *Kernel) CountWatchdogFire() {
	if k.metrics {
		metrics.WatchdogFires.Inc()
	}
}

func (k *Kernel) observePend(kind object.Kind, start time.Time) {
	if k.metrics {
		metrics.PendHistogram.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
}
