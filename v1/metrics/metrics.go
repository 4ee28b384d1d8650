package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsCounter tracks primitive operations by object kind, operation and
	// result ("ok", "timeout", "would_block", "error").
	OpsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtsync_ops_total",
		Help: "Total number of primitive operations",
	}, []string{"kind", "op", "result"})
	// PendHistogram tracks how long tasks stay pended.
	PendHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rtsync_pend_seconds",
		Help:    "Time spent pended on a primitive",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	// ObjectsGauge reports the number of live objects by kind.
	ObjectsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtsync_objects",
		Help: "Current number of live synchronization objects",
	}, []string{"kind"})
	// WatchdogFires counts watchdog handler invocations.
	WatchdogFires = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtsync_watchdog_fires_total",
		Help: "Total number of watchdog expirations",
	})
	// EventsSent counts event sends.
	EventsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtsync_events_sent_total",
		Help: "Total number of event sends",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers rtsync metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(OpsCounter, PendHistogram, ObjectsGauge, WatchdogFires, EventsSent)
}

// EnsureCoreMetrics registers rtsync metrics on reg, skipping collectors reg
// already holds. Any other registration error is returned.
func EnsureCoreMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{OpsCounter, PendHistogram, ObjectsGauge, WatchdogFires, EventsSent} {
		if err := reg.Register(c); err != nil {
			var dup prometheus.AlreadyRegisteredError
			if !errors.As(err, &dup) {
				return err
			}
		}
	}
	return nil
}
