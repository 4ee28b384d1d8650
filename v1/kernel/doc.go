// Package kernel is the host environment shared by the rtsync primitives.
// A Kernel injects the tick clock, the namespace named objects live in and
// the diagnostics sinks (slog, Prometheus, OpenTelemetry). WaitQueue and
// Kernel.Pend implement the single way a task blocks on any primitive:
// FIFO or priority ordered, bounded by ticks, and optionally interruptible
// by signals or deletion requests.
package kernel
