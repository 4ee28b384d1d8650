// Package tick converts durations and deadlines into scheduler ticks and
// provides the clocks that drive every timed wait. All timed operations in
// rtsync route through FromDuration or FromDeadline so a zero or past
// timeout always means NoWait.
package tick
