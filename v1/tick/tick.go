package tick

import (
	"math/bits"
	"time"
)

// Ticks is a count of scheduler ticks.
type Ticks uint64

const (
	// NoWait makes a timed operation return immediately.
	NoWait Ticks = 0
	// WaitForever makes a timed operation block without a time limit.
	WaitForever Ticks = ^Ticks(0)

	// maxFinite is the largest tick count that is still a finite wait.
	maxFinite = WaitForever - 1
)

// FromDuration converts a relative duration into ticks at the given rate:
// floor(milliseconds(d) * rate / 1000). Zero and negative durations map to
// NoWait, never to WaitForever.
func FromDuration(d time.Duration, rate int) Ticks {
	if d <= 0 || rate <= 0 {
		return NoWait
	}
	ms := uint64(d / time.Millisecond)
	hi, lo := bits.Mul64(ms, uint64(rate))
	if hi >= 1000 {
		return maxFinite
	}
	q, _ := bits.Div64(hi, lo, 1000)
	return clamp(q)
}

// FromDeadline converts an absolute deadline into the ticks remaining until
// it, as seen by c. The deadline is decomposed into whole seconds and a
// nanosecond remainder and resolved by AbsTimeout. A zero or past deadline
// maps to NoWait.
func FromDeadline(c Clock, deadline time.Time) Ticks {
	if deadline.IsZero() {
		return NoWait
	}
	return AbsTimeout(c, deadline.Unix(), int64(deadline.Nanosecond()))
}

// AbsTimeout returns the ticks from c's wall-clock now until the instant
// sec.nsec since the epoch, rounded up to a whole tick so the wait never
// ends before the deadline.
func AbsTimeout(c Clock, sec, nsec int64) Ticks {
	now := c.WallNow()
	remaining := (sec-now.Unix())*int64(time.Second) + (nsec - int64(now.Nanosecond()))
	if remaining <= 0 {
		return NoWait
	}
	hi, lo := bits.Mul64(uint64(remaining), uint64(c.Rate()))
	if hi >= uint64(time.Second) {
		return maxFinite
	}
	q, r := bits.Div64(hi, lo, uint64(time.Second))
	if r != 0 {
		q++
	}
	return clamp(q)
}

// ToDuration converts ticks back into a duration at the given rate.
func ToDuration(n Ticks, rate int) time.Duration {
	if n == WaitForever || rate <= 0 {
		return time.Duration(1<<63 - 1)
	}
	hi, lo := bits.Mul64(uint64(n), uint64(time.Second))
	if hi >= uint64(rate) {
		return time.Duration(1<<63 - 1)
	}
	q, _ := bits.Div64(hi, lo, uint64(rate))
	if q > 1<<63-1 {
		return time.Duration(1<<63 - 1)
	}
	return time.Duration(q)
}

func clamp(v uint64) Ticks {
	if v >= uint64(maxFinite) {
		return maxFinite
	}
	return Ticks(v)
}
