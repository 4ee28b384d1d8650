package tick

import (
	"sync"
	"time"
)

// Manual is a deterministic clock advanced explicitly by the caller.
type Manual struct {
	rate int
	base time.Time

	mu  sync.Mutex
	now Ticks
	q   timerQueue
}

// NewManual returns a manual clock at rate ticks per second whose wall
// clock reads base at tick zero.
func NewManual(rate int, base time.Time) *Manual {
	if rate <= 0 {
		rate = DefaultRate
	}
	return &Manual{rate: rate, base: base}
}

// Rate implements Clock.
func (m *Manual) Rate() int { return m.rate }

// Now implements Clock.
func (m *Manual) Now() Ticks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// WallNow implements Clock.
func (m *Manual) WallNow() time.Time {
	return m.base.Add(ToDuration(m.Now(), m.rate))
}

// After implements Clock.
func (m *Manual) After(n Ticks, fn func()) *Timer {
	return m.q.add(m.Now(), n, fn)
}

// Advance announces n ticks one at a time, firing due timers after each.
func (m *Manual) Advance(n Ticks) {
	for i := Ticks(0); i < n; i++ {
		m.mu.Lock()
		m.now++
		now := m.now
		m.mu.Unlock()
		m.q.announce(now)
	}
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int { return m.q.pending() }
