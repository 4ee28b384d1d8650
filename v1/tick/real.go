package tick

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRate is the tick rate used when none is configured.
const DefaultRate = 60

// Real is a clock announcing ticks from a time.Ticker.
type Real struct {
	rate    int
	now     atomic.Uint64
	q       timerQueue
	ticker  *time.Ticker
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewReal starts a clock announcing rate ticks per second.
func NewReal(rate int) *Real {
	if rate <= 0 {
		rate = DefaultRate
	}
	r := &Real{
		rate:    rate,
		ticker:  time.NewTicker(time.Second / time.Duration(rate)),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Real) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C:
			r.q.announce(Ticks(r.now.Add(1)))
		}
	}
}

// Stop halts tick announcement. Armed timers never fire afterwards.
func (r *Real) Stop() {
	r.once.Do(func() {
		r.ticker.Stop()
		close(r.stop)
		<-r.stopped
	})
}

// Rate implements Clock.
func (r *Real) Rate() int { return r.rate }

// Now implements Clock.
func (r *Real) Now() Ticks { return Ticks(r.now.Load()) }

// WallNow implements Clock.
func (r *Real) WallNow() time.Time { return time.Now() }

// After implements Clock.
func (r *Real) After(n Ticks, fn func()) *Timer {
	return r.q.add(r.Now(), n, fn)
}
