package tick

import (
	"container/heap"
	"sync"
	"time"
)

// Clock is the host scheduler's notion of time. Timers registered with
// After fire from the clock's tick announcement, which is the
// interrupt-equivalent context of this package: timer functions must not
// block.
type Clock interface {
	// Rate returns the number of ticks per second.
	Rate() int
	// Now returns the number of ticks announced so far.
	Now() Ticks
	// WallNow returns the wall-clock time used to resolve deadlines.
	WallNow() time.Time
	// After arranges for fn to run once n ticks from now. n < 1 fires on
	// the next tick.
	After(n Ticks, fn func()) *Timer
}

// Timer is a pending tick-queue entry.
type Timer struct {
	when  Ticks
	seq   uint64
	fn    func()
	index int
	q     *timerQueue
}

// Stop removes the timer from the tick queue. It reports false if the
// timer already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.q == nil {
		return false
	}
	return t.q.remove(t)
}

// When returns the tick at which the timer fires.
func (t *Timer) When() Ticks { return t.when }

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue is the tick queue shared by the clock implementations.
type timerQueue struct {
	mu   sync.Mutex
	h    timerHeap
	seq  uint64
	fire sync.Mutex // serializes announcements so timers run in order
}

func (q *timerQueue) add(now, n Ticks, fn func()) *Timer {
	if n < 1 {
		n = 1
	}
	when := now + n
	if when < now || n == WaitForever {
		when = WaitForever
	}
	q.mu.Lock()
	q.seq++
	t := &Timer{when: when, seq: q.seq, fn: fn, q: q}
	heap.Push(&q.h, t)
	q.mu.Unlock()
	return t
}

func (q *timerQueue) remove(t *Timer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 || t.index >= len(q.h) || q.h[t.index] != t {
		return false
	}
	heap.Remove(&q.h, t.index)
	return true
}

// announce runs every timer due at or before now. Timer functions run
// outside the queue lock so they may arm new timers.
func (q *timerQueue) announce(now Ticks) {
	q.fire.Lock()
	defer q.fire.Unlock()
	for {
		q.mu.Lock()
		if len(q.h) == 0 || q.h[0].when > now {
			q.mu.Unlock()
			return
		}
		t := heap.Pop(&q.h).(*Timer)
		q.mu.Unlock()
		t.fn()
	}
}

func (q *timerQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
