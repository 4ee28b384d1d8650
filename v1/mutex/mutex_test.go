package mutex

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/testutil"
)

func TestLockTryLockUnlock(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, err := New(k)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)

	if err := m.Lock(a); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if m.Owner() != a {
		t.Fatalf("expected owner a, got %v", m.Owner())
	}
	if ok, err := m.TryLock(b); ok || err != nil {
		t.Fatalf("expected busy, ok %v err %v", ok, err)
	}
	if err := m.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ok, err := m.TryLock(b); !ok || err != nil {
		t.Fatalf("expected lock, ok %v err %v", ok, err)
	}
	if err := m.Give(b); err != nil {
		t.Fatalf("give: %v", err)
	}
}

func TestUnlockByNonOwner(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)

	if err := m.Unlock(a); !rterrors.Is(err, rterrors.ErrNotOwner) {
		t.Fatalf("unlock of free mutex: expected ErrNotOwner, got %v", err)
	}
	_ = m.Lock(a)
	if err := m.Unlock(b); !rterrors.Is(err, rterrors.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	var rerr *rterrors.Error
	if err := m.Unlock(b); !rterrors.As(err, &rerr) || rerr.Kind != string(object.KindMutex) || rerr.Op != "unlock" {
		t.Fatalf("expected *Error for mutex unlock, got %#v", err)
	}
}

func TestNilTaskRejected(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	if err := m.Lock(nil); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestInversionSafeRequiresPriorityQueue(t *testing.T) {
	k, _ := testutil.Kernel(t)
	if _, err := NewWithOptions(k, QFIFO|InversionSafe); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewWithOptions(nil, Defaults); !rterrors.Is(err, rterrors.ErrCreationFailed) {
		t.Fatalf("expected ErrCreationFailed without kernel, got %v", err)
	}
}

func TestRecursiveDepth(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewRecursive(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)

	const n = 4
	for i := 0; i < n; i++ {
		if err := m.Lock(a); err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
	}
	if d := m.Depth(); d != n {
		t.Fatalf("expected depth %d, got %d", n, d)
	}
	for i := 0; i < n; i++ {
		if ok, _ := m.TryLock(b); ok {
			t.Fatalf("b acquired with %d levels still held", n-i)
		}
		if err := m.Unlock(a); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
	}
	if ok, err := m.TryLock(b); !ok || err != nil {
		t.Fatalf("expected b to acquire, ok %v err %v", ok, err)
	}
	if err := m.Unlock(a); !rterrors.Is(err, rterrors.ErrNotOwner) {
		t.Fatalf("extra unlock: expected ErrNotOwner, got %v", err)
	}
}

func TestNonRecursiveRelockTimesOut(t *testing.T) {
	k, clk := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	_ = m.Lock(a)

	res := make(chan error, 1)
	go func() { res <- m.Take(a, 5) }()
	testutil.Eventually(t, "self relock to pend", func() bool { return m.Waiters() == 1 })

	clk.Advance(4)
	testutil.Blocked(t, "relock", res)
	clk.Advance(1)
	if err := testutil.Result(t, "relock", res); !rterrors.Is(err, rterrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if m.Owner() != a || m.Depth() != 1 {
		t.Fatalf("owner state changed by failed relock")
	}
}

func TestTryLockForTimesOut(t *testing.T) {
	k, clk := testutil.Kernel(t)
	m, _ := NewTimed(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.Lock(a)

	type outcome struct {
		ok  bool
		err error
	}
	res := make(chan outcome, 1)
	go func() {
		ok, err := m.TryLockFor(b, 100*time.Millisecond)
		res <- outcome{ok, err}
	}()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })

	clk.Advance(9)
	testutil.Blocked(t, "try lock for", res)
	clk.Advance(1)
	got := testutil.Result(t, "try lock for", res)
	if got.ok || got.err != nil {
		t.Fatalf("expected timeout as false, got %+v", got)
	}
	if m.Waiters() != 0 {
		t.Fatalf("timed out waiter left queued")
	}
}

func TestTryLockForAcquiresOnRelease(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewTimed(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.Lock(a)

	res := make(chan bool, 1)
	go func() {
		ok, _ := m.TryLockFor(b, time.Second)
		res <- ok
	}()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })
	_ = m.Unlock(a)
	if !testutil.Result(t, "try lock for", res) {
		t.Fatal("expected b to acquire")
	}
	if m.Owner() != b {
		t.Fatalf("expected owner b, got %v", m.Owner())
	}
}

func TestTryLockUntil(t *testing.T) {
	k, clk := testutil.Kernel(t)
	m, _ := NewTimed(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.Lock(a)

	if ok, err := m.TryLockUntil(b, testutil.Epoch.Add(-time.Second)); ok || err != nil {
		t.Fatalf("past deadline: ok %v err %v", ok, err)
	}
	if m.Waiters() != 0 {
		t.Fatal("past deadline must not pend")
	}

	// 55ms at 100 ticks/s rounds up to 6 ticks.
	res := make(chan bool, 1)
	go func() {
		ok, _ := m.TryLockUntil(b, testutil.Epoch.Add(55*time.Millisecond))
		res <- ok
	}()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })
	clk.Advance(5)
	testutil.Blocked(t, "try lock until", res)
	clk.Advance(1)
	if testutil.Result(t, "try lock until", res) {
		t.Fatal("expected timeout")
	}
}

func lockInOrder(t *testing.T, m *Mutex, owner *task.Task, waiters []*task.Task) []string {
	t.Helper()
	if err := m.Lock(owner); err != nil {
		t.Fatalf("owner lock: %v", err)
	}
	order := make(chan string, len(waiters))
	for i, w := range waiters {
		go func() {
			if err := m.Lock(w); err != nil {
				order <- "error: " + err.Error()
				return
			}
			order <- w.Name()
			_ = m.Unlock(w)
		}()
		testutil.Eventually(t, w.Name()+" to pend", func() bool { return m.Waiters() == i+1 })
	}
	_ = m.Unlock(owner)
	got := make([]string, 0, len(waiters))
	for range waiters {
		got = append(got, testutil.Result(t, "handoff", order))
	}
	return got
}

func TestPriorityQueueOrder(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	got := lockInOrder(t, m, testutil.Task(t, "owner", 1), []*task.Task{
		testutil.Task(t, "low", 100),
		testutil.Task(t, "high", 5),
		testutil.Task(t, "mid", 50),
	})
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFIFOQueueOrder(t *testing.T) {
	k, _ := testutil.Kernel(t)
	tm, _ := NewWithOptions(k, QFIFO|NoRecurse)
	got := lockInOrder(t, tm.Mutex, testutil.Task(t, "owner", 1), []*task.Task{
		testutil.Task(t, "first", 100),
		testutil.Task(t, "second", 5),
		testutil.Task(t, "third", 50),
	})
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPriorityInheritance(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	owner := testutil.Task(t, "owner", 200)
	urgent := testutil.Task(t, "urgent", 10)
	_ = m.Lock(owner)

	res := make(chan error, 1)
	go func() { res <- m.Lock(urgent) }()
	testutil.Eventually(t, "owner to inherit", func() bool { return owner.Priority() == 10 })
	if owner.BasePriority() != 200 {
		t.Fatalf("base priority changed to %d", owner.BasePriority())
	}

	_ = m.Unlock(owner)
	if err := testutil.Result(t, "urgent lock", res); err != nil {
		t.Fatalf("urgent lock: %v", err)
	}
	if p := owner.Priority(); p != 200 {
		t.Fatalf("expected owner back at 200, got %d", p)
	}
}

func TestInheritanceDroppedOnTimeout(t *testing.T) {
	k, clk := testutil.Kernel(t)
	m, _ := New(k)
	owner := testutil.Task(t, "owner", 200)
	urgent := testutil.Task(t, "urgent", 10)
	_ = m.Lock(owner)

	res := make(chan error, 1)
	go func() { res <- m.Take(urgent, 3) }()
	testutil.Eventually(t, "owner to inherit", func() bool { return owner.Priority() == 10 })
	clk.Advance(3)
	if err := testutil.Result(t, "take", res); !rterrors.Is(err, rterrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if p := owner.Priority(); p != 200 {
		t.Fatalf("expected inheritance dropped, priority %d", p)
	}
}

func TestRobustOwnerDeathHandsOff(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewWithOptions(k, Defaults|Robust)
	owner := testutil.Task(t, "owner", 10)
	heir := testutil.Task(t, "heir", 10)
	_ = m.Lock(owner)

	res := make(chan error, 1)
	go func() { res <- m.Lock(heir) }()
	testutil.Eventually(t, "heir to pend", func() bool { return m.Waiters() == 1 })

	owner.Delete()
	if err := testutil.Result(t, "heir lock", res); !rterrors.Is(err, rterrors.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
	if m.Owner() != heir {
		t.Fatalf("expected heir to own the mutex")
	}
	if err := m.MakeConsistent(owner); !rterrors.Is(err, rterrors.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := m.MakeConsistent(heir); err != nil {
		t.Fatalf("make consistent: %v", err)
	}
	_ = m.Unlock(heir)

	next := testutil.Task(t, "next", 10)
	if err := m.Lock(next); err != nil {
		t.Fatalf("expected consistent lock, got %v", err)
	}
}

func TestRobustTryLockAfterDeath(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewWithOptions(k, Defaults|Robust)
	owner := testutil.Task(t, "owner", 10)
	_ = m.Lock(owner)
	owner.Delete()

	if !m.Inconsistent() || m.Owner() != nil {
		t.Fatal("expected free inconsistent mutex")
	}
	b := testutil.Task(t, "b", 10)
	ok, err := m.TryLock(b)
	if !ok || !rterrors.Is(err, rterrors.ErrInconsistent) {
		t.Fatalf("expected ownership with ErrInconsistent, ok %v err %v", ok, err)
	}
}

func TestRobustLockByDeletedTask(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewWithOptions(k, Defaults|Robust)
	gone := testutil.Task(t, "gone", 10)
	gone.Delete()

	if err := m.Lock(gone); !rterrors.Is(err, rterrors.ErrTaskDeleted) {
		t.Fatalf("expected ErrTaskDeleted, got %v", err)
	}
	if ok, err := m.TryLock(gone); ok || !rterrors.Is(err, rterrors.ErrTaskDeleted) {
		t.Fatalf("try lock: expected ErrTaskDeleted, ok %v err %v", ok, err)
	}
	if m.Owner() != nil || m.Inconsistent() {
		t.Fatal("expected a free consistent mutex")
	}
	if m.HandOff(gone, 1) {
		t.Fatal("hand off to a deleted task")
	}
	next := testutil.Task(t, "next", 10)
	if err := m.Lock(next); err != nil {
		t.Fatalf("lock after refused grant: %v", err)
	}
}

func TestMakeConsistentOnPlainMutex(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	_ = m.Lock(a)
	if err := m.MakeConsistent(a); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestNonRobustOwnerDeathKeepsMutexHeld(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	owner := testutil.Task(t, "owner", 10)
	_ = m.Lock(owner)
	owner.Delete()
	if ok, _ := m.TryLock(testutil.Task(t, "b", 10)); ok {
		t.Fatal("non-robust mutex released by owner death")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.Lock(a)

	res := make(chan error, 1)
	go func() { res <- m.Lock(b) }()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := testutil.Result(t, "pended lock", res); !rterrors.Is(err, rterrors.ErrDeleted) {
		t.Fatalf("expected ErrDeleted, got %v", err)
	}
	if err := m.Lock(a); !rterrors.Is(err, rterrors.ErrDeleted) {
		t.Fatalf("lock after close: expected ErrDeleted, got %v", err)
	}
	if err := m.Close(); !rterrors.Is(err, rterrors.ErrDeleted) {
		t.Fatalf("second close: expected ErrDeleted, got %v", err)
	}
}

func TestNamedMutexShared(t *testing.T) {
	k, _ := testutil.Kernel(t)
	ctx := context.Background()

	first, err := Open(ctx, k, "/door", object.Create, Defaults)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := Open(ctx, k, "/door", object.OpenExisting, Defaults)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first.Handle() != second.Handle() {
		t.Fatal("expected one handle for one name")
	}
	if _, err := Open(ctx, k, "/door", object.CreateExclusive, Defaults); !rterrors.Is(err, rterrors.ErrNameExists) {
		t.Fatalf("expected ErrNameExists, got %v", err)
	}
	if _, err := Open(ctx, k, "/missing", object.OpenExisting, Defaults); !rterrors.Is(err, rterrors.ErrNameNotFound) {
		t.Fatalf("expected ErrNameNotFound, got %v", err)
	}

	a := testutil.Task(t, "a", 10)
	_ = first.Lock(a)
	if ok, _ := second.TryLock(testutil.Task(t, "b", 10)); ok {
		t.Fatal("named wrappers do not share state")
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close first: %v", err)
	}
	if err := second.Unlock(a); err != nil {
		t.Fatalf("state destroyed by non-final close: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close second: %v", err)
	}
	if _, err := Open(ctx, k, "/door", object.OpenExisting, Defaults); !rterrors.Is(err, rterrors.ErrNameNotFound) {
		t.Fatalf("expected name gone after last close, got %v", err)
	}
}

func TestLockQuickly(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)

	if err := m.LockQuickly(a); err != nil {
		t.Fatalf("quick lock: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- m.LockQuickly(b) }()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })
	testutil.Blocked(t, "quick lock", done)
	m.GiveQuickly(a)
	if err := testutil.Result(t, "quick lock", done); err != nil {
		t.Fatalf("quick lock: %v", err)
	}
	m.GiveQuickly(b)
	if m.Owner() != nil {
		t.Fatal("expected free mutex")
	}
}

func TestLockQuicklyReportsClose(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.LockQuickly(a)

	res := make(chan error, 1)
	go func() { res <- m.LockQuickly(b) }()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })
	_ = m.Close()
	if err := testutil.Result(t, "quick lock", res); !rterrors.Is(err, rterrors.ErrDeleted) {
		t.Fatalf("expected ErrDeleted, got %v", err)
	}
	if m.Owner() == b {
		t.Fatal("closed mutex granted to the quick waiter")
	}
	if err := m.LockQuickly(a); !rterrors.Is(err, rterrors.ErrDeleted) {
		t.Fatalf("quick lock after close: expected ErrDeleted, got %v", err)
	}
}

func TestLockQuicklyPendedTaskDeleted(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.LockQuickly(a)

	res := make(chan error, 1)
	go func() { res <- m.LockQuickly(b) }()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })
	b.Delete()
	if err := testutil.Result(t, "quick lock", res); !rterrors.Is(err, rterrors.ErrTaskDeleted) {
		t.Fatalf("expected ErrTaskDeleted, got %v", err)
	}
	m.GiveQuickly(a)
	if m.Owner() != nil {
		t.Fatal("mutex granted to a deleted task")
	}
}

func TestLockQuicklyPanicsOnRecursive(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewRecursive(k)
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !rterrors.Is(err, rterrors.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument panic, got %v", r)
		}
	}()
	m.LockQuickly(testutil.Task(t, "a", 10))
}

func TestInterruptibleLock(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewWithOptions(k, Defaults|Interruptible)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.Lock(a)

	res := make(chan error, 1)
	go func() { res <- m.Lock(b) }()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })
	b.Signal()
	if err := testutil.Result(t, "lock", res); !rterrors.Is(err, rterrors.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if m.Waiters() != 0 {
		t.Fatal("interrupted waiter left queued")
	}
}

func TestPendingTaskDeleted(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	a := testutil.Task(t, "a", 10)
	b := testutil.Task(t, "b", 10)
	_ = m.Lock(a)

	res := make(chan error, 1)
	go func() { res <- m.Lock(b) }()
	testutil.Eventually(t, "b to pend", func() bool { return m.Waiters() == 1 })
	b.Delete()
	if err := testutil.Result(t, "lock", res); !rterrors.Is(err, rterrors.ErrTaskDeleted) {
		t.Fatalf("expected ErrTaskDeleted, got %v", err)
	}
	_ = m.Unlock(a)
	if m.Owner() != nil {
		t.Fatal("mutex granted to a deleted task")
	}
}

func TestDeleteSafeDefersDeletion(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := NewWithOptions(k, Defaults|DeleteSafe)
	a := testutil.Task(t, "a", 10)
	_ = m.Lock(a)

	a.Delete()
	if a.Deleted() {
		t.Fatal("owner deleted while holding a delete-safe mutex")
	}
	if err := m.Unlock(a); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !a.Deleted() {
		t.Fatal("deferred deletion did not run on release")
	}
}

func TestDeletionWakeup(t *testing.T) {
	k, _ := testutil.Kernel(t)
	guard, _ := NewWithOptions(k, Defaults|DeleteSafe)
	m, _ := NewWithOptions(k, Defaults|DeletionWakeup)
	a := testutil.Task(t, "a", 10)
	holder := testutil.Task(t, "holder", 10)
	_ = guard.Lock(a)
	_ = m.Lock(holder)

	res := make(chan error, 1)
	go func() { res <- m.Lock(a) }()
	testutil.Eventually(t, "a to pend", func() bool { return m.Waiters() == 1 })
	a.Delete()
	if err := testutil.Result(t, "lock", res); !rterrors.Is(err, rterrors.ErrDeletionPending) {
		t.Fatalf("expected ErrDeletionPending, got %v", err)
	}
	_ = guard.Unlock(a)
	if !a.Deleted() {
		t.Fatal("deletion not carried out after release")
	}
}

func TestMutualExclusionUnderContention(t *testing.T) {
	k, _ := testutil.Kernel(t)
	m, _ := New(k)
	const workers, rounds = 8, 200
	counter := 0
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		tk := testutil.Task(t, "worker", 10+i)
		g.Go(func() error {
			for j := 0; j < rounds; j++ {
				if err := m.Lock(tk); err != nil {
					return err
				}
				counter++
				if err := m.Unlock(tk); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if counter != workers*rounds {
		t.Fatalf("expected %d, got %d", workers*rounds, counter)
	}
}
