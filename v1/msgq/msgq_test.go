package msgq

import (
	"context"
	"testing"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/event"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/testutil"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

type received struct {
	n   int
	buf []byte
	err error
}

func drain(t *testing.T, q *MsgQ) []string {
	t.Helper()
	var out []string
	buf := make([]byte, q.MaxMsgLen())
	for !q.Empty() {
		n, err := q.Poll(nil, buf)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		out = append(out, string(buf[:n]))
	}
	return out
}

func sameOrder(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestFIFOOrder(t *testing.T) {
	k, _ := testutil.Kernel(t)
	q, err := New(k, 8, 16, QFIFO)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, m := range []string{"A", "B", "C"} {
		if err := q.Send(nil, []byte(m), tick.NoWait, PriNormal); err != nil {
			t.Fatalf("send %s: %v", m, err)
		}
	}
	if q.NumMsgs() != 3 {
		t.Fatalf("expected 3 messages, got %d", q.NumMsgs())
	}
	if got := drain(t, q); !sameOrder(got, "A", "B", "C") {
		t.Fatalf("expected A B C, got %v", got)
	}
}

func TestUrgentJumpsTheQueue(t *testing.T) {
	k, _ := testutil.Kernel(t)
	q, _ := New(k, 8, 16, QFIFO)
	for _, m := range []string{"A", "B", "C"} {
		_ = q.Send(nil, []byte(m), tick.NoWait, PriNormal)
	}
	_ = q.Send(nil, []byte("U"), tick.NoWait, PriUrgent)
	if got := drain(t, q); !sameOrder(got, "U", "A", "B", "C") {
		t.Fatalf("expected U A B C, got %v", got)
	}
}

func TestInvalidArguments(t *testing.T) {
	k, _ := testutil.Kernel(t)
	if _, err := New(k, 0, 8, QFIFO); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("zero capacity: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := New(nil, 1, 8, QFIFO); !rterrors.Is(err, rterrors.ErrCreationFailed) {
		t.Fatalf("nil kernel: expected ErrCreationFailed, got %v", err)
	}
	q, _ := New(k, 1, 4, QFIFO)
	if err := q.Send(nil, []byte("toolong"), tick.NoWait, PriNormal); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("oversized record: expected ErrInvalidArgument, got %v", err)
	}
	if err := q.Send(nil, []byte("x"), tick.NoWait, Priority(7)); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("bad priority: expected ErrInvalidArgument, got %v", err)
	}
	_ = q.Send(nil, []byte("x"), tick.NoWait, PriNormal)
	if err := q.Send(nil, []byte("y"), tick.WaitForever, PriNormal); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("blocking send without a task: expected ErrInvalidArgument, got %v", err)
	}
}

func TestReceiveTruncates(t *testing.T) {
	k, _ := testutil.Kernel(t)
	q, _ := New(k, 2, 16, QFIFO)
	_ = q.Send(nil, []byte("truncated"), tick.NoWait, PriNormal)
	buf := make([]byte, 5)
	n, err := q.Poll(nil, buf)
	if err != nil || n != 5 || string(buf) != "trunc" {
		t.Fatalf("expected 5 bytes %q, got %d %q err %v", "trunc", n, buf[:n], err)
	}
	if !q.Empty() {
		t.Fatal("truncated record left in the queue")
	}
}

func TestEmptyQueue(t *testing.T) {
	k, clk := testutil.Kernel(t)
	q, _ := New(k, 2, 16, QFIFO)
	tk := testutil.Task(t, "rx", 10)
	buf := make([]byte, 16)

	if _, err := q.Poll(tk, buf); !rterrors.Is(err, rterrors.ErrWouldBlock) {
		t.Fatalf("poll: expected ErrWouldBlock, got %v", err)
	}
	res := make(chan received, 1)
	go func() {
		n, err := q.ReceiveFor(tk, buf, 30*time.Millisecond)
		res <- received{n: n, err: err}
	}()
	testutil.Eventually(t, "receiver to pend", func() bool { return q.Receivers() == 1 })
	clk.Advance(3)
	if got := testutil.Result(t, "receive", res); !rterrors.Is(got.err, rterrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", got.err)
	}
	if q.Receivers() != 0 {
		t.Fatal("timed out receiver still queued")
	}
}

func TestSendHandsToPendedReceiver(t *testing.T) {
	k, _ := testutil.Kernel(t)
	q, _ := New(k, 2, 16, QFIFO)
	tk := testutil.Task(t, "rx", 10)

	res := make(chan received, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := q.Receive(tk, buf, tick.WaitForever)
		res <- received{n: n, buf: buf[:n], err: err}
	}()
	testutil.Eventually(t, "receiver to pend", func() bool { return q.Receivers() == 1 })
	_ = q.Send(nil, []byte("hello"), tick.NoWait, PriNormal)
	got := testutil.Result(t, "receive", res)
	if got.err != nil || string(got.buf) != "hello" {
		t.Fatalf("expected hello, got %+v", got)
	}
	if !q.Empty() {
		t.Fatal("handed record also queued")
	}
}

func TestFullQueueBlocksSender(t *testing.T) {
	k, clk := testutil.Kernel(t)
	q, _ := New(k, 1, 16, QFIFO)
	tk := testutil.Task(t, "tx", 10)
	_ = q.Send(tk, []byte("first"), tick.NoWait, PriNormal)

	if err := q.Send(tk, []byte("x"), tick.NoWait, PriNormal); !rterrors.Is(err, rterrors.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}

	timedOut := make(chan error, 1)
	go func() { timedOut <- q.Send(tk, []byte("late"), 2, PriNormal) }()
	testutil.Eventually(t, "sender to pend", func() bool { return q.Senders() == 1 })
	clk.Advance(2)
	if err := testutil.Result(t, "send", timedOut); !rterrors.Is(err, rterrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	sent := make(chan error, 1)
	go func() { sent <- q.Send(tk, []byte("second"), tick.WaitForever, PriNormal) }()
	testutil.Eventually(t, "sender to pend", func() bool { return q.Senders() == 1 })
	testutil.Blocked(t, "send", sent)
	if got := drain(t, q); !sameOrder(got, "first", "second") {
		t.Fatalf("expected first second, got %v", got)
	}
	if err := testutil.Result(t, "send", sent); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestEventsOnArrival(t *testing.T) {
	k, _ := testutil.Kernel(t)
	q, _ := New(k, 4, 16, QFIFO)
	d := event.New(k)
	owner := testutil.Task(t, "owner", 10)
	other := testutil.Task(t, "other", 10)

	if err := q.EventStart(owner, event.Ev02, true); err != nil {
		t.Fatalf("event start: %v", err)
	}
	if err := q.EventStart(other, event.Ev03, false); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("second registrant: expected ErrInvalidArgument, got %v", err)
	}
	_ = q.Send(nil, []byte("a"), tick.NoWait, PriNormal)
	if got, err := d.Poll(owner, event.Ev02, event.WaitAll); err != nil || got != event.Ev02 {
		t.Fatalf("expected Ev02, got %v err %v", got, err)
	}
	_ = q.Send(nil, []byte("b"), tick.NoWait, PriNormal)
	if d.Fetch(owner) != 0 {
		t.Fatal("single-shot registration fired twice")
	}
	if err := q.EventStop(); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("stop without registration: expected ErrInvalidArgument, got %v", err)
	}

	_ = q.EventStart(other, event.Ev03, false)
	_ = q.Send(nil, []byte("c"), tick.NoWait, PriNormal)
	_ = q.Send(nil, []byte("d"), tick.NoWait, PriNormal)
	if d.Fetch(other) != event.Ev03 {
		t.Fatalf("expected Ev03, got %v", d.Fetch(other))
	}
	if err := q.EventStop(); err != nil {
		t.Fatalf("event stop: %v", err)
	}
}

func TestCloseReleasesPended(t *testing.T) {
	k, _ := testutil.Kernel(t)
	q, _ := New(k, 1, 16, QFIFO)
	tk := testutil.Task(t, "rx", 10)
	res := make(chan received, 1)
	go func() {
		n, err := q.Receive(tk, make([]byte, 16), tick.WaitForever)
		res <- received{n: n, err: err}
	}()
	testutil.Eventually(t, "receiver to pend", func() bool { return q.Receivers() == 1 })
	_ = q.Close()
	if got := testutil.Result(t, "receive", res); !rterrors.Is(got.err, rterrors.ErrDeleted) {
		t.Fatalf("expected ErrDeleted, got %v", got.err)
	}
	if err := q.Send(nil, []byte("x"), tick.NoWait, PriNormal); !rterrors.Is(err, rterrors.ErrDeleted) {
		t.Fatalf("send after close: expected ErrDeleted, got %v", err)
	}
}

func TestNamedQueueShared(t *testing.T) {
	k, _ := testutil.Kernel(t)
	ctx := context.Background()
	a, err := Open(ctx, k, "/jobs", object.Create, 4, 16, QFIFO)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := Open(ctx, k, "/jobs", object.OpenExisting, 0, 0, QFIFO)
	if err != nil {
		t.Fatalf("open existing: %v", err)
	}
	_ = a.Send(nil, []byte("job"), tick.NoWait, PriNormal)
	if b.NumMsgs() != 1 || b.MaxMsgLen() != 16 {
		t.Fatalf("second handle sees %d messages, max len %d", b.NumMsgs(), b.MaxMsgLen())
	}
	_ = a.Close()
	_ = b.Close()
}

type job struct {
	ID   int
	Name string
}

func TestTypedQueue(t *testing.T) {
	k, _ := testutil.Kernel(t)
	for name, codec := range map[string]Codec{"gob": GobCodec{}, "json": JSONCodec{}} {
		t.Run(name, func(t *testing.T) {
			q, err := NewQueue[job](k, 4, 256, QFIFO, WithCodec(codec))
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer q.Close()
			tk := testutil.Task(t, "worker", 10)
			_ = q.Push(tk, job{ID: 1, Name: "build"})
			_ = q.Send(tk, job{ID: 2, Name: "deploy"}, tick.NoWait, PriUrgent)
			if q.Len() != 2 {
				t.Fatalf("expected 2 messages, got %d", q.Len())
			}
			first, err := q.Poll(tk)
			if err != nil || first.ID != 2 {
				t.Fatalf("expected urgent job first, got %+v err %v", first, err)
			}
			second, _ := q.Poll(tk)
			if second != (job{ID: 1, Name: "build"}) {
				t.Fatalf("unexpected job %+v", second)
			}
			if _, err := q.Poll(tk); !rterrors.Is(err, rterrors.ErrWouldBlock) {
				t.Fatalf("expected ErrWouldBlock, got %v", err)
			}
		})
	}
}

func TestByteCodecRejectsOtherTypes(t *testing.T) {
	if _, err := (ByteCodec{}).Marshal(42); !rterrors.Is(err, rterrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	var out []byte
	if err := (ByteCodec{}).Unmarshal([]byte("raw"), &out); err != nil || string(out) != "raw" {
		t.Fatalf("unmarshal: %q err %v", out, err)
	}
}
