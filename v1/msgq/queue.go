package msgq

import (
	"context"
	"time"

	rterrors "github.com/mirkobrombin/go-rtsync/v1/errors"
	"github.com/mirkobrombin/go-rtsync/v1/kernel"
	"github.com/mirkobrombin/go-rtsync/v1/object"
	"github.com/mirkobrombin/go-rtsync/v1/task"
	"github.com/mirkobrombin/go-rtsync/v1/tick"
)

// Queue is a bounded queue of M values, encoded into the records of an
// underlying MsgQ.
type Queue[M any] struct {
	*MsgQ
	codec Codec
}

// QueueOption configures a Queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	codec Codec
}

// WithCodec replaces the default GobCodec.
func WithCodec(c Codec) QueueOption {
	return func(cfg *queueConfig) {
		if c != nil {
			cfg.codec = c
		}
	}
}

func newQueueConfig(opts []QueueOption) queueConfig {
	cfg := queueConfig{codec: GobCodec{}}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// NewQueue creates an unnamed typed queue. maxMsgLen bounds the encoded
// size of one message.
func NewQueue[M any](k *kernel.Kernel, maxMsgs, maxMsgLen int, opts Options, qopts ...QueueOption) (*Queue[M], error) {
	q, err := New(k, maxMsgs, maxMsgLen, opts)
	if err != nil {
		return nil, err
	}
	return &Queue[M]{MsgQ: q, codec: newQueueConfig(qopts).codec}, nil
}

// OpenQueue resolves a named typed queue. Every opener must agree on M and
// the codec.
func OpenQueue[M any](ctx context.Context, k *kernel.Kernel, name string, mode object.Mode, maxMsgs, maxMsgLen int, opts Options, qopts ...QueueOption) (*Queue[M], error) {
	q, err := Open(ctx, k, name, mode, maxMsgs, maxMsgLen, opts)
	if err != nil {
		return nil, err
	}
	return &Queue[M]{MsgQ: q, codec: newQueueConfig(qopts).codec}, nil
}

// Push sends m with normal priority, waiting as long as needed.
func (q *Queue[M]) Push(t *task.Task, m M) error {
	return q.Send(t, m, tick.WaitForever, PriNormal)
}

// Send encodes m and queues it, pending up to timeout ticks while full.
func (q *Queue[M]) Send(t *task.Task, m M, timeout tick.Ticks, pri Priority) error {
	rec, err := q.codec.Marshal(m)
	if err != nil {
		return q.Err("send", err)
	}
	return q.MsgQ.Send(t, rec, timeout, pri)
}

// SendFor is Send bounded by a duration.
func (q *Queue[M]) SendFor(t *task.Task, m M, d time.Duration, pri Priority) error {
	return q.Send(t, m, tick.FromDuration(d, q.c.k.Clock().Rate()), pri)
}

// Receive takes the head message, pending up to timeout ticks while empty.
func (q *Queue[M]) Receive(t *task.Task, timeout tick.Ticks) (M, error) {
	var m M
	buf := make([]byte, q.MaxMsgLen())
	n, err := q.MsgQ.Receive(t, buf, timeout)
	if err != nil {
		return m, err
	}
	if err := q.codec.Unmarshal(buf[:n], &m); err != nil {
		return m, q.Err("receive", rterrors.ErrInvalidArgument)
	}
	return m, nil
}

// ReceiveFor is Receive bounded by a duration.
func (q *Queue[M]) ReceiveFor(t *task.Task, d time.Duration) (M, error) {
	return q.Receive(t, tick.FromDuration(d, q.c.k.Clock().Rate()))
}

// Poll is Receive without waiting.
func (q *Queue[M]) Poll(t *task.Task) (M, error) {
	return q.Receive(t, tick.NoWait)
}

// Len returns the number of queued messages.
func (q *Queue[M]) Len() int { return q.NumMsgs() }
