// Package memory implements broker.Channel inside a single process.
//
// It is used by tests and by the saga simulator. Messages are not durable
// across restarts.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/broker"
)

var _ broker.Channel = (*Channel)(nil)

type envelope struct {
	msg        broker.Message
	deliveries int
}

type queue struct {
	mu        sync.Mutex
	ready     []envelope
	notify    chan struct{}
	consuming bool
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) push(e envelope) {
	q.mu.Lock()
	q.ready = append(q.ready, e)
	q.mu.Unlock()
	q.signal()
}

// pushFront puts a rejected message back at the head so it is redelivered next.
func (q *queue) pushFront(e envelope) {
	q.mu.Lock()
	q.ready = slices.Insert(q.ready, 0, e)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) pop(ctx context.Context) (envelope, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			e := q.ready[0]
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Channel is an in-process broker with per-queue FIFO ordering.
type Channel struct {
	lg *zap.Logger

	mu     sync.Mutex
	queues map[string]*queue
	closed bool

	// publishErr, when set, is returned by Publish. Used to simulate an
	// unreachable broker.
	publishErr error
}

// NewChannel creates an empty in-memory channel.
func NewChannel(lg *zap.Logger) *Channel {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Channel{
		lg:     lg,
		queues: make(map[string]*queue),
	}
}

func (c *Channel) queue(name string) (*queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, broker.ErrClosed
	}
	q, ok := c.queues[name]
	if !ok {
		q = newQueue()
		c.queues[name] = q
	}
	return q, nil
}

// FailPublishes makes every subsequent Publish return err. Pass nil to restore.
func (c *Channel) FailPublishes(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// Publish appends msg to the named queue.
func (c *Channel) Publish(ctx context.Context, queue string, msg broker.Message) error {
	if queue == "" {
		return broker.ErrEmptyQueueName
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	failure := c.publishErr
	c.mu.Unlock()
	if failure != nil {
		return errors.Wrapf(failure, "publish to %s", queue)
	}

	q, err := c.queue(queue)
	if err != nil {
		return err
	}
	body := slices.Clone(msg.Body)
	q.push(envelope{msg: broker.Message{ID: msg.ID, Body: body}})
	return nil
}

// Consume delivers messages from queue to handler one at a time until ctx is
// cancelled. A delivery the handler leaves unsettled is requeued.
func (c *Channel) Consume(ctx context.Context, queue string, handler broker.Handler) error {
	if queue == "" {
		return broker.ErrEmptyQueueName
	}
	q, err := c.queue(queue)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.consuming {
		q.mu.Unlock()
		return errors.Wrap(broker.ErrAlreadyConsuming, queue)
	}
	q.consuming = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.consuming = false
		q.mu.Unlock()
	}()

	for {
		e, err := q.pop(ctx)
		if err != nil {
			return nil
		}
		e.deliveries++

		d := &delivery{q: q, env: e}
		handler(ctx, d)

		if !d.isSettled() {
			c.lg.Warn("Delivery left unsettled, requeueing",
				zap.String("queue", queue),
				zap.String("message_id", e.msg.ID),
			)
			_ = d.Reject(true)
		}
	}
}

// Len returns the number of messages waiting in queue, excluding one in flight.
func (c *Channel) Len(queue string) int {
	q, err := c.queue(queue)
	if err != nil {
		return 0
	}
	return q.len()
}

// Ping fails only after Close.
func (c *Channel) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.ErrClosed
	}
	return nil
}

// Close stops accepting publishes. Consumers exit when their context ends.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type delivery struct {
	q   *queue
	env envelope

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Body() []byte      { return d.env.msg.Body }
func (d *delivery) MessageID() string { return d.env.msg.ID }
func (d *delivery) Redelivered() bool { return d.env.deliveries > 1 }

func (d *delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return broker.ErrAlreadySettled
	}
	d.settled = true
	return nil
}

func (d *delivery) isSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *delivery) Ack() error {
	return d.settle()
}

func (d *delivery) Reject(requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}
	if requeue {
		d.q.pushFront(d.env)
	}
	return nil
}
