// Package redis implements broker.Channel with Redis lists.
//
// A queue is a list. Consumers atomically move the oldest element into a
// per-queue processing list with BLMOVE and remove it from there on
// acknowledgement, so a consumer that dies mid-message leaves the element
// recoverable.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/broker"
)

var _ broker.Channel = (*Channel)(nil)

const processingSuffix = ":processing"

// Options configures a Channel.
type Options struct {
	// PollTimeout bounds a single BLMOVE call, which also bounds how long
	// Consume takes to notice cancellation.
	PollTimeout time.Duration
	// RetryDelay is the pause before Consume retries after a Redis error.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Channel is a Redis-backed broker.Channel.
type Channel struct {
	rdb         *goredis.Client
	lg          *zap.Logger
	pollTimeout time.Duration
	retryDelay  time.Duration

	mu        sync.Mutex
	consuming map[string]struct{}
}

// New wraps an existing client. The caller keeps ownership of rdb only if it
// does not call Close.
func New(rdb *goredis.Client, opts Options) *Channel {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		rdb:         rdb,
		lg:          opts.Logger,
		pollTimeout: opts.PollTimeout,
		retryDelay:  opts.RetryDelay,
		consuming:   make(map[string]struct{}),
	}
}

// Connect creates a client for addr and verifies it with PING.
func Connect(ctx context.Context, addr string, opts Options) (*Channel, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return New(rdb, opts), nil
}

// envelope is the list element: {"id":"...","attempt":N,"body":"<base64>"}.
type envelope struct {
	ID      string
	Attempt int
	Body    []byte
}

func (e envelope) encode() string {
	var w jx.Encoder
	w.Obj(func(w *jx.Encoder) {
		w.Field("id", func(w *jx.Encoder) { w.Str(e.ID) })
		w.Field("attempt", func(w *jx.Encoder) { w.Int(e.Attempt) })
		w.Field("body", func(w *jx.Encoder) { w.Base64(e.Body) })
	})
	return w.String()
}

func decodeEnvelope(raw string) (envelope, error) {
	var e envelope
	err := jx.DecodeStr(raw).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			e.ID, err = d.Str()
		case "attempt":
			e.Attempt, err = d.Int()
		case "body":
			e.Body, err = d.Base64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return envelope{}, errors.Wrap(err, "decode envelope")
	}
	return e, nil
}

// Publish pushes msg onto the head of the queue list.
func (c *Channel) Publish(ctx context.Context, queue string, msg broker.Message) error {
	if queue == "" {
		return broker.ErrEmptyQueueName
	}
	raw := envelope{ID: msg.ID, Attempt: 1, Body: msg.Body}.encode()
	if err := c.rdb.LPush(ctx, queue, raw).Err(); err != nil {
		return broker.Transient(errors.Wrapf(err, "lpush %s", queue))
	}
	return nil
}

// Consume delivers messages from queue until ctx is cancelled. Elements left
// in the processing list by an earlier consumer are returned to the queue
// first. Redis errors are retried after RetryDelay; only a closed client ends
// Consume with an error.
func (c *Channel) Consume(ctx context.Context, queue string, handler broker.Handler) error {
	if queue == "" {
		return broker.ErrEmptyQueueName
	}

	c.mu.Lock()
	if _, ok := c.consuming[queue]; ok {
		c.mu.Unlock()
		return errors.Wrap(broker.ErrAlreadyConsuming, queue)
	}
	c.consuming[queue] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.consuming, queue)
		c.mu.Unlock()
	}()

	processing := queue + processingSuffix
	for {
		err := c.recover(ctx, queue, processing)
		if err == nil {
			break
		}
		if !c.pause(ctx, queue, err) {
			return c.stopErr(ctx, err)
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := c.rdb.BLMove(ctx, queue, processing, "RIGHT", "LEFT", c.pollTimeout).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			err = errors.Wrapf(err, "blmove %s", queue)
			if !c.pause(ctx, queue, err) {
				return c.stopErr(ctx, err)
			}
			continue
		}

		env, err := decodeEnvelope(raw)
		if err != nil {
			c.lg.Warn("Dropping undecodable element",
				zap.String("queue", queue),
				zap.Error(err),
			)
			_ = c.rdb.LRem(ctx, processing, 1, raw).Err()
			continue
		}

		d := &delivery{c: c, queue: queue, processing: processing, raw: raw, env: env}
		handler(ctx, d)
		if !d.isSettled() {
			c.lg.Warn("Delivery left unsettled, requeueing",
				zap.String("queue", queue),
				zap.String("message_id", env.ID),
			)
			if err := d.Reject(true); err != nil {
				// The element stays in the processing list until the next Consume recovers it.
				c.lg.Warn("Requeue unsettled delivery failed",
					zap.String("queue", queue),
					zap.Error(err),
				)
			}
		}
	}
}

// pause logs err and waits retryDelay. It reports false when Consume must
// stop instead: ctx is done or the client was closed.
func (c *Channel) pause(ctx context.Context, queue string, err error) bool {
	if ctx.Err() != nil || errors.Is(err, goredis.ErrClosed) {
		return false
	}
	c.lg.Warn("Redis unavailable, retrying",
		zap.String("queue", queue),
		zap.Duration("retry_in", c.retryDelay),
		zap.Error(err),
	)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

// stopErr is the error Consume returns once pause gave up.
func (c *Channel) stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// recover moves every element of processing back to the consuming end of queue.
func (c *Channel) recover(ctx context.Context, queue, processing string) error {
	leftovers, err := c.rdb.LRange(ctx, processing, 0, -1).Result()
	if err != nil {
		return errors.Wrapf(err, "lrange %s", processing)
	}
	for _, raw := range leftovers {
		env, err := decodeEnvelope(raw)
		if err != nil {
			_ = c.rdb.LRem(ctx, processing, 1, raw).Err()
			continue
		}
		env.Attempt++
		if err := c.move(ctx, processing, queue, raw, env.encode()); err != nil {
			return err
		}
	}
	if len(leftovers) > 0 {
		c.lg.Info("Recovered in-flight messages",
			zap.String("queue", queue),
			zap.Int("count", len(leftovers)),
		)
	}
	return nil
}

// move removes raw from src and pushes next onto the consuming end of dst.
func (c *Channel) move(ctx context.Context, src, dst, raw, next string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, src, 1, raw)
		pipe.RPush(ctx, dst, next)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "move %s to %s", src, dst)
	}
	return nil
}

// Ping sends PING to the server.
func (c *Channel) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (c *Channel) Close() error {
	return c.rdb.Close()
}

type delivery struct {
	c          *Channel
	queue      string
	processing string
	raw        string
	env        envelope

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Body() []byte      { return d.env.Body }
func (d *delivery) MessageID() string { return d.env.ID }
func (d *delivery) Redelivered() bool { return d.env.Attempt > 1 }

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
	if err := d.settle(); err != nil {
		return err
	}
	return d.c.rdb.LRem(context.Background(), d.processing, 1, d.raw).Err()
}

func (d *delivery) Reject(requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}
	ctx := context.Background()
	if !requeue {
		return d.c.rdb.LRem(ctx, d.processing, 1, d.raw).Err()
	}
	next := d.env
	next.Attempt++
	return d.c.move(ctx, d.processing, d.queue, d.raw, next.encode())
}
