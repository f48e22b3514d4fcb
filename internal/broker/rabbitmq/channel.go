// Package rabbitmq implements broker.Channel on top of RabbitMQ.
//
// Queues are declared durable and messages are published persistent with
// publisher confirms. Consumers use manual acknowledgement with prefetch 1.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/broker"
)

var _ broker.Channel = (*Channel)(nil)

// Options configures a Channel.
type Options struct {
	// DialAttempts bounds connection attempts in Dial. RabbitMQ is often
	// still starting when the services come up.
	DialAttempts int
	// RetryDelay is the pause between dial attempts and consumer restarts.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

func (o *Options) setDefaults() {
	if o.DialAttempts <= 0 {
		o.DialAttempts = 10
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Channel is a RabbitMQ-backed broker.Channel. Publishes share one confirm
// channel; each Consume call opens its own AMQP channel.
type Channel struct {
	url  string
	opts Options
	lg   *zap.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	pub       *amqp.Channel
	declared  map[string]struct{}
	consuming map[string]struct{}
	closed    bool
}

// Dial connects to the broker at url, retrying while it is unreachable.
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	opts.setDefaults()
	c := &Channel{
		url:       url,
		opts:      opts,
		lg:        opts.Logger,
		declared:  make(map[string]struct{}),
		consuming: make(map[string]struct{}),
	}

	var lastErr error
	for attempt := 1; attempt <= opts.DialAttempts; attempt++ {
		c.mu.Lock()
		_, lastErr = c.connection()
		c.mu.Unlock()
		if lastErr == nil {
			return c, nil
		}
		c.lg.Warn("RabbitMQ unreachable, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", opts.DialAttempts),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}
	return nil, errors.Wrap(lastErr, "dial rabbitmq")
}

// connection returns a live connection, redialing if the previous one dropped.
// Caller must hold c.mu.
func (c *Channel) connection() (*amqp.Connection, error) {
	if c.closed {
		return nil, broker.ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.pub = nil
	c.declared = make(map[string]struct{})
	return conn, nil
}

// publisher returns the shared confirm-mode channel. Caller must hold c.mu.
func (c *Channel) publisher() (*amqp.Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	if c.pub != nil && !c.pub.IsClosed() {
		return c.pub, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "enable confirms")
	}
	c.pub = ch
	c.declared = make(map[string]struct{})
	return ch, nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.Wrapf(err, "declare queue %s", queue)
	}
	return nil
}

// Publish sends msg to queue and waits for the broker to confirm it.
func (c *Channel) Publish(ctx context.Context, queue string, msg broker.Message) error {
	if queue == "" {
		return broker.ErrEmptyQueueName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.publisher()
	if err != nil {
		return broker.Transient(err)
	}
	if _, ok := c.declared[queue]; !ok {
		if err := declare(ch, queue); err != nil {
			return broker.Transient(err)
		}
		c.declared[queue] = struct{}{}
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    msg.ID,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         msg.Body,
		},
	)
	if err != nil {
		return broker.Transient(errors.Wrapf(err, "publish to %s", queue))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return broker.Transient(errors.Wrapf(err, "confirm publish to %s", queue))
	}
	if !acked {
		return broker.Transient(errors.Errorf("broker nacked publish to %s", queue))
	}

	c.lg.Debug("Published",
		zap.String("queue", queue),
		zap.String("message_id", msg.ID),
	)
	return nil
}

// Consume delivers messages from queue until ctx is cancelled, reopening the
// subscription when the connection drops.
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

	for {
		err := c.consume(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, broker.ErrConnectionDropped) {
			return err
		}
		c.lg.Warn("Subscription lost, resubscribing",
			zap.String("queue", queue),
			zap.Duration("retry_in", c.opts.RetryDelay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.RetryDelay):
		}
	}
}

func (c *Channel) consume(ctx context.Context, queue string, handler broker.Handler) error {
	c.mu.Lock()
	conn, err := c.connection()
	c.mu.Unlock()
	if err != nil {
		if errors.Is(err, broker.ErrClosed) {
			return err
		}
		return errors.Wrap(broker.ErrConnectionDropped, err.Error())
	}

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(broker.ErrConnectionDropped, err.Error())
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(1, 0, false); err != nil {
		return subscribeError(conn.IsClosed(), errors.Wrap(err, "set qos"))
	}
	if err := declare(ch, queue); err != nil {
		return subscribeError(conn.IsClosed(), err)
	}
	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return subscribeError(conn.IsClosed(), errors.Wrapf(err, "consume %s", queue))
	}

	c.lg.Info("Subscribed", zap.String("queue", queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return broker.ErrConnectionDropped
			}
			dl := &delivery{d: d}
			handler(ctx, dl)
			if !dl.isSettled() {
				c.lg.Warn("Delivery left unsettled, requeueing",
					zap.String("queue", queue),
					zap.String("message_id", d.MessageId),
				)
				_ = dl.Reject(true)
			}
		}
	}
}

// subscribeError marks err as a dropped connection when the connection is
// gone or the broker reports the channel closed. Other errors, such as a
// queue declared with different arguments, stay fatal.
func subscribeError(connClosed bool, err error) error {
	if connClosed || errors.Is(err, amqp.ErrClosed) {
		return errors.Wrap(broker.ErrConnectionDropped, err.Error())
	}
	return err
}

// Ping reports whether the broker is reachable, redialing a dropped
// connection.
func (c *Channel) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connection()
	return err
}

// Close closes the underlying connection. Unacknowledged deliveries are
// returned to their queues by the broker.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type delivery struct {
	d amqp.Delivery

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) MessageID() string { return d.d.MessageId }
func (d *delivery) Redelivered() bool { return d.d.Redelivered }

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
	return d.d.Ack(false)
}

func (d *delivery) Reject(requeue bool) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.d.Nack(false, requeue)
}
