package inbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/broker"
)

// Decision is how a delivery is settled.
type Decision int

const (
	Ack Decision = iota + 1
	Requeue
	Drop
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Decide maps a Consume result to a settlement: acknowledge on success and
// duplicates, requeue errors marked broker.Transient, drop everything else.
func Decide(err error) Decision {
	switch {
	case err == nil:
		return Ack
	case broker.IsTransient(err):
		return Requeue
	default:
		return Drop
	}
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// ReplayPending runs Deduplicator.ReplayPending before subscribing.
	ReplayPending bool
	// RequeueDelay holds a transiently failed delivery before it is
	// requeued, so a failure that persists is retried at that pace.
	// Defaults to 1s.
	RequeueDelay   time.Duration
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Consumer subscribes a Deduplicator to one queue.
type Consumer struct {
	ch     broker.Channel
	queue  string
	dedup  *Deduplicator
	lg     *zap.Logger
	tracer trace.Tracer
	replay bool
	delay  time.Duration
}

// NewConsumer creates a Consumer for queue.
func NewConsumer(ch broker.Channel, queue string, dedup *Deduplicator, opts ConsumerOptions) *Consumer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = time.Second
	}
	return &Consumer{
		ch:     ch,
		queue:  queue,
		dedup:  dedup,
		lg:     opts.Logger.With(zap.String("queue", queue)),
		tracer: opts.TracerProvider.Tracer("saga.inbox"),
		replay: opts.ReplayPending,
		delay:  opts.RequeueDelay,
	}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = zctx.Base(ctx, c.lg)

	if c.replay {
		if _, err := c.dedup.ReplayPending(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "replay pending")
		}
	}

	c.lg.Info("Consuming")
	defer c.lg.Info("Consumer stopped")
	return c.ch.Consume(ctx, c.queue, c.handle)
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) {
	lg := c.lg.With(
		zap.String("message_id", d.MessageID()),
		zap.Bool("redelivered", d.Redelivered()),
	)
	ctx = zctx.Base(ctx, lg)
	ctx, span := c.tracer.Start(ctx, "inbox.consume", trace.WithAttributes(
		attribute.String("messaging.destination", c.queue),
		attribute.String("messaging.message_id", d.MessageID()),
	))
	defer span.End()

	outcome, err := c.dedup.Consume(ctx, d.Body())
	decision := Decide(err)
	span.SetAttributes(attribute.Stringer("inbox.decision", decision))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, decision.String())
	}

	var settleErr error
	switch decision {
	case Ack:
		lg.Debug("Message settled", zap.Stringer("outcome", outcome))
		settleErr = d.Ack()
	case Requeue:
		lg.Warn("Transient failure, requeueing",
			zap.Duration("retry_in", c.delay),
			zap.Error(err),
		)
		// Shutdown cuts the wait short; the message is requeued either way.
		select {
		case <-ctx.Done():
		case <-time.After(c.delay):
		}
		settleErr = d.Reject(true)
	default:
		lg.Warn("Permanent failure, dropping message",
			zap.Error(err),
			zap.ByteString("payload", d.Body()),
		)
		settleErr = d.Reject(false)
	}
	if settleErr != nil {
		lg.Error("Settle delivery",
			zap.Stringer("decision", decision),
			zap.Error(settleErr),
		)
	}
}
