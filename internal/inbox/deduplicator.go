package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/broker"
	"github.com/novivan/SD-big-HW-3/internal/messaging"
)

// Handler applies one message to the domain. The payload is the raw body as
// received. An error marked with broker.Transient asks for redelivery; any
// other error is permanent.
type Handler func(ctx context.Context, payload []byte) error

// Outcome of a successful Consume.
type Outcome int

const (
	// Processed means the handler ran and completed.
	Processed Outcome = iota + 1
	// Duplicate means the identifier was already recorded; nothing ran.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type route struct {
	required []string
	handle   Handler
}

// Options configures a Deduplicator. Log output goes to the logger carried
// by the context (see zctx).
type Options struct {
	MeterProvider metric.MeterProvider
}

// Deduplicator is the single entry point for consumed messages.
type Deduplicator struct {
	store Store
	now   func() time.Time

	mu     sync.RWMutex
	routes map[string]route

	consumed   metric.Int64Counter
	duplicates metric.Int64Counter
	rejected   metric.Int64Counter
}

// NewDeduplicator creates a Deduplicator with no handlers registered.
func NewDeduplicator(store Store, opts Options) (*Deduplicator, error) {
	if store == nil {
		return nil, errors.New("inbox store required")
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = noop.NewMeterProvider()
	}
	meter := opts.MeterProvider.Meter("saga.inbox")

	d := &Deduplicator{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		routes: make(map[string]route),
	}
	var err error
	if d.consumed, err = meter.Int64Counter("inbox.consumed",
		metric.WithDescription("Messages handed to a domain handler and completed"),
	); err != nil {
		return nil, errors.Wrap(err, "inbox.consumed")
	}
	if d.duplicates, err = meter.Int64Counter("inbox.duplicates",
		metric.WithDescription("Deliveries skipped because their identifier was already recorded"),
	); err != nil {
		return nil, errors.Wrap(err, "inbox.duplicates")
	}
	if d.rejected, err = meter.Int64Counter("inbox.rejected",
		metric.WithDescription("Deliveries that failed validation or handling"),
	); err != nil {
		return nil, errors.Wrap(err, "inbox.rejected")
	}
	return d, nil
}

// Register routes eventType to h. Besides eventType and transactionId, which
// every message needs, the payload must carry each of required with a
// non-null value.
func (d *Deduplicator) Register(eventType string, required []string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[eventType] = route{required: required, handle: h}
}

func (d *Deduplicator) route(eventType string) (route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[eventType]
	return r, ok
}

var commonFields = []string{messaging.FieldEventType, messaging.FieldTransactionID}

// Consume validates raw, records its identifier and runs the matching handler
// exactly once per identifier.
//
// Malformed and unroutable payloads return errors wrapping ErrMalformed and
// ErrUnroutable; no record is written for them. If the handler fails its
// record is removed again so that a redelivery is processed, and the handler
// error is returned.
func (d *Deduplicator) Consume(ctx context.Context, raw []byte) (Outcome, error) {
	env, err := scanEnvelope(raw)
	if err != nil {
		d.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
		return 0, err
	}
	for _, f := range commonFields {
		if !env.has(f) {
			d.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
			return 0, errors.Wrapf(ErrMalformed, "missing %s", f)
		}
	}
	rt, ok := d.route(env.EventType)
	if !ok {
		d.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "unroutable")))
		return 0, errors.Wrap(ErrUnroutable, env.EventType)
	}
	for _, f := range rt.required {
		if !env.has(f) {
			d.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "malformed")))
			return 0, errors.Wrapf(ErrMalformed, "missing %s", f)
		}
	}

	id := env.id()
	attrs := metric.WithAttributes(attribute.String("event_type", env.EventType))
	lg := zctx.From(ctx).With(
		zap.String("inbox_id", id),
		zap.String("event_type", env.EventType),
		zap.String("transaction_id", env.TransactionID),
	)

	exists, err := d.store.Exists(ctx, id)
	if err != nil {
		return 0, broker.Transient(errors.Wrap(err, "check inbox"))
	}
	if exists {
		lg.Debug("Duplicate message, skipping")
		d.duplicates.Add(ctx, 1, attrs)
		return Duplicate, nil
	}

	rec := Record{
		ID:            id,
		MessageType:   env.EventType,
		Payload:       raw,
		TransactionID: env.TransactionID,
		ReceivedAt:    d.now(),
	}
	if err := d.store.Save(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			lg.Debug("Duplicate message, skipping")
			d.duplicates.Add(ctx, 1, attrs)
			return Duplicate, nil
		}
		return 0, broker.Transient(errors.Wrap(err, "save inbox record"))
	}

	if err := d.run(ctx, rt, rec); err != nil {
		d.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "handler")))
		if delErr := d.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			lg.Error("Release inbox record after handler failure", zap.Error(delErr))
		}
		return 0, err
	}

	d.consumed.Add(ctx, 1, attrs)
	return Processed, nil
}

// run invokes the handler and marks rec processed. A handler panic is
// returned as a permanent error.
func (d *Deduplicator) run(ctx context.Context, rt route, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zctx.From(ctx).Error("Panic in message handler",
				zap.String("inbox_id", rec.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = errors.Errorf("handle %s: panic: %v", rec.MessageType, r)
		}
	}()

	if err := rt.handle(ctx, rec.Payload); err != nil {
		return errors.Wrapf(err, "handle %s", rec.MessageType)
	}
	if err := d.store.MarkProcessed(context.WithoutCancel(ctx), rec.ID, d.now()); err != nil {
		// The handler already ran; its own idempotency check covers a replay.
		zctx.From(ctx).Error("Mark inbox record processed",
			zap.String("inbox_id", rec.ID),
			zap.Error(err),
		)
	}
	return nil
}

// ReplayPending re-runs the handler for every record that was saved but
// never marked processed, as left behind by a crash mid-handling. Records
// whose handler fails stay pending for the next replay.
func (d *Deduplicator) ReplayPending(ctx context.Context) (int, error) {
	pending, err := d.store.ListUnprocessed(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list pending inbox records")
	}

	lg := zctx.From(ctx)
	var replayed int
	for _, rec := range pending {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		rt, ok := d.route(rec.MessageType)
		if !ok {
			lg.Warn("No handler for pending inbox record",
				zap.String("inbox_id", rec.ID),
				zap.String("event_type", rec.MessageType),
			)
			continue
		}
		if err := d.run(ctx, rt, rec); err != nil {
			lg.Warn("Replay of pending inbox record failed",
				zap.String("inbox_id", rec.ID),
				zap.Error(err),
			)
			continue
		}
		replayed++
	}
	if len(pending) > 0 {
		lg.Info("Replayed pending inbox records",
			zap.Int("pending", len(pending)),
			zap.Int("replayed", replayed),
		)
	}
	return replayed, nil
}
