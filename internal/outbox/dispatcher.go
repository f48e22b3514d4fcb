package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/broker"
)

// ErrAlreadyRunning is returned by Run when the dispatcher loop is active.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// Options configures a Dispatcher.
type Options struct {
	Interval       time.Duration
	BatchSize      int
	Logger         *zap.Logger
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Result summarises one dispatch cycle.
type Result struct {
	Selected  int
	Published int
	Failed    int
}

// Dispatcher periodically publishes unprocessed outbox records. Records
// whose event type has no route are never selected and stay unprocessed.
type Dispatcher struct {
	store      Store
	pub        broker.Publisher
	routes     RouteTable
	eventTypes []string
	lg         *zap.Logger
	interval   time.Duration
	batchSize  int
	metrics    dispatcherMetrics
	tracer     trace.Tracer

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// NewDispatcher creates a Dispatcher. Interval defaults to 3s and BatchSize to 100.
func NewDispatcher(store Store, pub broker.Publisher, routes RouteTable, opts Options) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("outbox store required")
	}
	if pub == nil {
		return nil, errors.New("publisher required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = noop.NewTracerProvider()
	}
	m, err := newDispatcherMetrics(opts.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "init metrics")
	}
	return &Dispatcher{
		store:      store,
		pub:        pub,
		routes:     routes,
		eventTypes: routes.EventTypes(),
		lg:         opts.Logger,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		metrics:    m,
		tracer:     opts.TracerProvider.Tracer("saga.outbox"),
	}, nil
}

// Run dispatches immediately and then on every interval until ctx is
// cancelled. The tick in progress stops after its current record.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	stopped := make(chan struct{})
	d.stopped = stopped
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(stopped)
	}()

	d.lg.Info("Outbox dispatcher started",
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
		zap.Strings("event_types", d.eventTypes),
	)
	defer d.lg.Info("Outbox dispatcher stopped")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.DispatchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// Shutdown waits for Run to return, which happens once the tick in progress
// finishes, or for ctx to expire. Cancel the context passed to Run first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped == nil {
		return nil
	}
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for dispatch tick")
	}
}

// DispatchOnce publishes one batch of unprocessed routed records.
func (d *Dispatcher) DispatchOnce(ctx context.Context) Result {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch")
	var res Result
	defer func() {
		d.metrics.duration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
		span.SetAttributes(
			attribute.Int("outbox.selected", res.Selected),
			attribute.Int("outbox.published", res.Published),
			attribute.Int("outbox.failed", res.Failed),
		)
		if res.Failed > 0 {
			span.SetStatus(codes.Error, "publish failed")
		}
		span.End()
	}()

	if len(d.eventTypes) == 0 {
		return res
	}
	records, err := d.store.FindUnprocessed(ctx, d.eventTypes, d.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.lg.Error("Find unprocessed outbox records", zap.Error(err))
		}
		return res
	}
	res.Selected = len(records)
	if len(records) == 0 {
		return res
	}
	d.lg.Debug("Dispatching outbox records", zap.Int("count", len(records)))

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if err := d.dispatch(ctx, rec); err != nil {
			res.Failed++
			continue
		}
		res.Published++
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, rec Record) error {
	lg := d.lg.With(
		zap.Stringer("record_id", rec.ID),
		zap.String("event_type", rec.EventType),
		zap.String("aggregate_id", rec.AggregateID),
	)
	attrs := metric.WithAttributes(attribute.String("event_type", rec.EventType))

	queue, ok := d.routes.Resolve(rec.EventType)
	if !ok {
		lg.Warn("Store returned a record with no route, leaving it unprocessed")
		return errors.Errorf("no route for event type %q", rec.EventType)
	}

	messageID := rec.MessageID
	if messageID == "" {
		messageID = rec.ID.String()
	}
	payload, err := WithMessageID(rec.Payload, messageID)
	if err != nil {
		lg.Warn("Cannot inject message id, publishing payload as stored", zap.Error(err))
		payload = rec.Payload
	}

	if err := d.pub.Publish(ctx, queue, broker.Message{ID: messageID, Body: payload}); err != nil {
		lg.Warn("Publish failed, will retry on next tick",
			zap.String("queue", queue),
			zap.Error(err),
		)
		d.metrics.failed.Add(context.WithoutCancel(ctx), 1, attrs)
		return err
	}

	// The message is out; record that even if shutdown has begun.
	if err := d.store.MarkProcessed(context.WithoutCancel(ctx), rec.ID, time.Now().UTC()); err != nil {
		lg.Error("Published but not marked processed, record will be republished",
			zap.String("queue", queue),
			zap.Error(err),
		)
		d.metrics.failed.Add(context.WithoutCancel(ctx), 1, attrs)
		return err
	}

	d.metrics.published.Add(ctx, 1, attrs)
	lg.Debug("Outbox record published",
		zap.String("queue", queue),
		zap.String("message_id", messageID),
	)
	return nil
}
