package outbox

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type dispatcherMetrics struct {
	published metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter("saga.outbox")

	var (
		m   dispatcherMetrics
		err error
	)
	if m.published, err = meter.Int64Counter("outbox.published",
		metric.WithDescription("Outbox records published and marked processed"),
		metric.WithUnit("{record}"),
	); err != nil {
		return m, errors.Wrap(err, "outbox.published")
	}
	if m.failed, err = meter.Int64Counter("outbox.failed",
		metric.WithDescription("Outbox records whose publish or state update failed"),
		metric.WithUnit("{record}"),
	); err != nil {
		return m, errors.Wrap(err, "outbox.failed")
	}
	if m.duration, err = meter.Float64Histogram("outbox.dispatch.duration",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	); err != nil {
		return m, errors.Wrap(err, "outbox.dispatch.duration")
	}
	return m, nil
}
