package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/novivan/SD-big-HW-3/internal/broker"
	"github.com/novivan/SD-big-HW-3/internal/domain/account"
	"github.com/novivan/SD-big-HW-3/internal/domain/order"
	"github.com/novivan/SD-big-HW-3/internal/domain/payment"
	"github.com/novivan/SD-big-HW-3/internal/inbox"
	"github.com/novivan/SD-big-HW-3/internal/messaging"
	"github.com/novivan/SD-big-HW-3/internal/outbox"
)

// OrdersRoutes routes the orders outbox.
var OrdersRoutes = outbox.RouteTable{
	messaging.EventOrderCreated:   messaging.PaymentRequestsQueue,
	messaging.EventProcessPayment: messaging.PaymentRequestsQueue,
}

// PaymentsRoutes routes the payments outbox.
var PaymentsRoutes = outbox.RouteTable{
	messaging.EventPaymentResult: messaging.OrderPaymentResultsQueue,
}

// NodeOptions configures the background loops of a node.
type NodeOptions struct {
	Outbox          OutboxConfig
	Inbox           InboxConfig
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
	MeterProvider   metric.MeterProvider
	TracerProvider  trace.TracerProvider
}

func (o *NodeOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 15 * time.Second
	}
}

// node runs one outbox dispatcher and one queue consumer.
type node struct {
	dispatcher      *outbox.Dispatcher
	dedup           *inbox.Deduplicator
	consumer        *inbox.Consumer
	shutdownTimeout time.Duration
	lg              *zap.Logger
}

func newNode(
	store outbox.Store,
	inboxStore inbox.Store,
	ch broker.Channel,
	routes outbox.RouteTable,
	queue string,
	opts NodeOptions,
) (*node, error) {
	d, err := outbox.NewDispatcher(store, ch, routes, outbox.Options{
		Interval:       opts.Outbox.Interval,
		BatchSize:      opts.Outbox.BatchSize,
		Logger:         opts.Logger.Named("outbox"),
		MeterProvider:  opts.MeterProvider,
		TracerProvider: opts.TracerProvider,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create dispatcher")
	}
	dedup, err := inbox.NewDeduplicator(inboxStore, inbox.Options{MeterProvider: opts.MeterProvider})
	if err != nil {
		return nil, errors.Wrap(err, "create deduplicator")
	}
	return &node{
		dispatcher: d,
		dedup:      dedup,
		consumer: inbox.NewConsumer(ch, queue, dedup, inbox.ConsumerOptions{
			ReplayPending:  opts.Inbox.ReplayPending,
			RequeueDelay:   opts.Inbox.RequeueDelay,
			Logger:         opts.Logger.Named("inbox"),
			TracerProvider: opts.TracerProvider,
		}),
		shutdownTimeout: opts.ShutdownTimeout,
		lg:              opts.Logger,
	}, nil
}

// Run blocks until ctx is cancelled or a loop fails. After cancellation it
// waits up to the shutdown timeout for the dispatch tick and the message in
// flight; whatever is abandoned is retried on the next start.
func (n *node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return n.consumer.Run(gctx)
	})
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.shutdownTimeout)
	defer cancel()
	if err := n.dispatcher.Shutdown(shutdownCtx); err != nil {
		n.lg.Warn("Dispatcher did not stop in time", zap.Error(err))
	}
	select {
	case err := <-done:
		return err
	case <-shutdownCtx.Done():
		n.lg.Warn("Shutdown timed out, abandoning in-flight work",
			zap.Duration("timeout", n.shutdownTimeout),
		)
		return nil
	}
}

// DispatchOnce publishes one outbox batch immediately.
func (n *node) DispatchOnce(ctx context.Context) outbox.Result {
	return n.dispatcher.DispatchOnce(ctx)
}

// OrdersNode is the orders side of the saga: it enqueues payment requests
// and applies payment results.
type OrdersNode struct {
	*node
	Orders *order.Service
}

// NewOrdersNode wires the order service to ch.
func NewOrdersNode(st *OrdersStores, ch broker.Channel, opts NodeOptions) (*OrdersNode, error) {
	opts.setDefaults()
	n, err := newNode(st.Outbox, st.Inbox, ch, OrdersRoutes, messaging.OrderPaymentResultsQueue, opts)
	if err != nil {
		return nil, err
	}
	svc := order.NewService(st.Goods, st.Orders, st.Outbox, st.Tx)
	for _, eventType := range []string{messaging.EventPaymentCompleted, messaging.EventPaymentFailed} {
		n.dedup.Register(eventType, order.PaymentResultFields, svc.HandlePaymentResult)
	}
	return &OrdersNode{node: n, Orders: svc}, nil
}

// PaymentsNode is the payments side of the saga: it charges accounts and
// reports the outcome.
type PaymentsNode struct {
	*node
	Accounts *account.Service
	Payments *payment.Service
}

// NewPaymentsNode wires the payment service to ch.
func NewPaymentsNode(st *PaymentsStores, ch broker.Channel, opts NodeOptions) (*PaymentsNode, error) {
	opts.setDefaults()
	n, err := newNode(st.Outbox, st.Inbox, ch, PaymentsRoutes, messaging.PaymentRequestsQueue, opts)
	if err != nil {
		return nil, err
	}
	accounts := account.NewService(st.Accounts)
	payments := payment.NewService(st.Payments, accounts, st.Outbox, st.Tx)
	n.dedup.Register(messaging.EventProcessPayment, payment.PaymentRequestFields, payments.HandlePaymentRequest)
	return &PaymentsNode{node: n, Accounts: accounts, Payments: payments}, nil
}
