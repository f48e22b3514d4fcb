// Command saga-sim runs the orders and payments services in one process over
// in-memory stores and channel, places random orders and reports how each
// saga ended.
package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appkg "github.com/novivan/SD-big-HW-3/internal/app"
	"github.com/novivan/SD-big-HW-3/internal/broker/memory"
	"github.com/novivan/SD-big-HW-3/internal/domain/order"
)

type options struct {
	users      int
	orders     int
	maxBalance int64
	interval   time.Duration
	timeout    time.Duration
}

func (o options) validate() error {
	switch {
	case o.users <= 0:
		return errors.Errorf("users must be positive, got %d", o.users)
	case o.orders < 0:
		return errors.Errorf("orders must not be negative, got %d", o.orders)
	case o.maxBalance <= 0:
		return errors.Errorf("max-balance must be positive, got %d", o.maxBalance)
	case o.interval <= 0:
		return errors.Errorf("interval must be positive, got %s", o.interval)
	case o.timeout <= 0:
		return errors.Errorf("timeout must be positive, got %s", o.timeout)
	}
	return nil
}

func main() {
	var opt options
	flag.IntVar(&opt.users, "users", 5, "number of users; every second one gets an account")
	flag.IntVar(&opt.orders, "orders", 20, "number of orders to place")
	flag.Int64Var(&opt.maxBalance, "max-balance", 500, "upper bound of a funded account's balance")
	flag.DurationVar(&opt.interval, "interval", 100*time.Millisecond, "outbox dispatch period")
	flag.DurationVar(&opt.timeout, "timeout", 30*time.Second, "time allowed for all sagas to finish")
	flag.Parse()

	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		return simulate(ctx, lg, m, opt)
	})
}

func simulate(ctx context.Context, lg *zap.Logger, m *app.Telemetry, opt options) error {
	if err := opt.validate(); err != nil {
		return errors.Wrap(err, "invalid flags")
	}
	ch := memory.NewChannel(lg.Named("broker"))
	defer func() { _ = ch.Close() }()

	ordersStores, err := appkg.MemoryOrdersStores()
	if err != nil {
		return err
	}
	nodeOpts := appkg.NodeOptions{
		Outbox:          appkg.OutboxConfig{Interval: opt.interval, BatchSize: 100},
		Inbox:           appkg.InboxConfig{ReplayPending: true},
		ShutdownTimeout: 5 * time.Second,
		MeterProvider:   m.MeterProvider(),
		TracerProvider:  m.TracerProvider(),
	}
	nodeOpts.Logger = lg.Named("orders")
	orders, err := appkg.NewOrdersNode(ordersStores, ch, nodeOpts)
	if err != nil {
		return err
	}
	nodeOpts.Logger = lg.Named("payments")
	payments, err := appkg.NewPaymentsNode(appkg.MemoryPaymentsStores(), ch, nodeOpts)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return orders.Run(gctx) })
	g.Go(func() error { return payments.Run(gctx) })

	for user := int64(1); user <= int64(opt.users); user++ {
		if user%2 == 0 {
			continue
		}
		if _, err := payments.Accounts.CreateAccount(ctx, user); err != nil {
			return err
		}
		balance := decimal.NewFromInt(rand.Int64N(opt.maxBalance) + 1)
		if _, err := payments.Accounts.DepositFunds(ctx, user, balance); err != nil {
			return err
		}
		lg.Info("Funded account", zap.Int64("user_id", user), zap.Stringer("balance", balance))
	}

	goods, err := ordersStores.Goods.List(ctx)
	if err != nil {
		return errors.Wrap(err, "list goods")
	}
	if len(goods) == 0 {
		return errors.New("catalog is empty")
	}
	ids := make([]int64, 0, opt.orders)
	for range opt.orders {
		user := rand.Int64N(int64(opt.users)) + 1
		good := goods[rand.IntN(len(goods))]
		o, err := orders.Orders.CreateOrder(ctx, user, []order.ItemRequest{
			{GoodID: good.ID, Quantity: rand.IntN(3) + 1},
		})
		if err != nil {
			return errors.Wrap(err, "create order")
		}
		ids = append(ids, o.ID)
	}

	counts, err := waitTerminal(ctx, orders.Orders, ids, opt.timeout)
	lg.Info("Simulation finished",
		zap.Int("orders", len(ids)),
		zap.Int("paid", counts[order.StatusPaid]),
		zap.Int("failed", counts[order.StatusFailed]),
		zap.Int("pending", counts[order.StatusCreated]),
	)

	stop()
	if werr := g.Wait(); werr != nil {
		return werr
	}
	return err
}

func waitTerminal(ctx context.Context, svc *order.Service, ids []int64, timeout time.Duration) (map[order.Status]int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		counts := make(map[order.Status]int)
		for _, id := range ids {
			o, err := svc.GetOrder(ctx, id)
			if err != nil {
				return counts, err
			}
			counts[o.Status]++
		}
		if counts[order.StatusCreated] == 0 {
			return counts, nil
		}
		select {
		case <-ctx.Done():
			return counts, ctx.Err()
		case <-deadline.C:
			return counts, errors.Errorf("%d orders still pending after %s", counts[order.StatusCreated], timeout)
		case <-poll.C:
		}
	}
}
