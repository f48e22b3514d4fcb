package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/novivan/SD-big-HW-3/internal/broker"
	"github.com/novivan/SD-big-HW-3/internal/broker/rabbitmq"
	"github.com/novivan/SD-big-HW-3/internal/broker/redis"
	"github.com/novivan/SD-big-HW-3/internal/health"
	"github.com/novivan/SD-big-HW-3/internal/storage/postgres"
)

const healthInterval = 10 * time.Second

// RunOrders starts the orders service and blocks until ctx is cancelled.
func RunOrders(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("service", ServiceOrders), zap.String("broker", cfg.Broker.Kind))

	pool, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	var stores *OrdersStores
	if pool != nil {
		defer pool.Close()
		stores = PostgresOrdersStores(pool)
	} else {
		lg.Warn("DATABASE_URL not set, using in-memory stores")
		if stores, err = MemoryOrdersStores(); err != nil {
			return err
		}
	}

	ch, err := openBroker(ctx, cfg, lg.Named("broker"))
	if err != nil {
		return err
	}
	defer closeBroker(lg, ch)

	n, err := NewOrdersNode(stores, ch, nodeOptions(lg, m, cfg))
	if err != nil {
		return err
	}
	return serve(ctx, lg, cfg, n, pool, ch, stores.Pending)
}

// RunPayments starts the payments service and blocks until ctx is cancelled.
func RunPayments(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("service", ServicePayments), zap.String("broker", cfg.Broker.Kind))

	pool, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	var stores *PaymentsStores
	if pool != nil {
		defer pool.Close()
		stores = PostgresPaymentsStores(pool)
	} else {
		lg.Warn("DATABASE_URL not set, using in-memory stores")
		stores = MemoryPaymentsStores()
	}

	ch, err := openBroker(ctx, cfg, lg.Named("broker"))
	if err != nil {
		return err
	}
	defer closeBroker(lg, ch)

	n, err := NewPaymentsNode(stores, ch, nodeOptions(lg, m, cfg))
	if err != nil {
		return err
	}
	return serve(ctx, lg, cfg, n, pool, ch, stores.Pending)
}

func nodeOptions(lg *zap.Logger, m *app.Telemetry, cfg *Config) NodeOptions {
	return NodeOptions{
		Outbox:          cfg.Outbox,
		Inbox:           cfg.Inbox,
		ShutdownTimeout: cfg.Graceful.ShutdownTimeout,
		Logger:          lg,
		MeterProvider:   m.MeterProvider(),
		TracerProvider:  m.TracerProvider(),
	}
}

// openDatabase returns nil when no database is configured.
func openDatabase(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return pool, nil
}

func openBroker(ctx context.Context, cfg *Config, lg *zap.Logger) (broker.Channel, error) {
	switch cfg.Broker.Kind {
	case BrokerRabbitMQ:
		ch, err := rabbitmq.Dial(ctx, cfg.Broker.URL, rabbitmq.Options{
			DialAttempts: cfg.Broker.DialAttempts,
			RetryDelay:   cfg.Broker.RetryDelay,
			Logger:       lg,
		})
		if err != nil {
			return nil, errors.Wrap(err, "connect rabbitmq")
		}
		return ch, nil
	case BrokerRedis:
		ch, err := redis.Connect(ctx, cfg.Broker.RedisAddr, redis.Options{
			RetryDelay: cfg.Broker.RetryDelay,
			Logger:     lg,
		})
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		return ch, nil
	default:
		return nil, errors.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func closeBroker(lg *zap.Logger, ch broker.Channel) {
	if err := ch.Close(); err != nil {
		lg.Warn("Close broker", zap.Error(err))
	}
}

type runner interface {
	Run(ctx context.Context) error
}

// serve runs n next to the health endpoints. Readiness drops as soon as ctx
// is cancelled so that orchestrators stop routing to the node while it drains.
func serve(
	ctx context.Context,
	lg *zap.Logger,
	cfg *Config,
	n runner,
	pool *pgxpool.Pool,
	ch broker.Channel,
	pending PendingFunc,
) error {
	h := health.New()
	if pool != nil {
		h.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
	}
	h.AddReadinessCheck("broker", 5*time.Second, ch.Ping)
	if cfg.Outbox.BacklogLimit > 0 {
		h.AddReadinessCheck("outbox", 5*time.Second, health.BacklogCheck(pending, cfg.Outbox.BacklogLimit))
	}
	h.Start(ctx, healthInterval)
	defer h.Stop()
	h.SetReady(true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		h.SetReady(false)
		return nil
	})
	if cfg.HealthAddr != "" {
		g.Go(func() error {
			return h.Serve(gctx, cfg.HealthAddr, lg.Named("health"))
		})
	}
	g.Go(func() error {
		defer cancel()
		return n.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "run node")
	}
	return nil
}
