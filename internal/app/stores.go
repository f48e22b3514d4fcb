package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novivan/SD-big-HW-3/db"
	"github.com/novivan/SD-big-HW-3/internal/domain/account"
	"github.com/novivan/SD-big-HW-3/internal/domain/order"
	"github.com/novivan/SD-big-HW-3/internal/domain/payment"
	"github.com/novivan/SD-big-HW-3/internal/domain/product"
	"github.com/novivan/SD-big-HW-3/internal/inbox"
	"github.com/novivan/SD-big-HW-3/internal/outbox"
	"github.com/novivan/SD-big-HW-3/internal/storage/memory"
	"github.com/novivan/SD-big-HW-3/internal/storage/postgres"
	"github.com/novivan/SD-big-HW-3/internal/txn"
)

// PendingFunc counts unprocessed outbox records.
type PendingFunc func(ctx context.Context) (int64, error)

// OrdersStores are the persistence dependencies of the orders service.
type OrdersStores struct {
	Goods   product.Repository
	Orders  order.Repository
	Outbox  outbox.Store
	Inbox   inbox.Store
	Tx      txn.Transactor
	Pending PendingFunc
}

// PaymentsStores are the persistence dependencies of the payments service.
type PaymentsStores struct {
	Accounts account.Repository
	Payments payment.Repository
	Outbox   outbox.Store
	Inbox    inbox.Store
	Tx       txn.Transactor
	Pending  PendingFunc
}

// MemoryOrdersStores returns in-memory stores with the embedded catalog.
func MemoryOrdersStores() (*OrdersStores, error) {
	goods, err := product.ParseCatalog(db.Goods)
	if err != nil {
		return nil, errors.Wrap(err, "load seed catalog")
	}
	ob := memory.NewOutboxStore()
	return &OrdersStores{
		Goods:   memory.NewGoodsRepository(goods...),
		Orders:  memory.NewOrderRepository(),
		Outbox:  ob,
		Inbox:   memory.NewInboxStore(),
		Tx:      txn.Inline,
		Pending: ob.Pending,
	}, nil
}

// MemoryPaymentsStores returns empty in-memory stores.
func MemoryPaymentsStores() *PaymentsStores {
	ob := memory.NewOutboxStore()
	return &PaymentsStores{
		Accounts: memory.NewAccountRepository(),
		Payments: memory.NewPaymentRepository(),
		Outbox:   ob,
		Inbox:    memory.NewInboxStore(),
		Tx:       txn.Inline,
		Pending:  ob.Pending,
	}
}

// PostgresOrdersStores returns stores sharing pool and one transactor. The
// outbox and inbox only see rows owned by the orders service.
func PostgresOrdersStores(pool *pgxpool.Pool) *OrdersStores {
	ob := postgres.NewOutboxStore(pool, ServiceOrders)
	return &OrdersStores{
		Goods:   postgres.NewGoodsRepository(pool),
		Orders:  postgres.NewOrderRepository(pool),
		Outbox:  ob,
		Inbox:   postgres.NewInboxStore(pool, ServiceOrders),
		Tx:      postgres.NewTransactor(pool),
		Pending: ob.Pending,
	}
}

// PostgresPaymentsStores returns stores sharing pool and one transactor. The
// outbox and inbox only see rows owned by the payments service.
func PostgresPaymentsStores(pool *pgxpool.Pool) *PaymentsStores {
	ob := postgres.NewOutboxStore(pool, ServicePayments)
	return &PaymentsStores{
		Accounts: postgres.NewAccountRepository(pool),
		Payments: postgres.NewPaymentRepository(pool),
		Outbox:   ob,
		Inbox:    postgres.NewInboxStore(pool, ServicePayments),
		Tx:       postgres.NewTransactor(pool),
		Pending:  ob.Pending,
	}
}
