package order

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/domain/product"
	"github.com/novivan/SD-big-HW-3/internal/messaging"
	"github.com/novivan/SD-big-HW-3/internal/outbox"
	"github.com/novivan/SD-big-HW-3/internal/txn"
)

// AggregateType names orders in outbox records.
const AggregateType = "Order"

// Sentinel errors for order operations.
var (
	ErrNotFound          = errors.New("order not found")
	ErrEmptyItems        = errors.New("items required")
	ErrInvalidUser       = errors.New("user id must be positive")
	ErrInvalidStatus     = errors.New("target status must be PAID or FAILED")
	ErrInvalidTransition = errors.New("order already in a different terminal status")
)

// GoodNotFoundError indicates a requested good does not exist.
type GoodNotFoundError struct {
	GoodID string
}

func (e *GoodNotFoundError) Error() string {
	return fmt.Sprintf("good %s not found", e.GoodID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	GoodID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for good %s", e.GoodID)
}

// InvalidPriceError indicates a catalog good has a non-positive price.
type InvalidPriceError struct {
	GoodID string
}

func (e *InvalidPriceError) Error() string {
	return fmt.Sprintf("price must be greater than 0 for good %s", e.GoodID)
}

// ItemRequest is one requested line of a new order.
type ItemRequest struct {
	GoodID   string
	Quantity int
}

// Service encapsulates the orders side of the payment saga.
type Service struct {
	goods  product.Repository
	orders Repository
	outbox outbox.Store
	tx     txn.Transactor
}

// NewService creates an order Service. The transactor must cover both the
// order repository and the outbox store.
func NewService(
	goods product.Repository,
	orders Repository,
	outboxStore outbox.Store,
	tx txn.Transactor,
) *Service {
	return &Service{
		goods:  goods,
		orders: orders,
		outbox: outboxStore,
		tx:     tx,
	}
}

// CreateOrder validates items, fetches goods in a single batch, persists the
// order in CREATED and enqueues the payment request in the same unit of work.
func (s *Service) CreateOrder(ctx context.Context, userID int64, items []ItemRequest) (*Order, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	// Validate quantities and collect good IDs.
	ids := make([]string, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{GoodID: item.GoodID}
		}
		ids[i] = item.GoodID
	}

	fetched, err := s.goods.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get goods: %w", err)
	}
	goodMap := make(map[string]product.Good, len(fetched))
	for _, g := range fetched {
		goodMap[g.ID] = g
	}

	o := New(userID)
	for _, item := range items {
		g, ok := goodMap[item.GoodID]
		if !ok {
			return nil, &GoodNotFoundError{GoodID: item.GoodID}
		}
		if err := o.AddItem(g, item.Quantity); err != nil {
			return nil, err
		}
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, o); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		req := messaging.PaymentRequest{
			OrderID:       o.ID,
			UserID:        o.UserID,
			Amount:        o.Total,
			TransactionID: o.TransactionID,
			Timestamp:     o.CreatedAt,
		}
		rec, err := outbox.NewRecord(AggregateType, strconv.FormatInt(o.ID, 10), messaging.EventOrderCreated, req.Bytes())
		if err != nil {
			return fmt.Errorf("build outbox record: %w", err)
		}
		if err := s.outbox.Save(ctx, rec); err != nil {
			return fmt.Errorf("save outbox record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order created",
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.String("transaction_id", o.TransactionID),
		zap.Stringer("total", o.Total),
	)
	return o, nil
}

// GetOrder returns the order with id or ErrNotFound.
func (s *Service) GetOrder(ctx context.Context, id int64) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return o, nil
}

// ListUserOrders returns the orders placed by userID, oldest first.
func (s *Service) ListUserOrders(ctx context.Context, userID int64) ([]Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders of user %d: %w", userID, err)
	}
	return orders, nil
}

// UpdateOrderStatus moves a CREATED order to status, which must be terminal.
//
// Repeating the transition the order already made reports true. Moving an
// order out of a different terminal status fails with ErrInvalidTransition.
func (s *Service) UpdateOrderStatus(ctx context.Context, id int64, status Status) (bool, error) {
	if !status.Terminal() {
		return false, ErrInvalidStatus
	}

	changed, err := s.orders.UpdateStatus(ctx, id, StatusCreated, status)
	if err != nil {
		return false, fmt.Errorf("update order %d: %w", id, err)
	}
	if changed {
		zctx.From(ctx).Info("Order status updated",
			zap.Int64("order_id", id),
			zap.String("status", string(status)),
		)
		return true, nil
	}

	current, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get order %d: %w", id, err)
	}
	if current.Status == status {
		return true, nil
	}
	return false, fmt.Errorf("order %d is %s, cannot become %s: %w", id, current.Status, status, ErrInvalidTransition)
}
