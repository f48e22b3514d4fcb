package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/novivan/SD-big-HW-3/internal/domain/product"
)

// Status is the saga state of an order.
type Status string

// Order statuses. CREATED is initial; PAID and FAILED are terminal.
const (
	StatusCreated Status = "CREATED"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCreated || s.Terminal()
}

// Order represents a customer order and its payment saga state.
type Order struct {
	ID            int64
	UserID        int64
	TransactionID string
	Status        Status
	Items         []Item
	Total         decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Item is a line of an order. Price is the good's price when it was added.
type Item struct {
	GoodID   string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Subtotal is Price × Quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// New creates an empty order in CREATED with a fresh transaction id.
func New(userID int64) *Order {
	now := time.Now().UTC()
	return &Order{
		UserID:        userID,
		TransactionID: uuid.NewString(),
		Status:        StatusCreated,
		Total:         decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AddItem adds quantity units of g. Adding a good that is already on the
// order increases that line instead of creating a new one.
func (o *Order) AddItem(g product.Good, quantity int) error {
	if quantity <= 0 {
		return &InvalidQuantityError{GoodID: g.ID}
	}
	if !g.Price.IsPositive() {
		return &InvalidPriceError{GoodID: g.ID}
	}
	merged := false
	for i := range o.Items {
		if o.Items[i].GoodID == g.ID {
			o.Items[i].Quantity += quantity
			merged = true
			break
		}
	}
	if !merged {
		o.Items = append(o.Items, Item{
			GoodID:   g.ID,
			Name:     g.Name,
			Price:    g.Price,
			Quantity: quantity,
		})
	}
	o.recalculate()
	return nil
}

func (o *Order) recalculate() {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	o.Total = total
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores o and assigns its ID.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id int64) (*Order, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	// UpdateStatus sets the status to `to` only if it currently is `from`.
	// It reports whether the row changed and returns ErrNotFound for an
	// unknown order.
	UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error)
}
