package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested good does not exist.
var ErrNotFound = errors.New("good not found")

// Good is a catalog item that can be ordered.
type Good struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
}

// Repository defines read operations for the goods catalog.
type Repository interface {
	List(ctx context.Context) ([]Good, error)
	GetByID(ctx context.Context, id string) (*Good, error)
	// GetByIDs returns the goods that exist among ids, in no particular order.
	GetByIDs(ctx context.Context, ids []string) ([]Good, error)
}
