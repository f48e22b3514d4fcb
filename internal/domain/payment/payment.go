// Package payment processes payment requests against the account ledger.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the state of a payment attempt.
type Status string

// Payment statuses. PENDING is initial; COMPLETED and FAILED are terminal.
const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the payment has its final outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure reasons carried by FAILED payments.
const (
	ReasonAccountNotFound   = "account not found"
	ReasonInsufficientFunds = "insufficient funds"
)

// Sentinel errors for payment storage and processing.
var (
	ErrNotFound       = errors.New("payment not found")
	ErrAlreadyExists  = errors.New("payment for transaction already exists")
	ErrNotPending     = errors.New("payment is not pending")
	ErrPaymentPending = errors.New("payment for transaction is still pending")
	ErrInvalidRequest = errors.New("invalid payment request")
)

// Payment is one attempt to charge a user for an order. TransactionID is
// unique across payments.
type Payment struct {
	ID            int64
	OrderID       int64
	UserID        int64
	TransactionID string
	Amount        decimal.Decimal
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	// CompletedAt is zero while the payment is pending.
	CompletedAt time.Time
}

// Repository defines persistence operations for payments.
type Repository interface {
	// Create stores p and assigns its ID. Returns ErrAlreadyExists when a
	// payment with the same transaction id is stored.
	Create(ctx context.Context, p *Payment) error
	GetByTransactionID(ctx context.Context, transactionID string) (*Payment, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Payment, error)
	// Complete moves a PENDING payment to a terminal status. Returns
	// ErrNotPending if it already has one.
	Complete(ctx context.Context, id int64, status Status, reason string, at time.Time) error
}

// Ledger is the part of the account ledger payments depend on.
type Ledger interface {
	HasAccount(ctx context.Context, userID int64) (bool, error)
	Withdraw(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error)
}
