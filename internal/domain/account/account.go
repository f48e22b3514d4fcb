// Package account implements the user account ledger.
package account

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for ledger operations.
var (
	ErrNotFound      = errors.New("account not found")
	ErrAlreadyExists = errors.New("account already exists")
	ErrInvalidAmount = errors.New("amount must be greater than 0 with at most 2 decimal places")
	ErrInvalidUser   = errors.New("user id must be positive")
)

// AmountPlaces is the number of decimal places balances are kept in.
const AmountPlaces = 2

// ValidAmount reports whether v can be deposited or withdrawn without
// rounding.
func ValidAmount(v decimal.Decimal) bool {
	return v.IsPositive() && v.Equal(v.Truncate(AmountPlaces))
}

// Account holds the balance of one user. Balance is never negative.
type Account struct {
	ID        int64
	UserID    int64
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository defines persistence operations for accounts.
//
// Deposit and Withdraw must each be a single atomic operation under
// concurrent callers.
type Repository interface {
	// Create stores a and assigns its ID. Returns ErrAlreadyExists if the
	// user already has an account.
	Create(ctx context.Context, a *Account) error
	GetByUserID(ctx context.Context, userID int64) (*Account, error)
	ExistsByUserID(ctx context.Context, userID int64) (bool, error)
	// Deposit adds amount to the balance and returns the updated account.
	Deposit(ctx context.Context, userID int64, amount decimal.Decimal) (*Account, error)
	// Withdraw subtracts amount only if the balance covers it and reports
	// whether it did. The balance is untouched otherwise.
	Withdraw(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error)
}
