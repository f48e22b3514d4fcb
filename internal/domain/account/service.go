package account

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Service exposes ledger operations over a Repository.
type Service struct {
	repo Repository
}

// NewService creates an account Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateAccount opens an account with a zero balance for userID.
func (s *Service) CreateAccount(ctx context.Context, userID int64) (*Account, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	now := time.Now().UTC()
	a := &Account{
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create account for user %d: %w", userID, err)
	}
	zctx.From(ctx).Info("Account created",
		zap.Int64("account_id", a.ID),
		zap.Int64("user_id", userID),
	)
	return a, nil
}

// DepositFunds adds amount to the balance of the user's account.
func (s *Service) DepositFunds(ctx context.Context, userID int64, amount decimal.Decimal) (*Account, error) {
	if !ValidAmount(amount) {
		return nil, ErrInvalidAmount
	}
	a, err := s.repo.Deposit(ctx, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("deposit to user %d: %w", userID, err)
	}
	zctx.From(ctx).Info("Funds deposited",
		zap.Int64("user_id", userID),
		zap.Stringer("amount", amount),
		zap.Stringer("balance", a.Balance),
	)
	return a, nil
}

// Withdraw subtracts amount if the balance covers it. Insufficient funds is
// reported as false, not as an error.
func (s *Service) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	if !ValidAmount(amount) {
		return false, ErrInvalidAmount
	}
	ok, err := s.repo.Withdraw(ctx, userID, amount)
	if err != nil {
		return false, fmt.Errorf("withdraw from user %d: %w", userID, err)
	}
	lg := zctx.From(ctx).With(
		zap.Int64("user_id", userID),
		zap.Stringer("amount", amount),
	)
	if ok {
		lg.Info("Funds withdrawn")
	} else {
		lg.Info("Withdrawal declined: insufficient funds")
	}
	return ok, nil
}

// GetBalance returns the current balance of the user's account.
func (s *Service) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	a, err := s.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// GetAccount returns the user's account or ErrNotFound.
func (s *Service) GetAccount(ctx context.Context, userID int64) (*Account, error) {
	a, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get account of user %d: %w", userID, err)
	}
	return a, nil
}

// HasAccount reports whether the user has opened an account.
func (s *Service) HasAccount(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.repo.ExistsByUserID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("check account of user %d: %w", userID, err)
	}
	return ok, nil
}
