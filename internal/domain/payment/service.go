package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/messaging"
	"github.com/novivan/SD-big-HW-3/internal/outbox"
	"github.com/novivan/SD-big-HW-3/internal/txn"
)

// AggregateType names payments in outbox records.
const AggregateType = "Payment"

// Request asks to charge UserID Amount for OrderID.
type Request struct {
	OrderID       int64
	UserID        int64
	Amount        decimal.Decimal
	TransactionID string
}

func (r Request) validate() error {
	switch {
	case r.OrderID <= 0:
		return errors.Wrap(ErrInvalidRequest, "order id must be positive")
	case r.UserID <= 0:
		return errors.Wrap(ErrInvalidRequest, "user id must be positive")
	case !r.Amount.IsPositive():
		return errors.Wrap(ErrInvalidRequest, "amount must be greater than 0")
	case !r.Amount.Equal(r.Amount.Truncate(2)):
		return errors.Wrap(ErrInvalidRequest, "amount has more than 2 decimal places")
	case r.TransactionID == "":
		return errors.Wrap(ErrInvalidRequest, "transaction id required")
	}
	return nil
}

// Result is the business outcome of processing a Request.
type Result struct {
	PaymentID     int64
	Success       bool
	FailureReason string
	// Replayed is set when the outcome was recorded by an earlier attempt.
	Replayed bool
}

// Service charges accounts for orders exactly once per transaction id.
type Service struct {
	payments Repository
	ledger   Ledger
	outbox   outbox.Store
	tx       txn.Transactor
	now      func() time.Time
}

// NewService creates a payment Service. The transactor must cover the
// payment repository, the ledger and the outbox store.
func NewService(payments Repository, ledger Ledger, outboxStore outbox.Store, tx txn.Transactor) *Service {
	return &Service{
		payments: payments,
		ledger:   ledger,
		outbox:   outboxStore,
		tx:       tx,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessPayment charges the account for req and enqueues one payment result.
//
// A transaction id that already reached a terminal status returns the
// recorded outcome without touching the ledger. A PENDING payment for the
// transaction id yields ErrPaymentPending.
func (s *Service) ProcessPayment(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	lg := zctx.From(ctx).With(
		zap.Int64("order_id", req.OrderID),
		zap.Int64("user_id", req.UserID),
		zap.String("transaction_id", req.TransactionID),
	)

	existing, err := s.payments.GetByTransactionID(ctx, req.TransactionID)
	switch {
	case err == nil:
		if !existing.Status.Terminal() {
			return Result{}, errors.Wrapf(ErrPaymentPending, "payment %d", existing.ID)
		}
		lg.Info("Payment already processed", zap.String("status", string(existing.Status)))
		return Result{
			PaymentID:     existing.ID,
			Success:       existing.Status == StatusCompleted,
			FailureReason: existing.FailureReason,
			Replayed:      true,
		}, nil
	case !errors.Is(err, ErrNotFound):
		return Result{}, fmt.Errorf("get payment: %w", err)
	}

	var res Result
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p := &Payment{
			OrderID:       req.OrderID,
			UserID:        req.UserID,
			TransactionID: req.TransactionID,
			Amount:        req.Amount,
			Status:        StatusPending,
			CreatedAt:     s.now(),
		}
		if err := s.payments.Create(ctx, p); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return errors.Wrap(ErrPaymentPending, "concurrent attempt")
			}
			return fmt.Errorf("create payment: %w", err)
		}

		reason, err := s.charge(ctx, req)
		if err != nil {
			return err
		}
		status := StatusCompleted
		if reason != "" {
			status = StatusFailed
		}
		completedAt := s.now()
		if err := s.payments.Complete(ctx, p.ID, status, reason, completedAt); err != nil {
			return fmt.Errorf("complete payment %d: %w", p.ID, err)
		}

		result := messaging.PaymentResult{
			OrderID:       req.OrderID,
			Amount:        req.Amount,
			Success:       reason == "",
			TransactionID: req.TransactionID,
			FailureReason: reason,
			Timestamp:     completedAt,
		}
		rec, err := outbox.NewRecord(AggregateType, req.TransactionID, messaging.EventPaymentResult, result.Bytes())
		if err != nil {
			return fmt.Errorf("build outbox record: %w", err)
		}
		if err := s.outbox.Save(ctx, rec); err != nil {
			return fmt.Errorf("save outbox record: %w", err)
		}

		res = Result{PaymentID: p.ID, Success: result.Success, FailureReason: reason}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.Success {
		lg.Info("Payment completed", zap.Int64("payment_id", res.PaymentID), zap.Stringer("amount", req.Amount))
	} else {
		lg.Info("Payment failed", zap.Int64("payment_id", res.PaymentID), zap.String("reason", res.FailureReason))
	}
	return res, nil
}

// charge withdraws the amount and returns a failure reason, empty on success.
func (s *Service) charge(ctx context.Context, req Request) (string, error) {
	ok, err := s.ledger.HasAccount(ctx, req.UserID)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonAccountNotFound, nil
	}
	ok, err = s.ledger.Withdraw(ctx, req.UserID, req.Amount)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonInsufficientFunds, nil
	}
	return "", nil
}

// PaymentsForOrder returns the payment attempts recorded for orderID, oldest
// first.
func (s *Service) PaymentsForOrder(ctx context.Context, orderID int64) ([]Payment, error) {
	payments, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments of order %d: %w", orderID, err)
	}
	return payments, nil
}
