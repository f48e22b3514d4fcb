package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/novivan/SD-big-HW-3/internal/broker"
	"github.com/novivan/SD-big-HW-3/internal/messaging"
)

// ErrTransactionMismatch means a payment result names an order but carries
// another order's transaction id.
var ErrTransactionMismatch = errors.New("transaction id does not match order")

// PaymentResultFields are required in an order_payment_results payload in
// addition to eventType and transactionId.
var PaymentResultFields = []string{
	messaging.FieldOrderID,
	messaging.FieldSuccess,
}

// HandlePaymentResult applies a payment result to its order: success moves it
// to PAID, failure to FAILED.
//
// A result for an order already in the other terminal status is logged and
// ignored. Unknown orders and mismatched transaction ids are permanent
// errors; storage failures are transient.
func (s *Service) HandlePaymentResult(ctx context.Context, payload []byte) error {
	res, err := messaging.ParsePaymentResult(payload)
	if err != nil {
		return err
	}
	lg := zctx.From(ctx).With(
		zap.Int64("order_id", res.OrderID),
		zap.String("transaction_id", res.TransactionID),
		zap.Bool("success", res.Success),
	)

	o, err := s.orders.GetByID(ctx, res.OrderID)
	switch {
	case errors.Is(err, ErrNotFound):
		return errors.Wrapf(err, "order %d", res.OrderID)
	case err != nil:
		return broker.Transient(errors.Wrap(err, "get order"))
	}
	if o.TransactionID != res.TransactionID {
		return errors.Wrapf(ErrTransactionMismatch, "order %d", res.OrderID)
	}

	status := StatusFailed
	if res.Success {
		status = StatusPaid
	} else if res.FailureReason != "" {
		lg = lg.With(zap.String("failure_reason", res.FailureReason))
	}

	_, err = s.UpdateOrderStatus(ctx, res.OrderID, status)
	switch {
	case err == nil:
		lg.Info("Payment result applied", zap.String("status", string(status)))
		return nil
	case errors.Is(err, ErrInvalidTransition):
		lg.Warn("Ignoring payment result for order in another terminal status", zap.Error(err))
		return nil
	case errors.Is(err, ErrNotFound):
		return err
	default:
		return broker.Transient(err)
	}
}
