package payment

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/novivan/SD-big-HW-3/internal/broker"
	"github.com/novivan/SD-big-HW-3/internal/messaging"
)

// PaymentRequestFields are required in a payment_requests payload in
// addition to eventType and transactionId.
var PaymentRequestFields = []string{
	messaging.FieldOrderID,
	messaging.FieldUserID,
	messaging.FieldAmount,
}

// HandlePaymentRequest processes a payment_requests payload. Invalid requests
// are permanent errors; a pending payment and storage failures are transient.
func (s *Service) HandlePaymentRequest(ctx context.Context, payload []byte) error {
	msg, err := messaging.ParsePaymentRequest(payload)
	if err != nil {
		return err
	}
	_, err = s.ProcessPayment(ctx, Request{
		OrderID:       msg.OrderID,
		UserID:        msg.UserID,
		Amount:        msg.Amount,
		TransactionID: msg.TransactionID,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidRequest):
		return err
	default:
		return broker.Transient(err)
	}
}
