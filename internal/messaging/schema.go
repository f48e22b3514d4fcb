// Package messaging defines the queues and JSON messages exchanged between the
// orders and payments services.
package messaging

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Queues.
const (
	PaymentRequestsQueue     = "payment_requests"
	OrderPaymentResultsQueue = "order_payment_results"
)

// Event types. PROCESS_PAYMENT, PAYMENT_COMPLETED and PAYMENT_FAILED appear in
// payloads; ORDER_CREATED and PAYMENT_RESULT name outbox records.
const (
	EventProcessPayment   = "PROCESS_PAYMENT"
	EventOrderCreated     = "ORDER_CREATED"
	EventPaymentResult    = "PAYMENT_RESULT"
	EventPaymentCompleted = "PAYMENT_COMPLETED"
	EventPaymentFailed    = "PAYMENT_FAILED"
)

// Payload field names.
const (
	FieldMessageID     = "messageId"
	FieldEventType     = "eventType"
	FieldOrderID       = "orderId"
	FieldUserID        = "userId"
	FieldAmount        = "amount"
	FieldSuccess       = "success"
	FieldTransactionID = "transactionId"
	FieldFailureReason = "failureReason"
	FieldTimestamp     = "timestamp"
)

// PaymentRequest asks the payments service to charge a user for an order.
type PaymentRequest struct {
	MessageID     string
	OrderID       int64
	UserID        int64
	Amount        decimal.Decimal
	TransactionID string
	Timestamp     time.Time
}

// Encode writes the request as a JSON object. An empty MessageID is omitted
// so the outbox dispatcher can inject the record's own id.
func (r PaymentRequest) Encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		if r.MessageID != "" {
			e.Field(FieldMessageID, func(e *jx.Encoder) { e.Str(r.MessageID) })
		}
		e.Field(FieldEventType, func(e *jx.Encoder) { e.Str(EventProcessPayment) })
		e.Field(FieldOrderID, func(e *jx.Encoder) { e.Int64(r.OrderID) })
		e.Field(FieldUserID, func(e *jx.Encoder) { e.Int64(r.UserID) })
		e.Field(FieldAmount, func(e *jx.Encoder) { encodeAmount(e, r.Amount) })
		e.Field(FieldTransactionID, func(e *jx.Encoder) { e.Str(r.TransactionID) })
		e.Field(FieldTimestamp, func(e *jx.Encoder) { e.Int64(r.Timestamp.UnixMilli()) })
	})
}

// Bytes returns the JSON encoding of r.
func (r PaymentRequest) Bytes() []byte {
	var e jx.Encoder
	r.Encode(&e)
	return e.Bytes()
}

// Decode reads a request object. Unknown fields are ignored.
func (r *PaymentRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case FieldMessageID:
			r.MessageID, err = optionalStr(d)
		case FieldOrderID:
			r.OrderID, err = d.Int64()
		case FieldUserID:
			r.UserID, err = d.Int64()
		case FieldAmount:
			r.Amount, err = decodeAmount(d)
		case FieldTransactionID:
			r.TransactionID, err = d.Str()
		case FieldTimestamp:
			r.Timestamp, err = decodeMillis(d)
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

// ParsePaymentRequest decodes data into a PaymentRequest.
func ParsePaymentRequest(data []byte) (PaymentRequest, error) {
	var r PaymentRequest
	if err := r.Decode(jx.DecodeBytes(data)); err != nil {
		return PaymentRequest{}, errors.Wrap(err, "decode payment request")
	}
	return r, nil
}

// PaymentResult reports the outcome of a payment back to the orders service.
type PaymentResult struct {
	MessageID     string
	OrderID       int64
	Amount        decimal.Decimal
	Success       bool
	TransactionID string
	FailureReason string
	Timestamp     time.Time
}

// EventType is PAYMENT_COMPLETED or PAYMENT_FAILED depending on Success.
func (r PaymentResult) EventType() string {
	if r.Success {
		return EventPaymentCompleted
	}
	return EventPaymentFailed
}

// Encode writes the result as a JSON object. failureReason is null when empty.
func (r PaymentResult) Encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		if r.MessageID != "" {
			e.Field(FieldMessageID, func(e *jx.Encoder) { e.Str(r.MessageID) })
		}
		e.Field(FieldEventType, func(e *jx.Encoder) { e.Str(r.EventType()) })
		e.Field(FieldOrderID, func(e *jx.Encoder) { e.Int64(r.OrderID) })
		e.Field(FieldAmount, func(e *jx.Encoder) { encodeAmount(e, r.Amount) })
		e.Field(FieldSuccess, func(e *jx.Encoder) { e.Bool(r.Success) })
		e.Field(FieldTransactionID, func(e *jx.Encoder) { e.Str(r.TransactionID) })
		e.Field(FieldFailureReason, func(e *jx.Encoder) {
			if r.FailureReason == "" {
				e.Null()
				return
			}
			e.Str(r.FailureReason)
		})
		e.Field(FieldTimestamp, func(e *jx.Encoder) { e.Int64(r.Timestamp.UnixMilli()) })
	})
}

// Bytes returns the JSON encoding of r.
func (r PaymentResult) Bytes() []byte {
	var e jx.Encoder
	r.Encode(&e)
	return e.Bytes()
}

// Decode reads a result object. Unknown fields are ignored.
func (r *PaymentResult) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case FieldMessageID:
			r.MessageID, err = optionalStr(d)
		case FieldOrderID:
			r.OrderID, err = d.Int64()
		case FieldAmount:
			r.Amount, err = decodeAmount(d)
		case FieldSuccess:
			r.Success, err = d.Bool()
		case FieldTransactionID:
			r.TransactionID, err = d.Str()
		case FieldFailureReason:
			r.FailureReason, err = optionalStr(d)
		case FieldTimestamp:
			r.Timestamp, err = decodeMillis(d)
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
}

// ParsePaymentResult decodes data into a PaymentResult.
func ParsePaymentResult(data []byte) (PaymentResult, error) {
	var r PaymentResult
	if err := r.Decode(jx.DecodeBytes(data)); err != nil {
		return PaymentResult{}, errors.Wrap(err, "decode payment result")
	}
	return r, nil
}

// encodeAmount writes the exact decimal digits as a JSON number.
func encodeAmount(e *jx.Encoder, v decimal.Decimal) {
	e.Raw([]byte(v.String()))
}

// decodeAmount accepts a JSON number or a numeric string.
func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	}
}

func decodeMillis(d *jx.Decoder) (time.Time, error) {
	ms, err := d.Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func optionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}
