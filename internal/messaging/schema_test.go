package messaging

import (
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentRequest_WireFormat(t *testing.T) {
	req := PaymentRequest{
		OrderID:       7,
		UserID:        3,
		Amount:        decimal.RequireFromString("199.98"),
		TransactionID: "tx-1",
		Timestamp:     time.UnixMilli(1700000000123),
	}

	assert.JSONEq(t, `{
		"eventType": "PROCESS_PAYMENT",
		"orderId": 7,
		"userId": 3,
		"amount": 199.98,
		"transactionId": "tx-1",
		"timestamp": 1700000000123
	}`, string(req.Bytes()))
}

func TestParsePaymentRequest(t *testing.T) {
	got, err := ParsePaymentRequest([]byte(`{
		"messageId": "m-1",
		"eventType": "PROCESS_PAYMENT",
		"orderId": 1,
		"userId": 2,
		"amount": 0.1,
		"transactionId": "tx",
		"timestamp": 5,
		"extra": {"ignored": [true]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.MessageID)
	assert.Equal(t, int64(1), got.OrderID)
	assert.Equal(t, int64(2), got.UserID)
	assert.True(t, decimal.RequireFromString("0.1").Equal(got.Amount))
	assert.Equal(t, time.UnixMilli(5), got.Timestamp)
}

func TestParsePaymentRequest_StringAmount(t *testing.T) {
	got, err := ParsePaymentRequest([]byte(`{"amount":"12.50","transactionId":"tx"}`))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(got.Amount))
}

func TestParsePaymentRequest_BadAmount(t *testing.T) {
	_, err := ParsePaymentRequest([]byte(`{"amount":true}`))
	require.Error(t, err)
}

func TestPaymentResult_EventType(t *testing.T) {
	assert.Equal(t, EventPaymentCompleted, PaymentResult{Success: true}.EventType())
	assert.Equal(t, EventPaymentFailed, PaymentResult{}.EventType())
}

func TestPaymentResult_NullFailureReason(t *testing.T) {
	res := PaymentResult{
		MessageID:     "m",
		OrderID:       1,
		Amount:        decimal.NewFromInt(10),
		Success:       true,
		TransactionID: "tx",
	}

	raw := res.Bytes()
	var sawNull bool
	require.NoError(t, jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		if key == FieldFailureReason {
			sawNull = d.Next() == jx.Null
		}
		return d.Skip()
	}))
	assert.True(t, sawNull)

	parsed, err := ParsePaymentResult(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.FailureReason)
	assert.True(t, parsed.Success)
}

func TestParsePaymentResult_Failure(t *testing.T) {
	got, err := ParsePaymentResult([]byte(`{
		"messageId": "m-2",
		"eventType": "PAYMENT_FAILED",
		"orderId": 9,
		"amount": 1000,
		"success": false,
		"transactionId": "tx-9",
		"failureReason": "insufficient funds",
		"timestamp": 1
	}`))
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Equal(t, "insufficient funds", got.FailureReason)
	assert.Equal(t, int64(9), got.OrderID)
	assert.Equal(t, EventPaymentFailed, got.EventType())
}
