package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novivan/SD-big-HW-3/internal/broker"
	"github.com/novivan/SD-big-HW-3/internal/messaging"
	"github.com/novivan/SD-big-HW-3/internal/outbox"
	"github.com/novivan/SD-big-HW-3/internal/txn"
)

// --- Mock implementations ---

type mockPayments struct {
	mu     sync.Mutex
	byID   map[int64]*Payment
	nextID int64
	getErr error
}

func newMockPayments() *mockPayments {
	return &mockPayments{byID: make(map[int64]*Payment)}
}

func (m *mockPayments) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.TransactionID == p.TransactionID {
			return ErrAlreadyExists
		}
	}
	m.nextID++
	p.ID = m.nextID
	cp := *p
	m.byID[p.ID] = &cp
	return nil
}

func (m *mockPayments) GetByTransactionID(_ context.Context, txID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, p := range m.byID {
		if p.TransactionID == txID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPayments) ListByOrder(_ context.Context, orderID int64) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for id := int64(1); id <= m.nextID; id++ {
		if p, ok := m.byID[id]; ok && p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockPayments) Complete(_ context.Context, id int64, status Status, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending {
		return ErrNotPending
	}
	p.Status = status
	p.FailureReason = reason
	p.CompletedAt = at
	return nil
}

func (m *mockPayments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type mockLedger struct {
	mu          sync.Mutex
	balances    map[int64]decimal.Decimal
	withdrawals int
	checks      int
	err         error
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[int64]decimal.Decimal)}
}

func (m *mockLedger) HasAccount(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	_, ok := m.balances[userID]
	return ok, nil
}

func (m *mockLedger) Withdraw(_ context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	b := m.balances[userID]
	if b.LessThan(amount) {
		return false, nil
	}
	m.balances[userID] = b.Sub(amount)
	m.withdrawals++
	return true, nil
}

type mockOutbox struct {
	mu      sync.Mutex
	records []outbox.Record
}

func (m *mockOutbox) Save(_ context.Context, rec outbox.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockOutbox) FindUnprocessed(_ context.Context, _ []string, _ int) ([]outbox.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Record(nil), m.records...), nil
}

func (m *mockOutbox) MarkProcessed(_ context.Context, _ uuid.UUID, _ time.Time) error {
	return nil
}

// --- Helpers ---

type fixture struct {
	svc      *Service
	payments *mockPayments
	ledger   *mockLedger
	outbox   *mockOutbox
}

func newFixture() *fixture {
	f := &fixture{
		payments: newMockPayments(),
		ledger:   newMockLedger(),
		outbox:   &mockOutbox{},
	}
	f.svc = NewService(f.payments, f.ledger, f.outbox, txn.Inline)
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newRequest(amount string) Request {
	return Request{
		OrderID:       1,
		UserID:        10,
		Amount:        dec(amount),
		TransactionID: uuid.NewString(),
	}
}

func requestPayload(req Request) []byte {
	return messaging.PaymentRequest{
		MessageID:     uuid.NewString(),
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		TransactionID: req.TransactionID,
		Timestamp:     time.Now(),
	}.Bytes()
}

func (f *fixture) onlyResult(t *testing.T) messaging.PaymentResult {
	t.Helper()
	require.Len(t, f.outbox.records, 1)
	rec := f.outbox.records[0]
	assert.Equal(t, messaging.EventPaymentResult, rec.EventType)
	assert.Equal(t, AggregateType, rec.AggregateType)
	res, err := messaging.ParsePaymentResult(rec.Payload)
	require.NoError(t, err)
	return res
}

// --- Tests ---

func TestProcessPayment_Completed(t *testing.T) {
	f := newFixture()
	f.ledger.balances[10] = dec("500")
	req := newRequest("199.98")

	res, err := f.svc.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.FailureReason)
	assert.False(t, res.Replayed)
	assert.True(t, dec("300.02").Equal(f.ledger.balances[10]))

	p, err := f.payments.GetByTransactionID(context.Background(), req.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.False(t, p.CompletedAt.IsZero())

	msg := f.onlyResult(t)
	assert.True(t, msg.Success)
	assert.Equal(t, messaging.EventPaymentCompleted, msg.EventType())
	assert.Equal(t, req.OrderID, msg.OrderID)
	assert.Equal(t, req.TransactionID, msg.TransactionID)
	assert.True(t, req.Amount.Equal(msg.Amount))
}

func TestProcessPayment_AccountNotFound(t *testing.T) {
	f := newFixture()
	req := newRequest("10")

	res, err := f.svc.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAccountNotFound, res.FailureReason)
	assert.Zero(t, f.ledger.withdrawals)

	msg := f.onlyResult(t)
	assert.False(t, msg.Success)
	assert.Equal(t, messaging.EventPaymentFailed, msg.EventType())
	assert.Equal(t, ReasonAccountNotFound, msg.FailureReason)
}

func TestProcessPayment_InsufficientFunds(t *testing.T) {
	f := newFixture()
	f.ledger.balances[10] = dec("50")
	req := newRequest("50.01")

	res, err := f.svc.ProcessPayment(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInsufficientFunds, res.FailureReason)
	assert.True(t, dec("50").Equal(f.ledger.balances[10]))

	p, err := f.payments.GetByTransactionID(context.Background(), req.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, ReasonInsufficientFunds, p.FailureReason)

	assert.False(t, f.onlyResult(t).Success)
}

func TestProcessPayment_SameTransactionOnce(t *testing.T) {
	for _, balance := range []string{"500", "1"} {
		t.Run(balance, func(t *testing.T) {
			f := newFixture()
			f.ledger.balances[10] = dec(balance)
			req := newRequest("100")
			ctx := context.Background()

			first, err := f.svc.ProcessPayment(ctx, req)
			require.NoError(t, err)
			second, err := f.svc.ProcessPayment(ctx, req)
			require.NoError(t, err)

			assert.True(t, second.Replayed)
			assert.Equal(t, first.Success, second.Success)
			assert.Equal(t, first.FailureReason, second.FailureReason)
			assert.Equal(t, first.PaymentID, second.PaymentID)
			assert.Equal(t, 1, f.payments.count())
			assert.Len(t, f.outbox.records, 1)
			assert.Equal(t, 1, f.ledger.checks)
		})
	}
}

func TestHandlePaymentRequest_DuplicateDeliveryOneMutation(t *testing.T) {
	f := newFixture()
	f.ledger.balances[10] = dec("500")
	payload := requestPayload(newRequest("199.98"))
	ctx := context.Background()

	require.NoError(t, f.svc.HandlePaymentRequest(ctx, payload))
	require.NoError(t, f.svc.HandlePaymentRequest(ctx, payload))

	assert.Equal(t, 1, f.payments.count())
	assert.Equal(t, 1, f.ledger.withdrawals)
	assert.True(t, dec("300.02").Equal(f.ledger.balances[10]))
}

func TestProcessPayment_PendingIsRetried(t *testing.T) {
	f := newFixture()
	f.ledger.balances[10] = dec("500")
	req := newRequest("10")
	require.NoError(t, f.payments.Create(context.Background(), &Payment{
		OrderID:       req.OrderID,
		UserID:        req.UserID,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Status:        StatusPending,
	}))

	_, err := f.svc.ProcessPayment(context.Background(), req)
	require.ErrorIs(t, err, ErrPaymentPending)
	assert.Zero(t, f.ledger.checks)
	assert.Empty(t, f.outbox.records)

	err = f.svc.HandlePaymentRequest(context.Background(), requestPayload(req))
	require.ErrorIs(t, err, ErrPaymentPending)
	assert.True(t, broker.IsTransient(err))
}

func TestProcessPayment_InvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{name: "ZeroAmount", mutate: func(r *Request) { r.Amount = decimal.Zero }},
		{name: "NegativeAmount", mutate: func(r *Request) { r.Amount = dec("-1") }},
		{name: "SubCentAmount", mutate: func(r *Request) { r.Amount = dec("0.001") }},
		{name: "NoOrder", mutate: func(r *Request) { r.OrderID = 0 }},
		{name: "NoUser", mutate: func(r *Request) { r.UserID = 0 }},
		{name: "NoTransaction", mutate: func(r *Request) { r.TransactionID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := newRequest("10")
			tt.mutate(&req)

			_, err := f.svc.ProcessPayment(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, f.payments.count())

			err = f.svc.HandlePaymentRequest(context.Background(), requestPayload(req))
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.False(t, broker.IsTransient(err))
		})
	}
}

func TestHandlePaymentRequest_Malformed(t *testing.T) {
	f := newFixture()

	err := f.svc.HandlePaymentRequest(context.Background(), []byte(`{"orderId":true}`))
	require.Error(t, err)
	assert.False(t, broker.IsTransient(err))
}

func TestHandlePaymentRequest_StorageErrorIsTransient(t *testing.T) {
	f := newFixture()
	f.payments.getErr = errors.New("connection reset")

	err := f.svc.HandlePaymentRequest(context.Background(), requestPayload(newRequest("10")))
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))
}

func TestProcessPayment_LedgerErrorAbortsUnitOfWork(t *testing.T) {
	f := newFixture()
	f.ledger.balances[10] = dec("500")
	f.ledger.err = errors.New("ledger unavailable")

	var aborted bool
	f.svc.tx = txn.TransactorFunc(func(ctx context.Context, fn func(context.Context) error) error {
		err := fn(ctx)
		aborted = err != nil
		return err
	})

	_, err := f.svc.ProcessPayment(context.Background(), newRequest("10"))
	require.Error(t, err)
	assert.True(t, aborted)
	assert.Empty(t, f.outbox.records)
}

func TestPaymentsForOrder(t *testing.T) {
	f := newFixture()
	f.ledger.balances[10] = dec("15")
	ctx := context.Background()

	for _, amount := range []string{"10", "10"} {
		_, err := f.svc.ProcessPayment(ctx, newRequest(amount))
		require.NoError(t, err)
	}
	other := newRequest("1")
	other.OrderID = 2
	_, err := f.svc.ProcessPayment(ctx, other)
	require.NoError(t, err)

	payments, err := f.svc.PaymentsForOrder(ctx, 1)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, StatusCompleted, payments[0].Status)
	assert.Equal(t, StatusFailed, payments[1].Status)
}
