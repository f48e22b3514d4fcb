package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/novivan/SD-big-HW-3/internal/domain/payment"
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository stores payments with a unique transaction id index.
type PaymentRepository struct {
	mu     sync.RWMutex
	byID   map[int64]*payment.Payment
	byTxID map[string]int64
	nextID int64
}

// NewPaymentRepository returns an empty PaymentRepository.
func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		byID:   make(map[int64]*payment.Payment),
		byTxID: make(map[string]int64),
	}
}

func (r *PaymentRepository) Create(_ context.Context, p *payment.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTxID[p.TransactionID]; ok {
		return payment.ErrAlreadyExists
	}
	r.nextID++
	p.ID = r.nextID
	cp := *p
	r.byID[p.ID] = &cp
	r.byTxID[p.TransactionID] = p.ID
	return nil
}

func (r *PaymentRepository) GetByTransactionID(_ context.Context, transactionID string) (*payment.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTxID[transactionID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

// ListByOrder returns the order's payments, oldest first.
func (r *PaymentRepository) ListByOrder(_ context.Context, orderID int64) ([]payment.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []payment.Payment
	for _, p := range r.byID {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b payment.Payment) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *PaymentRepository) Complete(_ context.Context, id int64, status payment.Status, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return payment.ErrNotFound
	}
	if p.Status != payment.StatusPending {
		return payment.ErrNotPending
	}
	p.Status = status
	p.FailureReason = reason
	p.CompletedAt = at
	return nil
}
