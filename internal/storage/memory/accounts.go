package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novivan/SD-big-HW-3/internal/domain/account"
)

var _ account.Repository = (*AccountRepository)(nil)

// AccountRepository keeps one account per user. Balance updates are
// compare-and-swap loops on an immutable decimal, so deposits and
// withdrawals never hold a lock.
type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[int64]*accountEntry
	nextID   atomic.Int64
}

type accountEntry struct {
	id        int64
	userID    int64
	createdAt time.Time
	balance   atomic.Pointer[decimal.Decimal]
	updatedAt atomic.Int64
}

func (e *accountEntry) snapshot() *account.Account {
	return &account.Account{
		ID:        e.id,
		UserID:    e.userID,
		Balance:   *e.balance.Load(),
		CreatedAt: e.createdAt,
		UpdatedAt: time.Unix(0, e.updatedAt.Load()).UTC(),
	}
}

func (e *accountEntry) touch() {
	e.updatedAt.Store(time.Now().UnixNano())
}

// NewAccountRepository returns an empty AccountRepository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{accounts: make(map[int64]*accountEntry)}
}

func (r *AccountRepository) entry(userID int64) (*accountEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.accounts[userID]
	if !ok {
		return nil, account.ErrNotFound
	}
	return e, nil
}

func (r *AccountRepository) Create(_ context.Context, a *account.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.UserID]; ok {
		return account.ErrAlreadyExists
	}
	a.ID = r.nextID.Add(1)
	e := &accountEntry{id: a.ID, userID: a.UserID, createdAt: a.CreatedAt}
	balance := a.Balance
	e.balance.Store(&balance)
	e.updatedAt.Store(a.UpdatedAt.UnixNano())
	r.accounts[a.UserID] = e
	return nil
}

func (r *AccountRepository) GetByUserID(_ context.Context, userID int64) (*account.Account, error) {
	e, err := r.entry(userID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

func (r *AccountRepository) ExistsByUserID(_ context.Context, userID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.accounts[userID]
	return ok, nil
}

func (r *AccountRepository) Deposit(_ context.Context, userID int64, amount decimal.Decimal) (*account.Account, error) {
	e, err := r.entry(userID)
	if err != nil {
		return nil, err
	}
	for {
		cur := e.balance.Load()
		next := cur.Add(amount)
		if e.balance.CompareAndSwap(cur, &next) {
			e.touch()
			a := e.snapshot()
			a.Balance = next
			return a, nil
		}
	}
}

func (r *AccountRepository) Withdraw(_ context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	e, err := r.entry(userID)
	if err != nil {
		return false, err
	}
	for {
		cur := e.balance.Load()
		if cur.LessThan(amount) {
			return false, nil
		}
		next := cur.Sub(amount)
		if e.balance.CompareAndSwap(cur, &next) {
			e.touch()
			return true, nil
		}
	}
}
