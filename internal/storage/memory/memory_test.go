package memory

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novivan/SD-big-HW-3/internal/domain/account"
	"github.com/novivan/SD-big-HW-3/internal/domain/order"
	"github.com/novivan/SD-big-HW-3/internal/domain/payment"
	"github.com/novivan/SD-big-HW-3/internal/domain/product"
	"github.com/novivan/SD-big-HW-3/internal/inbox"
	"github.com/novivan/SD-big-HW-3/internal/outbox"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newAccount(t *testing.T, r *AccountRepository, userID int64, balance string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, r.Create(context.Background(), &account.Account{
		UserID:    userID,
		Balance:   dec(balance),
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestGoodsRepository(t *testing.T) {
	r := NewGoodsRepository(
		product.Good{ID: "2", Name: "Mouse", Price: dec("24.50")},
		product.Good{ID: "1", Name: "Keyboard", Price: dec("99.99")},
	)
	ctx := context.Background()

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1", all[0].ID)

	got, err := r.GetByIDs(ctx, []string{"1", "missing", "1", "2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = r.GetByID(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestOrderRepository(t *testing.T) {
	r := NewOrderRepository()
	ctx := context.Background()

	o := order.New(5)
	require.NoError(t, o.AddItem(product.Good{ID: "1", Price: dec("10")}, 1))
	require.NoError(t, r.Create(ctx, o))
	assert.Equal(t, int64(1), o.ID)

	// Mutating the caller's copy does not leak into the store.
	o.Items[0].Quantity = 100

	got, err := r.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Items[0].Quantity)

	changed, err := r.UpdateStatus(ctx, o.ID, order.StatusCreated, order.StatusPaid)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.UpdateStatus(ctx, o.ID, order.StatusCreated, order.StatusFailed)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = r.UpdateStatus(ctx, 42, order.StatusCreated, order.StatusPaid)
	require.ErrorIs(t, err, order.ErrNotFound)

	second := order.New(5)
	require.NoError(t, r.Create(ctx, second))
	require.NoError(t, r.Create(ctx, order.New(6)))
	list, err := r.ListByUser(ctx, 5)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []int64{1, 2}, []int64{list[0].ID, list[1].ID})
}

func TestAccountRepository(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()
	newAccount(t, r, 1, "0")

	err := r.Create(ctx, &account.Account{UserID: 1})
	require.ErrorIs(t, err, account.ErrAlreadyExists)

	a, err := r.Deposit(ctx, 1, dec("500"))
	require.NoError(t, err)
	assert.True(t, dec("500").Equal(a.Balance))

	ok, err := r.Withdraw(ctx, 1, dec("199.98"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Withdraw(ctx, 1, dec("300.03"))
	require.NoError(t, err)
	assert.False(t, ok)

	a, err = r.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("300.02").Equal(a.Balance))

	_, err = r.Withdraw(ctx, 2, dec("1"))
	require.ErrorIs(t, err, account.ErrNotFound)

	exists, err := r.ExistsByUserID(ctx, 2)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAccountRepository_ConcurrentBalanceNeverNegative(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()
	newAccount(t, r, 1, "50")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		delta = decimal.Zero
	)
	for w := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 7))
			for range 300 {
				amount := decimal.New(rng.Int64N(2000)+1, -2)
				if rng.IntN(2) == 0 {
					_, err := r.Deposit(ctx, 1, amount)
					assert.NoError(t, err)
					mu.Lock()
					delta = delta.Add(amount)
					mu.Unlock()
					continue
				}
				ok, err := r.Withdraw(ctx, 1, amount)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					delta = delta.Sub(amount)
					mu.Unlock()
				}
				a, err := r.GetByUserID(ctx, 1)
				assert.NoError(t, err)
				assert.False(t, a.Balance.IsNegative())
			}
		}()
	}
	wg.Wait()

	a, err := r.GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, dec("50").Add(delta).Equal(a.Balance), "balance %s", a.Balance)
}

func TestAccountRepository_RacingWithdrawalsOneWins(t *testing.T) {
	for range 100 {
		r := NewAccountRepository()
		newAccount(t, r, 1, "100")

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			wins  = make([]bool, 8)
		)
		for i := range wins {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := r.Withdraw(context.Background(), 1, dec("60"))
				assert.NoError(t, err)
				wins[i] = ok
			}()
		}
		close(start)
		wg.Wait()

		n := 0
		for _, ok := range wins {
			if ok {
				n++
			}
		}
		require.Equal(t, 1, n)
	}
}

func TestPaymentRepository(t *testing.T) {
	r := NewPaymentRepository()
	ctx := context.Background()

	p := &payment.Payment{OrderID: 1, TransactionID: "tx-1", Amount: dec("5"), Status: payment.StatusPending}
	require.NoError(t, r.Create(ctx, p))
	err := r.Create(ctx, &payment.Payment{OrderID: 1, TransactionID: "tx-1"})
	require.ErrorIs(t, err, payment.ErrAlreadyExists)

	at := time.Now().UTC()
	require.NoError(t, r.Complete(ctx, p.ID, payment.StatusCompleted, "", at))
	require.ErrorIs(t, r.Complete(ctx, p.ID, payment.StatusFailed, "late", at), payment.ErrNotPending)

	got, err := r.GetByTransactionID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, got.Status)
	assert.Equal(t, at, got.CompletedAt)

	_, err = r.GetByTransactionID(ctx, "tx-2")
	require.ErrorIs(t, err, payment.ErrNotFound)

	require.NoError(t, r.Create(ctx, &payment.Payment{OrderID: 1, TransactionID: "tx-2"}))
	list, err := r.ListByOrder(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOutboxStore(t *testing.T) {
	s := NewOutboxStore()
	ctx := context.Background()

	var ids []outbox.Record
	for range 3 {
		rec, err := outbox.NewRecord("Order", "1", "ORDER_CREATED", []byte(`{"orderId":1}`))
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, rec))
		ids = append(ids, rec)
	}
	require.Error(t, s.Save(ctx, ids[0]))

	batch, err := s.FindUnprocessed(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[0].ID, batch[0].ID)
	assert.Equal(t, ids[1].ID, batch[1].ID)

	at := time.Now().UTC()
	require.NoError(t, s.MarkProcessed(ctx, ids[0].ID, at))
	require.NoError(t, s.MarkProcessed(ctx, ids[0].ID, at.Add(time.Hour)))
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
	assert.Equal(t, at, s.All()[0].ProcessedAt)

	all, err := s.FindUnprocessed(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	missing, err := outbox.NewRecord("Order", "2", "ORDER_CREATED", []byte(`{}`))
	require.NoError(t, err)
	require.ErrorIs(t, s.MarkProcessed(ctx, missing.ID, at), outbox.ErrNotFound)
}

func TestOutboxStore_FilterByEventType(t *testing.T) {
	s := NewOutboxStore()
	ctx := context.Background()

	for range 3 {
		rec, err := outbox.NewRecord("Order", "1", "UNKNOWN", []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, rec))
	}
	routed, err := outbox.NewRecord("Order", "1", "ORDER_CREATED", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, routed))

	batch, err := s.FindUnprocessed(ctx, []string{"ORDER_CREATED", "PROCESS_PAYMENT"}, 3)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, routed.ID, batch[0].ID)

	unfiltered, err := s.FindUnprocessed(ctx, nil, 3)
	require.NoError(t, err)
	assert.Len(t, unfiltered, 3)
}

func TestInboxStore(t *testing.T) {
	s := NewInboxStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, inbox.Record{ID: id, MessageType: "PROCESS_PAYMENT"}))
	}
	require.ErrorIs(t, s.Save(ctx, inbox.Record{ID: "a"}), inbox.ErrAlreadyExists)

	require.NoError(t, s.MarkProcessed(ctx, "a", time.Now()))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "b"))

	ok, err := s.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok, "processed records survive Delete")

	ok, err = s.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := s.ListUnprocessed(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)

	require.ErrorIs(t, s.MarkProcessed(ctx, "b", time.Now()), inbox.ErrNotFound)
	assert.Equal(t, 2, s.Len())
}
