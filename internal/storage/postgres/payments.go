package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novivan/SD-big-HW-3/internal/domain/payment"
)

const (
	paymentColumns = `id, order_id, user_id, transaction_id, amount, status, failure_reason, created_at, completed_at`

	insertPaymentSQL = `INSERT INTO payments (order_id, user_id, transaction_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (transaction_id) DO NOTHING RETURNING id`

	getPaymentByTxSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1`

	listPaymentsByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 ORDER BY id`

	completePaymentSQL = `UPDATE payments SET status = $2, failure_reason = $3, completed_at = $4
		WHERE id = $1 AND status = 'PENDING'`

	paymentExistsSQL = `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	err := conn(ctx, r.pool).QueryRow(ctx, insertPaymentSQL,
		p.OrderID, p.UserID, p.TransactionID, p.Amount, string(p.Status), p.CreatedAt,
	).Scan(&p.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("creating payment %q: %w", p.TransactionID, err)
	}
	return nil
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*payment.Payment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getPaymentByTxSQL, transactionID)
	if err != nil {
		return nil, fmt.Errorf("getting payment %q: %w", transactionID, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting payment %q: %w", transactionID, err)
	}
	return &p, nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID int64) ([]payment.Payment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listPaymentsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing payments of order %d: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanPayment)
}

func (r *PaymentRepository) Complete(ctx context.Context, id int64, status payment.Status, reason string, at time.Time) error {
	q := conn(ctx, r.pool)
	tag, err := q.Exec(ctx, completePaymentSQL, id, string(status), reason, at)
	if err != nil {
		return fmt.Errorf("completing payment %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, q, paymentExistsSQL, id)
	if err != nil {
		return fmt.Errorf("checking payment %d: %w", id, err)
	}
	if !ok {
		return payment.ErrNotFound
	}
	return payment.ErrNotPending
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p           payment.Payment
		status      string
		completedAt *time.Time
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.TransactionID, &p.Amount,
		&status, &p.FailureReason, &p.CreatedAt, &completedAt,
	)
	p.Status = payment.Status(status)
	p.CompletedAt = derefTime(completedAt)
	return p, err
}
