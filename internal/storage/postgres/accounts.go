package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/novivan/SD-big-HW-3/internal/domain/account"
)

const (
	insertAccountSQL = `INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (user_id) DO NOTHING RETURNING id`

	getAccountSQL = `SELECT id, user_id, balance, created_at, updated_at FROM accounts WHERE user_id = $1`

	accountExistsSQL = `SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)`

	depositSQL = `UPDATE accounts SET balance = balance + $2, updated_at = now()
		WHERE user_id = $1 RETURNING id, user_id, balance, created_at, updated_at`

	// The balance check and the subtraction are one statement, so concurrent
	// withdrawals serialize on the row lock.
	withdrawSQL = `UPDATE accounts SET balance = balance - $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2`
)

var _ account.Repository = (*AccountRepository)(nil)

// AccountRepository implements account.Repository backed by PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository returns an AccountRepository that uses the given pool.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) Create(ctx context.Context, a *account.Account) error {
	err := conn(ctx, r.pool).QueryRow(ctx, insertAccountSQL,
		a.UserID, a.Balance, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return account.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("creating account of user %d: %w", a.UserID, err)
	}
	return nil
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*account.Account, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getAccountSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("getting account of user %d: %w", userID, err)
	}
	return collectAccount(rows, userID)
}

func (r *AccountRepository) ExistsByUserID(ctx context.Context, userID int64) (bool, error) {
	ok, err := exists(ctx, conn(ctx, r.pool), accountExistsSQL, userID)
	if err != nil {
		return false, fmt.Errorf("checking account of user %d: %w", userID, err)
	}
	return ok, nil
}

func (r *AccountRepository) Deposit(ctx context.Context, userID int64, amount decimal.Decimal) (*account.Account, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, depositSQL, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("depositing to user %d: %w", userID, err)
	}
	return collectAccount(rows, userID)
}

func (r *AccountRepository) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	q := conn(ctx, r.pool)
	tag, err := q.Exec(ctx, withdrawSQL, userID, amount)
	if err != nil {
		return false, fmt.Errorf("withdrawing from user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	ok, err := exists(ctx, q, accountExistsSQL, userID)
	if err != nil {
		return false, fmt.Errorf("checking account of user %d: %w", userID, err)
	}
	if !ok {
		return false, account.ErrNotFound
	}
	return false, nil
}

func collectAccount(rows pgx.Rows, userID int64) (*account.Account, error) {
	a, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (account.Account, error) {
		var a account.Account
		err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
		return a, err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading account of user %d: %w", userID, err)
	}
	return &a, nil
}
