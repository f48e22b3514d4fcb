package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novivan/SD-big-HW-3/internal/domain/product"
)

const (
	listGoodsSQL = `SELECT id, name, description, price FROM goods ORDER BY id`

	getGoodByIDSQL = `SELECT id, name, description, price FROM goods WHERE id = $1`

	getGoodsByIDsSQL = `SELECT id, name, description, price FROM goods WHERE id = ANY($1)`

	upsertGoodSQL = `INSERT INTO goods (id, name, description, price) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, price = EXCLUDED.price`
)

var _ product.Repository = (*GoodsRepository)(nil)

// GoodsRepository implements product.Repository backed by PostgreSQL.
type GoodsRepository struct {
	pool *pgxpool.Pool
}

// NewGoodsRepository returns a GoodsRepository that uses the given pool.
func NewGoodsRepository(pool *pgxpool.Pool) *GoodsRepository {
	return &GoodsRepository{pool: pool}
}

// List returns the whole catalog ordered by ID.
func (r *GoodsRepository) List(ctx context.Context) ([]product.Good, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listGoodsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing goods: %w", err)
	}
	return pgx.CollectRows(rows, scanGood)
}

// GetByID returns a single good by its identifier.
func (r *GoodsRepository) GetByID(ctx context.Context, id string) (*product.Good, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getGoodByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting good %q: %w", id, err)
	}

	g, err := pgx.CollectExactlyOneRow(rows, scanGood)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting good %q: %w", id, err)
	}
	return &g, nil
}

// GetByIDs returns goods matching any of the given IDs.
func (r *GoodsRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Good, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getGoodsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting goods by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanGood)
}

// Upsert inserts g or updates the stored good with the same ID.
func (r *GoodsRepository) Upsert(ctx context.Context, g product.Good) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, upsertGoodSQL, g.ID, g.Name, g.Description, g.Price); err != nil {
		return fmt.Errorf("upserting good %q: %w", g.ID, err)
	}
	return nil
}

func scanGood(row pgx.CollectableRow) (product.Good, error) {
	var g product.Good
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.Price)
	return g, err
}
