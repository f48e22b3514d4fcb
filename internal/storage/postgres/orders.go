package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novivan/SD-big-HW-3/internal/domain/order"
)

const (
	insertOrderSQL = `INSERT INTO orders (user_id, transaction_id, status, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, line, good_id, name, price, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)`

	getOrderSQL = `SELECT id, user_id, transaction_id, status, total, created_at, updated_at
		FROM orders WHERE id = $1`

	listOrdersByUserSQL = `SELECT id, user_id, transaction_id, status, total, created_at, updated_at
		FROM orders WHERE user_id = $1 ORDER BY id`

	listOrderItemsSQL = `SELECT order_id, good_id, name, price, quantity
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line`

	updateOrderStatusSQL = `UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Items
// are stored one row per line in order_items.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order with its items and assigns the order ID.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return withinTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		err := q.QueryRow(ctx, insertOrderSQL,
			o.UserID, o.TransactionID, string(o.Status), o.Total, o.CreatedAt, o.UpdatedAt,
		).Scan(&o.ID)
		if err != nil {
			return fmt.Errorf("creating order: %w", err)
		}

		batch := &pgx.Batch{}
		for i, it := range o.Items {
			batch.Queue(insertOrderItemSQL, o.ID, i, it.GoodID, it.Name, it.Price, it.Quantity)
		}
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("creating items of order %d: %w", o.ID, err)
		}
		return nil
	})
}

// GetByID returns the order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	q := conn(ctx, r.pool)
	rows, err := q.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}

	orders := []order.Order{o}
	if err := r.attachItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListByUser returns the user's orders with their items, oldest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]order.Order, error) {
	q := conn(ctx, r.pool)
	rows, err := q.Query(ctx, listOrdersByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of user %d: %w", userID, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders of user %d: %w", userID, err)
	}
	if err := r.attachItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdateStatus performs the compare-and-set transition in a single UPDATE.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id int64, from, to order.Status) (bool, error) {
	q := conn(ctx, r.pool)
	tag, err := q.Exec(ctx, updateOrderStatusSQL, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("updating order %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	ok, err := exists(ctx, q, orderExistsSQL, id)
	if err != nil {
		return false, fmt.Errorf("checking order %d: %w", id, err)
	}
	if !ok {
		return false, order.ErrNotFound
	}
	return false, nil
}

func (r *OrderRepository) attachItems(ctx context.Context, q querier, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := q.Query(ctx, listOrderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID int64
			it      order.Item
		)
		if err := rows.Scan(&orderID, &it.GoodID, &it.Name, &it.Price, &it.Quantity); err != nil {
			return fmt.Errorf("scanning order item: %w", err)
		}
		o := &orders[index[orderID]]
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.TransactionID, &status, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	o.Status = order.Status(status)
	return o, err
}
