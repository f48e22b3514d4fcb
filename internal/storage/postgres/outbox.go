package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novivan/SD-big-HW-3/internal/outbox"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (id, service, aggregate_id, aggregate_type, event_type, payload, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	// A NULL $2 matches every event type and LIMIT NULL returns every row.
	findUnprocessedOutboxSQL = `SELECT id, aggregate_id, aggregate_type, event_type, payload, message_id, processed, created_at, processed_at
		FROM outbox WHERE service = $1 AND NOT processed AND ($2::text[] IS NULL OR event_type = ANY($2))
		ORDER BY created_at, id LIMIT $3`

	markOutboxProcessedSQL = `UPDATE outbox SET processed = true, processed_at = $3
		WHERE service = $1 AND id = $2 AND NOT processed`

	outboxExistsSQL = `SELECT EXISTS (SELECT 1 FROM outbox WHERE service = $1 AND id = $2)`

	countPendingOutboxSQL = `SELECT count(*) FROM outbox WHERE service = $1 AND NOT processed`
)

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore implements outbox.Store backed by PostgreSQL. Save joins the
// transaction carried by the context. Every query is scoped to the rows of
// one service.
type OutboxStore struct {
	pool    *pgxpool.Pool
	service string
}

// NewOutboxStore returns an OutboxStore for the records owned by service.
func NewOutboxStore(pool *pgxpool.Pool, service string) *OutboxStore {
	return &OutboxStore{pool: pool, service: service}
}

func (s *OutboxStore) Save(ctx context.Context, rec outbox.Record) error {
	_, err := conn(ctx, s.pool).Exec(ctx, insertOutboxSQL,
		rec.ID, s.service, rec.AggregateID, rec.AggregateType, rec.EventType, rec.Payload, rec.MessageID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving outbox record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *OutboxStore) FindUnprocessed(ctx context.Context, eventTypes []string, limit int) ([]outbox.Record, error) {
	var (
		types any
		lim   any
	)
	if len(eventTypes) > 0 {
		types = eventTypes
	}
	if limit > 0 {
		lim = limit
	}
	rows, err := conn(ctx, s.pool).Query(ctx, findUnprocessedOutboxSQL, s.service, types, lim)
	if err != nil {
		return nil, fmt.Errorf("finding unprocessed outbox records: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
		var (
			rec         outbox.Record
			processedAt *time.Time
		)
		err := row.Scan(
			&rec.ID, &rec.AggregateID, &rec.AggregateType, &rec.EventType,
			&rec.Payload, &rec.MessageID, &rec.Processed, &rec.CreatedAt, &processedAt,
		)
		rec.ProcessedAt = derefTime(processedAt)
		return rec, err
	})
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	q := conn(ctx, s.pool)
	tag, err := q.Exec(ctx, markOutboxProcessedSQL, s.service, id, at)
	if err != nil {
		return fmt.Errorf("marking outbox record %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, q, outboxExistsSQL, s.service, id)
	if err != nil {
		return fmt.Errorf("checking outbox record %s: %w", id, err)
	}
	if !ok {
		return outbox.ErrNotFound
	}
	return nil
}

// Pending returns the number of unprocessed records.
func (s *OutboxStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := conn(ctx, s.pool).QueryRow(ctx, countPendingOutboxSQL, s.service).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending outbox records: %w", err)
	}
	return n, nil
}
