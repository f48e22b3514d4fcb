package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/novivan/SD-big-HW-3/internal/inbox"
)

const (
	inboxExistsSQL = `SELECT EXISTS (SELECT 1 FROM inbox WHERE service = $1 AND id = $2)`

	insertInboxSQL = `INSERT INTO inbox (service, id, message_type, payload, transaction_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (service, id) DO NOTHING`

	markInboxProcessedSQL = `UPDATE inbox SET processed = true, processed_at = $3
		WHERE service = $1 AND id = $2 AND NOT processed`

	deleteInboxSQL = `DELETE FROM inbox WHERE service = $1 AND id = $2 AND NOT processed`

	listUnprocessedInboxSQL = `SELECT id, message_type, payload, transaction_id, processed, received_at, processed_at
		FROM inbox WHERE service = $1 AND NOT processed ORDER BY received_at, id`
)

var _ inbox.Store = (*InboxStore)(nil)

// InboxStore implements inbox.Store backed by PostgreSQL. The primary key on
// (service, id) makes concurrent saves of one message race-free and keeps
// the services' message ids apart.
type InboxStore struct {
	pool    *pgxpool.Pool
	service string
}

// NewInboxStore returns an InboxStore for the messages received by service.
func NewInboxStore(pool *pgxpool.Pool, service string) *InboxStore {
	return &InboxStore{pool: pool, service: service}
}

func (s *InboxStore) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := exists(ctx, conn(ctx, s.pool), inboxExistsSQL, s.service, id)
	if err != nil {
		return false, fmt.Errorf("checking inbox record %q: %w", id, err)
	}
	return ok, nil
}

func (s *InboxStore) Save(ctx context.Context, rec inbox.Record) error {
	tag, err := conn(ctx, s.pool).Exec(ctx, insertInboxSQL,
		s.service, rec.ID, rec.MessageType, rec.Payload, rec.TransactionID, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("saving inbox record %q: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return inbox.ErrAlreadyExists
	}
	return nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	q := conn(ctx, s.pool)
	tag, err := q.Exec(ctx, markInboxProcessedSQL, s.service, id, at)
	if err != nil {
		return fmt.Errorf("marking inbox record %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	ok, err := exists(ctx, q, inboxExistsSQL, s.service, id)
	if err != nil {
		return fmt.Errorf("checking inbox record %q: %w", id, err)
	}
	if !ok {
		return inbox.ErrNotFound
	}
	return nil
}

func (s *InboxStore) Delete(ctx context.Context, id string) error {
	if _, err := conn(ctx, s.pool).Exec(ctx, deleteInboxSQL, s.service, id); err != nil {
		return fmt.Errorf("deleting inbox record %q: %w", id, err)
	}
	return nil
}

func (s *InboxStore) ListUnprocessed(ctx context.Context) ([]inbox.Record, error) {
	rows, err := conn(ctx, s.pool).Query(ctx, listUnprocessedInboxSQL, s.service)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed inbox records: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (inbox.Record, error) {
		var (
			rec         inbox.Record
			processedAt *time.Time
		)
		err := row.Scan(
			&rec.ID, &rec.MessageType, &rec.Payload, &rec.TransactionID,
			&rec.Processed, &rec.ReceivedAt, &processedAt,
		)
		rec.ProcessedAt = derefTime(processedAt)
		return rec, err
	})
}
