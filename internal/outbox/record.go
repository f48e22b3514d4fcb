// Package outbox stores events produced by local state changes and publishes
// them to the message channel.
//
// A record is saved in the same unit of work as the mutation it describes.
// The Dispatcher later publishes it and marks it processed only after the
// publish succeeded, so every record is delivered at least once.
package outbox

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
)

// Sentinel errors.
var (
	ErrNotFound       = errors.New("outbox record not found")
	ErrInvalidPayload = errors.New("payload must be a JSON object")
)

// Record is an event waiting to be published.
type Record struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	// MessageID is the identifier consumers deduplicate on. It defaults to
	// the record id.
	MessageID   string
	Processed   bool
	CreatedAt   time.Time
	ProcessedAt time.Time
}

// NewRecord creates an unprocessed record. payload must be a JSON object.
func NewRecord(aggregateType, aggregateID, eventType string, payload []byte) (Record, error) {
	if eventType == "" {
		return Record{}, errors.New("event type required")
	}
	if !jx.Valid(payload) || jx.DecodeBytes(payload).Next() != jx.Object {
		return Record{}, ErrInvalidPayload
	}
	id := uuid.New()
	return Record{
		ID:            id,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		MessageID:     id.String(),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Store persists outbox records. Implementations must be safe for concurrent
// use. Save participates in the transaction carried by ctx, if any.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// FindUnprocessed returns up to limit unprocessed records whose event
	// type is one of eventTypes, oldest first. An empty eventTypes matches
	// every type and a limit <= 0 returns all matching records.
	FindUnprocessed(ctx context.Context, eventTypes []string, limit int) ([]Record, error)
	// MarkProcessed flips the processed flag. Marking an already processed
	// record is a no-op.
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// RouteTable maps event types to destination queues.
type RouteTable map[string]string

// EventTypes returns the sorted event types that resolve to a queue.
func (t RouteTable) EventTypes() []string {
	out := make([]string, 0, len(t))
	for eventType, q := range t {
		if q != "" {
			out = append(out, eventType)
		}
	}
	slices.Sort(out)
	return out
}

// Resolve returns the queue for eventType.
func (t RouteTable) Resolve(eventType string) (string, bool) {
	q, ok := t[eventType]
	return q, ok && q != ""
}
