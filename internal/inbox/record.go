// Package inbox makes consumption of at-least-once messages idempotent.
//
// Every consumed message is identified by its messageId (or, lacking one, its
// transactionId). The identifier is recorded before the domain handler runs;
// a later delivery with a recorded identifier is acknowledged without
// invoking the handler again.
package inbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Sentinel errors.
var (
	ErrNotFound      = errors.New("inbox record not found")
	ErrAlreadyExists = errors.New("inbox record already exists")
	// ErrMalformed marks a payload that can never be processed.
	ErrMalformed = errors.New("malformed message")
	// ErrUnroutable marks a well-formed payload with no registered handler.
	ErrUnroutable = errors.New("no handler for event type")
)

// Record is a received message.
type Record struct {
	ID            string
	MessageType   string
	Payload       []byte
	TransactionID string
	Processed     bool
	ReceivedAt    time.Time
	ProcessedAt   time.Time
}

// Store persists inbox records. Implementations must be safe for concurrent use.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	// Save inserts rec, returning ErrAlreadyExists if the id is taken.
	Save(ctx context.Context, rec Record) error
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// Delete removes an unprocessed record. Processed records are kept.
	Delete(ctx context.Context, id string) error
	// ListUnprocessed returns records saved but never marked processed,
	// oldest first.
	ListUnprocessed(ctx context.Context) ([]Record, error)
}
