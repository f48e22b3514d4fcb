// Package broker defines the point-to-point message channel used between the
// orders and payments services.
//
// Delivery is at-least-once. Each queue has at most one active consumer, and
// that consumer sees one message at a time (prefetch 1): the next message is
// not delivered until the current one is acknowledged or rejected.
package broker

import (
	"context"

	"github.com/go-faster/errors"
)

// Sentinel errors shared by channel implementations.
var (
	ErrClosed            = errors.New("channel closed")
	ErrAlreadyConsuming  = errors.New("queue already has a consumer")
	ErrAlreadySettled    = errors.New("delivery already settled")
	ErrEmptyQueueName    = errors.New("queue name required")
	ErrConnectionDropped = errors.New("broker connection dropped")
)

// Message is a unit published to a queue.
type Message struct {
	// ID is carried as broker metadata where the transport supports it.
	// Deduplication never relies on it; the payload carries its own messageId.
	ID   string
	Body []byte
}

// Delivery is a received message awaiting settlement.
type Delivery interface {
	Body() []byte
	MessageID() string
	Redelivered() bool
	// Ack removes the message permanently.
	Ack() error
	// Reject settles the message negatively. With requeue the message is put
	// back for redelivery, otherwise it is dropped.
	Reject(requeue bool) error
}

// Handler processes one delivery and must settle it.
type Handler func(ctx context.Context, d Delivery)

// Publisher publishes messages to named queues.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
}

// Channel is a durable at-least-once queue abstraction.
type Channel interface {
	Publisher
	// Consume blocks, invoking handler once per delivered message, until ctx
	// is cancelled or the channel fails. A nil error means ctx was cancelled.
	Consume(ctx context.Context, queue string, handler Handler) error
	// Ping reports whether the broker is reachable.
	Ping(ctx context.Context) error
	Close() error
}
