package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/novivan/SD-big-HW-3/internal/outbox"
)

var _ outbox.Store = (*OutboxStore)(nil)

// OutboxStore keeps records in insertion order.
type OutboxStore struct {
	mu      sync.RWMutex
	records []outbox.Record
	index   map[uuid.UUID]int
}

// NewOutboxStore returns an empty OutboxStore.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{index: make(map[uuid.UUID]int)}
}

func (s *OutboxStore) Save(_ context.Context, rec outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[rec.ID]; ok {
		return errors.Errorf("outbox record %s already saved", rec.ID)
	}
	rec.Payload = slices.Clone(rec.Payload)
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, rec)
	return nil
}

func (s *OutboxStore) FindUnprocessed(_ context.Context, eventTypes []string, limit int) ([]outbox.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []outbox.Record
	for _, rec := range s.records {
		if rec.Processed {
			continue
		}
		if len(eventTypes) > 0 && !slices.Contains(eventTypes, rec.EventType) {
			continue
		}
		rec.Payload = slices.Clone(rec.Payload)
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *OutboxStore) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if s.records[i].Processed {
		return nil
	}
	s.records[i].Processed = true
	s.records[i].ProcessedAt = at
	return nil
}

// Pending returns the number of unprocessed records.
func (s *OutboxStore) Pending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.records {
		if !rec.Processed {
			n++
		}
	}
	return n, nil
}

// All returns a copy of every record, processed or not.
func (s *OutboxStore) All() []outbox.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}
