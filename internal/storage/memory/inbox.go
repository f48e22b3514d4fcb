package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/novivan/SD-big-HW-3/internal/inbox"
)

var _ inbox.Store = (*InboxStore)(nil)

// InboxStore keeps received messages keyed by message id.
type InboxStore struct {
	mu      sync.RWMutex
	records map[string]*inbox.Record
	order   []string
}

// NewInboxStore returns an empty InboxStore.
func NewInboxStore() *InboxStore {
	return &InboxStore{records: make(map[string]*inbox.Record)}
}

func (s *InboxStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *InboxStore) Save(_ context.Context, rec inbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return inbox.ErrAlreadyExists
	}
	rec.Payload = slices.Clone(rec.Payload)
	s.records[rec.ID] = &rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *InboxStore) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return inbox.ErrNotFound
	}
	if !rec.Processed {
		rec.Processed = true
		rec.ProcessedAt = at
	}
	return nil
}

func (s *InboxStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Processed {
		return nil
	}
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return nil
}

func (s *InboxStore) ListUnprocessed(_ context.Context) ([]inbox.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []inbox.Record
	for _, id := range s.order {
		rec := s.records[id]
		if !rec.Processed {
			cp := *rec
			cp.Payload = slices.Clone(rec.Payload)
			out = append(out, cp)
		}
	}
	return out, nil
}

// Get returns the record stored under id.
func (s *InboxStore) Get(id string) (inbox.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return inbox.Record{}, false
	}
	return *rec, true
}

// Len returns the number of stored records.
func (s *InboxStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
