package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"factora/internal/notify"
	"factora/pkg/platform/sentinel"
	"factora/pkg/platform/tx"
)

type memoryEntry struct {
	Entry
	delivered bool
	lastError string
}

// InMemoryStore is a single-process outbox for development and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []*memoryEntry
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{now: time.Now}
}

func (s *InMemoryStore) Enqueue(ctx context.Context, n notify.Notification, channels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &memoryEntry{Entry: Entry{
		ID:           s.nextID,
		Notification: n,
		Channels:     slices.Clone(channels),
		CreatedAt:    s.now(),
	}}
	s.entries = append(s.entries, e)
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.entries = slices.DeleteFunc(s.entries, func(x *memoryEntry) bool { return x == e })
	})
	return nil
}

func (s *InMemoryStore) Claim(_ context.Context, limit, maxAttempts int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.delivered || (maxAttempts > 0 && e.Attempts >= maxAttempts) {
			continue
		}
		cp := e.Entry
		cp.Channels = slices.Clone(e.Channels)
		out = append(out, cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) MarkDelivered(_ context.Context, entryID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(entryID)
	if e == nil {
		return sentinel.ErrNotFound
	}
	e.delivered = true
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, entryID int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(entryID)
	if e == nil {
		return sentinel.ErrNotFound
	}
	e.Attempts++
	e.lastError = cause
	return nil
}

// Pending counts undelivered entries.
func (s *InMemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.delivered {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) find(entryID int64) *memoryEntry {
	for _, e := range s.entries {
		if e.ID == entryID {
			return e
		}
	}
	return nil
}
