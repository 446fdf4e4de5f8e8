package record

import (
	"context"
	"slices"
	"sync"
	"time"

	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
	"factora/pkg/platform/tx"
)

// InMemoryStore guards versions with a mutex-protected compare-and-swap.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[id.RecordID]*Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[id.RecordID]*Record)}
}

func (s *InMemoryStore) Create(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return sentinel.ErrConflict
	}
	s.records[r.ID] = r.Clone()
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.records, r.ID)
	})
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, recordID id.RecordID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordID]
	if !ok || r.Deleted {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) ListByUnit(_ context.Context, unitID id.UnitID, entityType string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.UnitID != unitID || r.Deleted {
			continue
		}
		if entityType != "" && r.EntityType != entityType {
			continue
		}
		out = append(out, r.Clone())
	}
	slices.SortFunc(out, func(a, b *Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ApplyIfVersionMatches(ctx context.Context, recordID id.RecordID, expected int64, principalID id.PrincipalID, now time.Time, mutate MutateFunc) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[recordID]
	if !ok || current.Deleted {
		return nil, ErrNotFound
	}
	if current.Version != expected {
		return nil, &ConflictError{Current: current.Version, Expected: expected}
	}
	next, err := apply(current, expected, principalID, now, mutate)
	if err != nil {
		return nil, err
	}
	s.records[recordID] = next
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[recordID] = current
	})
	return next.Clone(), nil
}
