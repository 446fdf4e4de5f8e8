package principal

import (
	"cmp"
	"context"
	"slices"
	"sync"

	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
	"factora/pkg/platform/tx"
)

// InMemoryStore keeps principals and units in maps. Writes register rollback
// compensations with the journal in ctx.
type InMemoryStore struct {
	mu         sync.RWMutex
	principals map[id.PrincipalID]*Principal
	units      map[id.UnitID]*Unit
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		principals: make(map[id.PrincipalID]*Principal),
		units:      make(map[id.UnitID]*Unit),
	}
}

func (s *InMemoryStore) FindPrincipal(_ context.Context, principalID id.PrincipalID) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[principalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (s *InMemoryStore) SavePrincipal(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.principals[p.ID]
	s.principals[p.ID] = clonePrincipal(p)
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existed {
			s.principals[p.ID] = prev
		} else {
			delete(s.principals, p.ID)
		}
	})
	return nil
}

func (s *InMemoryStore) FindUnit(_ context.Context, unitID id.UnitID) (*Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[unitID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *InMemoryStore) CreateUnit(ctx context.Context, u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[u.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *u
	s.units[u.ID] = &cp
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.units, u.ID)
	})
	return nil
}

func (s *InMemoryStore) SaveUnit(ctx context.Context, u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.units[u.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	cp := *u
	s.units[u.ID] = &cp
	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.units[u.ID] = prev
	})
	return nil
}

func (s *InMemoryStore) ListUnits(_ context.Context) ([]*Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Unit, 0, len(s.units))
	for _, u := range s.units {
		cp := *u
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Unit) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
