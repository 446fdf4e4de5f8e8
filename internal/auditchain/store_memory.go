package auditchain

import (
	"context"
	"slices"
	"sync"

	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
	"factora/pkg/platform/tx"
)

// InMemoryStore keeps each unit's chain in a slice guarded by a per-unit lock.
type InMemoryStore struct {
	mu     sync.Mutex
	locks  map[id.UnitID]*sync.Mutex
	chains map[id.UnitID][]*Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		locks:  make(map[id.UnitID]*sync.Mutex),
		chains: make(map[id.UnitID][]*Event),
	}
}

func (s *InMemoryStore) unitLock(unitID id.UnitID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[unitID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[unitID] = l
	}
	return l
}

func (s *InMemoryStore) AppendNext(ctx context.Context, unitID id.UnitID, build BuildFunc) (*Event, error) {
	lock := s.unitLock(unitID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	chain := s.chains[unitID]
	var head *Event
	if n := len(chain); n > 0 {
		head = cloneEvent(chain[n-1])
	}
	s.mu.Unlock()

	e, err := build(head)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.chains[unitID] = append(s.chains[unitID], cloneEvent(e))
	s.mu.Unlock()

	tx.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		chain := s.chains[unitID]
		if n := len(chain); n > 0 && chain[n-1].Seq == e.Seq {
			s.chains[unitID] = chain[:n-1]
		}
	})
	return e, nil
}

func (s *InMemoryStore) Head(_ context.Context, unitID id.UnitID) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[unitID]
	if len(chain) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return cloneEvent(chain[len(chain)-1]), nil
}

func (s *InMemoryStore) List(_ context.Context, unitID id.UnitID, afterSeq uint64, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.chains[unitID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneEvent(e *Event) *Event {
	cp := *e
	cp.Before = slices.Clone(e.Before)
	cp.After = slices.Clone(e.After)
	cp.PrevHash = slices.Clone(e.PrevHash)
	cp.Hash = slices.Clone(e.Hash)
	return &cp
}
