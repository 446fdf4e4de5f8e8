package record

import (
	"context"
	"time"

	id "factora/pkg/domain"
)

// MutateFunc edits a copy of the current record. It must not touch ID,
// UnitID or Version.
type MutateFunc func(*Record) error

// Store is the persistence contract of the version guard.
type Store interface {
	Create(ctx context.Context, r *Record) error
	FindByID(ctx context.Context, recordID id.RecordID) (*Record, error)
	ListByUnit(ctx context.Context, unitID id.UnitID, entityType string) ([]*Record, error)
	// ApplyIfVersionMatches applies mutate atomically when the stored version
	// equals expected, advancing it to expected+1.
	ApplyIfVersionMatches(ctx context.Context, recordID id.RecordID, expected int64, principalID id.PrincipalID, now time.Time, mutate MutateFunc) (*Record, error)
}

// apply runs mutate against a copy of current and checks the invariants the
// store relies on. It returns the next state with version expected+1.
func apply(current *Record, expected int64, principalID id.PrincipalID, now time.Time, mutate MutateFunc) (*Record, error) {
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	if next.Version != current.Version {
		return nil, ErrVersionDelta
	}
	if next.UnitID != current.UnitID || next.ID != current.ID {
		return nil, ErrUnitImmutable
	}
	next.Version = expected + 1
	next.UpdatedAt = now
	next.UpdatedBy = principalID
	return next, nil
}
