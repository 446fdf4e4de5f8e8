package auditchain

import (
	"context"

	id "factora/pkg/domain"
)

// BuildFunc turns the current head of a unit's chain (nil for an empty
// chain) into the next event.
type BuildFunc func(head *Event) (*Event, error)

// Store persists chains. AppendNext must hold the unit's append lock from
// reading the head until the new event is written, so that sequence numbers
// stay gapless and every event links to its true predecessor.
type Store interface {
	AppendNext(ctx context.Context, unitID id.UnitID, build BuildFunc) (*Event, error)
	Head(ctx context.Context, unitID id.UnitID) (*Event, error)
	// List returns events with seq > afterSeq in seq order. limit <= 0 means all.
	List(ctx context.Context, unitID id.UnitID, afterSeq uint64, limit int) ([]*Event, error)
}
