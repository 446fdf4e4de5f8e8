// Package auditchain records every mutation in an append-only, per-unit hash
// chain and verifies that chain on demand.
package auditchain

import (
	"errors"
	"time"

	id "factora/pkg/domain"
)

type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionOverride Action = "override"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionApprove, ActionReject, ActionOverride:
		return true
	}
	return false
}

// Entry is what a mutation hands to Append.
type Entry struct {
	UnitID      id.UnitID
	EntityType  string
	EntityID    string
	Action      Action
	PrincipalID id.PrincipalID
	Before      map[string]any
	After       map[string]any
}

// Event is one link of a unit's chain. Before and After hold the canonical
// CBOR snapshots exactly as they were hashed. Events are never modified.
type Event struct {
	ID          id.EventID
	UnitID      id.UnitID
	Seq         uint64
	EntityType  string
	EntityID    string
	Action      Action
	PrincipalID id.PrincipalID
	Before      []byte
	After       []byte
	Timestamp   time.Time
	PrevHash    []byte
	Hash        []byte
}

// Finding is the verification verdict for one event.
type Finding struct {
	Seq   uint64
	Valid bool
	Err   error
}

var (
	// ErrChainUnreadable is reported as a single finding when the chain
	// cannot be loaded at all.
	ErrChainUnreadable = errors.New("audit chain could not be read")
	ErrHashMismatch    = errors.New("stored hash does not match recomputed hash")
	ErrPrevHashBroken  = errors.New("previous hash does not link to the preceding event")
	ErrSeqGap          = errors.New("sequence number gap")
	// ErrAfterDivergence marks events that check out on their own but follow
	// an earlier divergence.
	ErrAfterDivergence = errors.New("preceded by a chain divergence")
)
