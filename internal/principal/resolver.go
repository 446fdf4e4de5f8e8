package principal

import (
	"context"
	"errors"

	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/sentinel"
)

// Both errors carry CodeUnauthorized: callers treat an unknown or inactive
// principal exactly like an unauthenticated request.
var (
	ErrPrincipalNotFound = dErrors.New(dErrors.CodeUnauthorized, "principal not found")
	ErrPrincipalInactive = dErrors.New(dErrors.CodeUnauthorized, "principal is inactive")
)

// Store persists principals and units.
type Store interface {
	FindPrincipal(ctx context.Context, principalID id.PrincipalID) (*Principal, error)
	SavePrincipal(ctx context.Context, p *Principal) error
	FindUnit(ctx context.Context, unitID id.UnitID) (*Unit, error)
	CreateUnit(ctx context.Context, u *Unit) error
	SaveUnit(ctx context.Context, u *Unit) error
	ListUnits(ctx context.Context) ([]*Unit, error)
}

// ScopeResolver is what the mutation core depends on.
type ScopeResolver interface {
	Resolve(ctx context.Context, principalID id.PrincipalID) (Scope, error)
}

// Resolver resolves principals straight from the store.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the scope of an active principal.
func (r *Resolver) Resolve(ctx context.Context, principalID id.PrincipalID) (Scope, error) {
	if principalID.IsNil() {
		return Scope{}, ErrPrincipalNotFound
	}
	p, err := r.store.FindPrincipal(ctx, principalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Scope{}, ErrPrincipalNotFound
		}
		return Scope{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load principal")
	}
	if !p.Active {
		return Scope{}, ErrPrincipalInactive
	}
	return NewScope(p), nil
}
