package principal

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/sentinel"
	pkgstrings "factora/pkg/platform/strings"
	"factora/pkg/platform/tx"
)

// Invalidator drops cached scopes after a principal changes.
type Invalidator interface {
	Invalidate(principalID id.PrincipalID)
}

// Admin performs administrative principal and unit changes. Only an active
// admin may act, and never on itself.
type Admin struct {
	store        Store
	tx           tx.Runner
	invalidators []Invalidator
	logger       *slog.Logger
}

type AdminOption func(*Admin)

// WithInvalidator is told about every principal change. It may be given more
// than once: scope caches and open change subscriptions both listen.
func WithInvalidator(inv Invalidator) AdminOption {
	return func(a *Admin) { a.invalidators = append(a.invalidators, inv) }
}

func WithAdminLogger(logger *slog.Logger) AdminOption {
	return func(a *Admin) { a.logger = logger }
}

func NewAdmin(store Store, runner tx.Runner, opts ...AdminOption) *Admin {
	a := &Admin{store: store, tx: runner}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreatePrincipalRequest describes a new principal.
type CreatePrincipalRequest struct {
	Name    string
	Role    Role
	UnitIDs []string
}

func (a *Admin) CreatePrincipal(ctx context.Context, actorID id.PrincipalID, req CreatePrincipalRequest) (*Principal, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if !req.Role.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid role")
	}

	p := &Principal{ID: id.NewPrincipalID(), Name: name, Role: req.Role, Active: true}
	err := a.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := a.requireAdmin(ctx, actorID); err != nil {
			return err
		}
		units, err := a.resolveUnits(ctx, req.UnitIDs)
		if err != nil {
			return err
		}
		p.UnitIDs = units
		if err := a.store.SavePrincipal(ctx, p); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save principal")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logInfo(ctx, "principal created", "actor_id", actorID.String(), "principal_id", p.ID.String(), "role", string(p.Role))
	return p, nil
}

func (a *Admin) ChangeRole(ctx context.Context, actorID, targetID id.PrincipalID, role Role) (*Principal, error) {
	if !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid role")
	}
	return a.modify(ctx, actorID, targetID, "role changed", func(_ context.Context, p *Principal) error {
		p.Role = role
		return nil
	})
}

// AssignUnits replaces the unit assignment of targetID.
func (a *Admin) AssignUnits(ctx context.Context, actorID, targetID id.PrincipalID, unitIDs []string) (*Principal, error) {
	return a.modify(ctx, actorID, targetID, "units assigned", func(ctx context.Context, p *Principal) error {
		units, err := a.resolveUnits(ctx, unitIDs)
		if err != nil {
			return err
		}
		p.UnitIDs = units
		return nil
	})
}

func (a *Admin) Deactivate(ctx context.Context, actorID, targetID id.PrincipalID) (*Principal, error) {
	return a.modify(ctx, actorID, targetID, "principal deactivated", func(_ context.Context, p *Principal) error {
		p.Active = false
		return nil
	})
}

func (a *Admin) modify(ctx context.Context, actorID, targetID id.PrincipalID, event string, fn func(context.Context, *Principal) error) (*Principal, error) {
	if actorID == targetID {
		return nil, dErrors.New(dErrors.CodeForbidden, "principals cannot modify themselves")
	}
	var out *Principal
	err := a.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := a.requireAdmin(ctx, actorID); err != nil {
			return err
		}
		p, err := a.store.FindPrincipal(ctx, targetID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "principal not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load principal")
		}
		if err := fn(ctx, p); err != nil {
			return err
		}
		if err := a.store.SavePrincipal(ctx, p); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save principal")
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, inv := range a.invalidators {
		inv.Invalidate(targetID)
	}
	a.logInfo(ctx, event, "actor_id", actorID.String(), "principal_id", targetID.String())
	return out, nil
}

func (a *Admin) CreateUnit(ctx context.Context, actorID id.PrincipalID, code, name string) (*Unit, error) {
	unitID, err := id.ParseUnitID(strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	u := &Unit{ID: unitID, Name: strings.TrimSpace(name), Active: true}
	err = a.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := a.requireAdmin(ctx, actorID); err != nil {
			return err
		}
		if err := a.store.CreateUnit(ctx, u); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "unit already exists")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create unit")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logInfo(ctx, "unit created", "actor_id", actorID.String(), "unit_id", unitID.String())
	return u, nil
}

// DeactivateUnit stops new records from being created in the unit. Existing
// records and the unit's audit chain are untouched.
func (a *Admin) DeactivateUnit(ctx context.Context, actorID id.PrincipalID, unitID id.UnitID) (*Unit, error) {
	var out *Unit
	err := a.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := a.requireAdmin(ctx, actorID); err != nil {
			return err
		}
		u, err := a.store.FindUnit(ctx, unitID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "unit not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load unit")
		}
		u.Active = false
		if err := a.store.SaveUnit(ctx, u); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save unit")
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logInfo(ctx, "unit deactivated", "actor_id", actorID.String(), "unit_id", unitID.String())
	return out, nil
}

// FindUnit is a read and requires no administrative rights.
func (a *Admin) FindUnit(ctx context.Context, unitID id.UnitID) (*Unit, error) {
	u, err := a.store.FindUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "unit not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load unit")
	}
	return u, nil
}

func (a *Admin) requireAdmin(ctx context.Context, actorID id.PrincipalID) error {
	actor, err := a.store.FindPrincipal(ctx, actorID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load actor")
	}
	if !actor.Active {
		return ErrPrincipalInactive
	}
	if actor.Role != RoleAdmin {
		return dErrors.New(dErrors.CodeForbidden, "admin role required")
	}
	return nil
}

// resolveUnits normalizes codes and checks each names an active unit.
func (a *Admin) resolveUnits(ctx context.Context, codes []string) ([]id.UnitID, error) {
	codes = pkgstrings.Unique(codes)
	units := make([]id.UnitID, 0, len(codes))
	for _, code := range codes {
		unitID, err := id.ParseUnitID(code)
		if err != nil {
			return nil, err
		}
		u, err := a.store.FindUnit(ctx, unitID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.New(dErrors.CodeValidation, "unknown unit "+code)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load unit")
		}
		if !u.Active {
			return nil, dErrors.New(dErrors.CodeValidation, "unit "+code+" is inactive")
		}
		units = append(units, unitID)
	}
	slices.Sort(units)
	return units, nil
}

func (a *Admin) logInfo(ctx context.Context, msg string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.InfoContext(ctx, msg, args...)
}
