// Package principal resolves the identity established upstream into an access
// scope and administers principals and units.
package principal

import (
	"slices"

	id "factora/pkg/domain"
)

// Role determines whether a principal sees every unit or only its own.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDirector Role = "director"
	RoleManager  Role = "manager"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleDirector, RoleManager, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// IsGlobal reports whether the role grants visibility over all units.
func (r Role) IsGlobal() bool {
	return r == RoleAdmin || r == RoleDirector
}

// Principal is an actor. Principals are only ever changed through Admin.
type Principal struct {
	ID      id.PrincipalID
	Name    string
	Role    Role
	UnitIDs []id.UnitID
	Active  bool
}

// Unit is an organizational unit (a factory). Its code is its identity.
type Unit struct {
	ID     id.UnitID
	Name   string
	Active bool
}

// Scope is the resolved access scope of a principal for one request.
// For global principals UnitIDs is advisory only.
type Scope struct {
	PrincipalID id.PrincipalID
	Role        Role
	UnitIDs     map[id.UnitID]struct{}
	IsGlobal    bool
}

// NewScope derives the scope of p.
func NewScope(p *Principal) Scope {
	units := make(map[id.UnitID]struct{}, len(p.UnitIDs))
	for _, u := range p.UnitIDs {
		units[u] = struct{}{}
	}
	return Scope{
		PrincipalID: p.ID,
		Role:        p.Role,
		UnitIDs:     units,
		IsGlobal:    p.Role.IsGlobal(),
	}
}

// HasUnit reports whether unit is explicitly assigned.
func (s Scope) HasUnit(unit id.UnitID) bool {
	_, ok := s.UnitIDs[unit]
	return ok
}

// Units returns the assigned units in sorted order.
func (s Scope) Units() []id.UnitID {
	out := make([]id.UnitID, 0, len(s.UnitIDs))
	for u := range s.UnitIDs {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

func clonePrincipal(p *Principal) *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.UnitIDs = slices.Clone(p.UnitIDs)
	return &cp
}
