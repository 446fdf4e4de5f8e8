// Package access decides whether a resolved scope may read or write a record.
// Decisions are pure: no I/O and no side effects beyond optional metrics.
package access

import (
	"factora/internal/platform/metrics"
	"factora/internal/principal"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
)

type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Target is the part of a record access decisions look at.
type Target struct {
	UnitID id.UnitID
	Data   map[string]any
}

// TransitFunc reports the destination unit of a record currently in transit.
type TransitFunc func(Target) (dest id.UnitID, inTransit bool)

// Reason explains which rule produced a decision.
type Reason string

const (
	ReasonGlobal    Reason = "global"
	ReasonUnit      Reason = "unit"
	ReasonInTransit Reason = "in_transit"
	ReasonDenied    Reason = "denied"
)

type Decision struct {
	Allowed bool
	Reason  Reason
}

// ErrAccessDenied is returned by Require. Callers decide whether it surfaces
// as forbidden or collapses into not found.
var ErrAccessDenied = dErrors.New(dErrors.CodeForbidden, "access denied")

type Evaluator struct {
	transit TransitFunc
	metrics *metrics.Metrics
}

type Option func(*Evaluator)

// WithTransit enables the in-transit read exception.
func WithTransit(fn TransitFunc) Option {
	return func(e *Evaluator) { e.transit = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanAccess allows a global scope, or a scope holding the target's unit.
// A read is also allowed when the target is in transit to a unit the scope
// holds. Nothing else crosses units.
func (e *Evaluator) CanAccess(scope principal.Scope, target Target, op Operation) Decision {
	if scope.IsGlobal {
		return Decision{Allowed: true, Reason: ReasonGlobal}
	}
	if scope.HasUnit(target.UnitID) {
		return Decision{Allowed: true, Reason: ReasonUnit}
	}
	if op == OpRead && e.transit != nil {
		if dest, ok := e.transit(target); ok && dest != target.UnitID && scope.HasUnit(dest) {
			return Decision{Allowed: true, Reason: ReasonInTransit}
		}
	}
	e.metrics.IncAccessDenied(string(op))
	return Decision{Allowed: false, Reason: ReasonDenied}
}

// Require is CanAccess as an error.
func (e *Evaluator) Require(scope principal.Scope, target Target, op Operation) error {
	if !e.CanAccess(scope, target, op).Allowed {
		return ErrAccessDenied
	}
	return nil
}

// CanSubscribe authorizes a notification channel: a unit channel needs read
// access to the unit, the global channel (unit == "") needs a global scope.
func (e *Evaluator) CanSubscribe(scope principal.Scope, unit id.UnitID) bool {
	if unit == "" {
		return scope.IsGlobal
	}
	return scope.IsGlobal || scope.HasUnit(unit)
}

// Transit returns the destination of target when it is in transit.
func (e *Evaluator) Transit(target Target) (id.UnitID, bool) {
	if e.transit == nil {
		return "", false
	}
	return e.transit(target)
}

// FilterReadable keeps the items scope may read.
func FilterReadable[T any](e *Evaluator, scope principal.Scope, items []T, target func(T) Target) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if e.CanAccess(scope, target(item), OpRead).Allowed {
			out = append(out, item)
		}
	}
	return out
}

// FieldTransit builds a TransitFunc from record data: the record is in
// transit when Data[statusField] equals inTransitValue, and its destination
// is the unit code stored in Data[destField].
func FieldTransit(destField, statusField, inTransitValue string) TransitFunc {
	return func(t Target) (id.UnitID, bool) {
		status, _ := t.Data[statusField].(string)
		if status != inTransitValue {
			return "", false
		}
		raw, _ := t.Data[destField].(string)
		dest, err := id.ParseUnitID(raw)
		if err != nil {
			return "", false
		}
		return dest, true
	}
}
