// Package record holds versioned business records and the version guard that
// rejects stale writes.
package record

import (
	"maps"
	"reflect"
	"slices"
	"time"

	"factora/internal/access"
	id "factora/pkg/domain"
)

// Record is any business entity owned by exactly one unit.
type Record struct {
	ID         id.RecordID
	UnitID     id.UnitID
	EntityType string
	Version    int64
	Data       map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
	UpdatedBy  id.PrincipalID
	Deleted    bool
}

// Target exposes the record to access decisions.
func (r *Record) Target() access.Target {
	return access.Target{UnitID: r.UnitID, Data: r.Data}
}

// Clone copies the record and its top-level data map.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = maps.Clone(r.Data)
	return &cp
}

// ChangedFields lists the data keys whose values differ between before and
// after, including keys only present on one side. The result is sorted.
func ChangedFields(before, after map[string]any) []string {
	var changed []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}
