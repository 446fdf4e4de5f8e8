package record

import (
	"fmt"

	dErrors "factora/pkg/domain-errors"
)

// ConflictError reports a write whose expected version is stale. The caller
// can reload at Current and retry.
type ConflictError struct {
	Current  int64
	Expected int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: current %d, expected %d", e.Current, e.Expected)
}

func (e *ConflictError) DomainCode() dErrors.Code { return dErrors.CodeVersionConflict }

func (e *ConflictError) Details() map[string]any {
	return map[string]any{
		"current_version":  e.Current,
		"expected_version": e.Expected,
	}
}

var (
	ErrNotFound = dErrors.New(dErrors.CodeNotFound, "record not found")
	// ErrVersionDelta rejects a mutation that tried to set the version itself.
	ErrVersionDelta = dErrors.New(dErrors.CodeInvariantViolation, "version must advance by exactly one")
	// ErrUnitImmutable rejects a mutation that moved a record to another unit.
	ErrUnitImmutable = dErrors.New(dErrors.CodeInvariantViolation, "record unit cannot change")
)
