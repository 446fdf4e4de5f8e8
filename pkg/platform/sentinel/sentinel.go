// Package sentinel holds the facts stores report about persisted state.
// Services translate them into coded domain errors; they never reach a client.
package sentinel

import "errors"

var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a unique key is already taken.
	ErrConflict = errors.New("conflict")
)
