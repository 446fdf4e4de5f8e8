// Package outbox stores change notifications in the mutation's transaction
// and relays them to external sinks after commit, at least once.
package outbox

import (
	"context"
	"time"

	"factora/internal/notify"
)

// Entry is one pending notification with the channels it was routed to.
type Entry struct {
	ID           int64
	Notification notify.Notification
	Channels     []string
	Attempts     int
	CreatedAt    time.Time
}

// Store persists outbox entries.
type Store interface {
	// Enqueue must run inside the mutation's transaction.
	Enqueue(ctx context.Context, n notify.Notification, channels []string) error
	// Claim returns up to limit undelivered entries with fewer than
	// maxAttempts attempts, oldest first, locked against other workers until
	// the surrounding transaction ends. Only one worker relays at a time, so
	// an entity's entries leave in order across instances.
	Claim(ctx context.Context, limit, maxAttempts int) ([]Entry, error)
	MarkDelivered(ctx context.Context, entryID int64, at time.Time) error
	MarkFailed(ctx context.Context, entryID int64, cause string) error
}
