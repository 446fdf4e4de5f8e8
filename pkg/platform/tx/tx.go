package tx

import (
	"context"
	"database/sql"
	"sync"
)

type ctxKey struct{}
type journalKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Journal records compensating actions for in-memory stores so that an
// in-memory transaction can be rolled back the way a SQL one would be.
type Journal struct {
	mu   sync.Mutex
	undo []func()
}

// WithJournal attaches a fresh rollback journal to ctx.
func WithJournal(ctx context.Context) (context.Context, *Journal) {
	j := &Journal{}
	return context.WithValue(ctx, journalKey{}, j), j
}

// JournalFrom returns the journal attached to ctx, if any.
func JournalFrom(ctx context.Context) (*Journal, bool) {
	j, ok := ctx.Value(journalKey{}).(*Journal)
	return j, ok
}

// OnRollback registers fn to run if the enclosing transaction rolls back.
// Outside a journaled transaction it is a no-op.
func OnRollback(ctx context.Context, fn func()) {
	if j, ok := JournalFrom(ctx); ok {
		j.mu.Lock()
		j.undo = append(j.undo, fn)
		j.mu.Unlock()
	}
}

// Rollback runs the registered compensations in reverse order.
func (j *Journal) Rollback() {
	j.mu.Lock()
	undo := j.undo
	j.undo = nil
	j.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// Commit discards the compensations.
func (j *Journal) Commit() {
	j.mu.Lock()
	j.undo = nil
	j.mu.Unlock()
}
