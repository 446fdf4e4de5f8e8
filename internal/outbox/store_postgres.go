package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"factora/internal/notify"
	"factora/pkg/platform/sentinel"
	txcontext "factora/pkg/platform/tx"
)

// PostgresStore keeps the outbox in the same database as the records, so an
// entry exists if and only if its mutation committed.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// relayLock admits one relaying worker across instances, keeping each
// entity's entries in order.
const relayLock = `SELECT pg_try_advisory_xact_lock(hashtext('factora.outbox.relay'))`

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Enqueue(ctx context.Context, n notify.Notification, channels []string) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO outbox (entity_id, payload, channels, created_at)
		VALUES ($1, $2, $3, $4)
	`, n.ID, payload, pq.Array(channels), n.Timestamp)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// Claim returns nothing while another worker holds the relay lock.
func (s *PostgresStore) Claim(ctx context.Context, limit, maxAttempts int) ([]Entry, error) {
	exec := s.execer(ctx)
	var locked bool
	if err := exec.QueryRowContext(ctx, relayLock).Scan(&locked); err != nil {
		return nil, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !locked {
		return nil, nil
	}
	rows, err := exec.QueryContext(ctx, `
		SELECT id, payload, channels, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND ($2 <= 0 OR attempts < $2)
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			payload  []byte
			channels pq.StringArray
		)
		if err := rows.Scan(&e.ID, &payload, &channels, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Notification); err != nil {
			return nil, fmt.Errorf("decode outbox payload: %w", err)
		}
		e.Channels = channels
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, entryID int64, at time.Time) error {
	return s.update(ctx, `UPDATE outbox SET delivered_at = $2 WHERE id = $1`, entryID, at)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, entryID int64, cause string) error {
	return s.update(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, entryID, cause)
}

func (s *PostgresStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.execer(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
