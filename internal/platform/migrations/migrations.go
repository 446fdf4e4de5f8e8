// Package migrations creates and evolves the PostgreSQL schema.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// All returns the schema migrations in version order.
func All() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create units and principals",
			SQL: `
				CREATE TABLE IF NOT EXISTS units (
					id         VARCHAR(32) PRIMARY KEY CHECK (id ~ '^[A-Za-z0-9_-]{1,32}$'),
					name       TEXT NOT NULL DEFAULT '',
					active     BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS principals (
					id         UUID PRIMARY KEY,
					name       TEXT NOT NULL DEFAULT '',
					role       VARCHAR(16) NOT NULL CHECK (role IN ('admin', 'director', 'manager', 'operator', 'viewer')),
					active     BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS principal_units (
					principal_id UUID NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
					unit_id      VARCHAR(32) NOT NULL REFERENCES units(id),
					PRIMARY KEY (principal_id, unit_id)
				);

				CREATE INDEX IF NOT EXISTS idx_principal_units_unit_id ON principal_units(unit_id);
			`,
		},
		{
			Version:     2,
			Description: "create records",
			SQL: `
				CREATE TABLE IF NOT EXISTS records (
					id          UUID PRIMARY KEY,
					unit_id     VARCHAR(32) NOT NULL REFERENCES units(id),
					entity_type TEXT NOT NULL,
					version     BIGINT NOT NULL CHECK (version >= 1),
					data        JSONB NOT NULL DEFAULT '{}',
					created_at  TIMESTAMPTZ NOT NULL,
					updated_at  TIMESTAMPTZ NOT NULL,
					updated_by  UUID NOT NULL,
					deleted     BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX IF NOT EXISTS idx_records_unit_type ON records(unit_id, entity_type) WHERE NOT deleted;
			`,
		},
		{
			Version:     3,
			Description: "create audit_events",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id           UUID PRIMARY KEY,
					unit_id      VARCHAR(32) NOT NULL,
					seq          BIGINT NOT NULL CHECK (seq >= 1),
					entity_type  TEXT NOT NULL,
					entity_id    TEXT NOT NULL,
					action       VARCHAR(16) NOT NULL,
					principal_id UUID,
					before       BYTEA,
					after        BYTEA,
					ts           TIMESTAMPTZ NOT NULL,
					prev_hash    BYTEA NOT NULL CHECK (octet_length(prev_hash) IN (0, 32)),
					hash         BYTEA NOT NULL CHECK (octet_length(hash) = 32),
					UNIQUE (unit_id, seq)
				);

				CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events(entity_id);
			`,
		},
		{
			Version:     4,
			Description: "create outbox",
			SQL: `
				CREATE TABLE IF NOT EXISTS outbox (
					id           BIGSERIAL PRIMARY KEY,
					entity_id    TEXT NOT NULL,
					payload      JSONB NOT NULL,
					channels     TEXT[] NOT NULL,
					attempts     INT NOT NULL DEFAULT 0,
					last_error   TEXT,
					created_at   TIMESTAMPTZ NOT NULL,
					delivered_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(id) WHERE delivered_at IS NULL;
			`,
		},
	}
}

// Run applies every migration not yet recorded in schema_migrations, each in
// its own transaction.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range All() {
		if applied[m.Version] {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
		logger.InfoContext(ctx, "migration applied", "version", m.Version, "description", m.Description)
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute migration %d: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}
