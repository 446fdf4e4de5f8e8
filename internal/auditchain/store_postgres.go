package auditchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
	txcontext "factora/pkg/platform/tx"
)

// PostgresStore serializes appends per unit with a transaction-scoped
// advisory lock keyed by the unit code. The UNIQUE (unit_id, seq) constraint
// backs it up.
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

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const eventColumns = `id, unit_id, seq, entity_type, entity_id, action, principal_id, before, after, ts, prev_hash, hash`

// AppendNext joins the caller's transaction when there is one; the advisory
// lock is then held until that transaction ends. Without one it opens its own.
func (s *PostgresStore) AppendNext(ctx context.Context, unitID id.UnitID, build BuildFunc) (*Event, error) {
	if _, ok := txcontext.From(ctx); ok {
		return s.appendNext(ctx, unitID, build)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()
	e, err := s.appendNext(txcontext.WithTx(ctx, sqlTx), unitID, build)
	if err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit append: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) appendNext(ctx context.Context, unitID id.UnitID, build BuildFunc) (*Event, error) {
	exec := s.execer(ctx)
	if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(unitID)); err != nil {
		return nil, fmt.Errorf("lock audit chain: %w", err)
	}

	head, err := s.Head(ctx, unitID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}
	e, err := build(head)
	if err != nil {
		return nil, err
	}

	// The first event has no predecessor; a nil slice would be sent as NULL.
	prevHash := e.PrevHash
	if prevHash == nil {
		prevHash = []byte{}
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, uuid.UUID(e.ID), string(e.UnitID), int64(e.Seq), e.EntityType, e.EntityID, string(e.Action),
		nullablePrincipal(e.PrincipalID), e.Before, e.After, e.Timestamp, prevHash, e.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Head(ctx context.Context, unitID id.UnitID) (*Event, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE unit_id = $1 ORDER BY seq DESC LIMIT 1`, string(unitID))
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, unitID id.UnitID, afterSeq uint64, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE unit_id = $1 AND seq > $2 ORDER BY seq`
	args := []any{string(unitID), int64(afterSeq)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e         Event
		rawID     uuid.UUID
		unitID    string
		seq       int64
		action    string
		principal uuid.NullUUID
	)
	err := row.Scan(&rawID, &unitID, &seq, &e.EntityType, &e.EntityID, &action, &principal,
		&e.Before, &e.After, &e.Timestamp, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.ID = id.EventID(rawID)
	e.UnitID = id.UnitID(unitID)
	e.Seq = uint64(seq)
	e.Action = Action(action)
	if principal.Valid {
		e.PrincipalID = id.PrincipalID(principal.UUID)
	}
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func nullablePrincipal(p id.PrincipalID) uuid.NullUUID {
	if p.IsNil() {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(p), Valid: true}
}
