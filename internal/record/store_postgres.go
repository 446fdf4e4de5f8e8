package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
	txcontext "factora/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore enforces the version guard with a conditional UPDATE, so two
// writers holding the same version can never both succeed.
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

const recordColumns = `id, unit_id, entity_type, version, data, created_at, updated_at, updated_by, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r         Record
		rawID     uuid.UUID
		unitID    string
		data      []byte
		updatedBy uuid.NullUUID
	)
	if err := row.Scan(&rawID, &unitID, &r.EntityType, &r.Version, &data, &r.CreatedAt, &r.UpdatedAt, &updatedBy, &r.Deleted); err != nil {
		return nil, err
	}
	r.ID = id.RecordID(rawID)
	r.UnitID = id.UnitID(unitID)
	if updatedBy.Valid {
		r.UpdatedBy = id.PrincipalID(updatedBy.UUID)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.Data); err != nil {
			return nil, fmt.Errorf("decode record data: %w", err)
		}
	}
	return &r, nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode record data: %w", err)
	}
	return b, nil
}

func nullablePrincipal(p id.PrincipalID) uuid.NullUUID {
	if p.IsNil() {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(p), Valid: true}
}

func (s *PostgresStore) Create(ctx context.Context, r *Record) error {
	data, err := encodeData(r.Data)
	if err != nil {
		return err
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.UUID(r.ID), string(r.UnitID), r.EntityType, r.Version, data,
		r.CreatedAt, r.UpdatedAt, nullablePrincipal(r.UpdatedBy), r.Deleted)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, recordID id.RecordID) (*Record, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1 AND NOT deleted`, uuid.UUID(recordID))
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListByUnit(ctx context.Context, unitID id.UnitID, entityType string) ([]*Record, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE unit_id = $1 AND NOT deleted AND ($2 = '' OR entity_type = $2)
		ORDER BY created_at, id
	`, string(unitID), entityType)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// ApplyIfVersionMatches reads the current row, applies mutate, and writes it
// back with UPDATE ... WHERE version = expected. A concurrent writer that got
// there first leaves zero rows updated, which is reported as a conflict.
func (s *PostgresStore) ApplyIfVersionMatches(ctx context.Context, recordID id.RecordID, expected int64, principalID id.PrincipalID, now time.Time, mutate MutateFunc) (*Record, error) {
	current, err := s.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if current.Version != expected {
		return nil, &ConflictError{Current: current.Version, Expected: expected}
	}
	next, err := apply(current, expected, principalID, now, mutate)
	if err != nil {
		return nil, err
	}
	data, err := encodeData(next.Data)
	if err != nil {
		return nil, err
	}

	var version int64
	err = s.execer(ctx).QueryRowContext(ctx, `
		UPDATE records
		SET data = $3, version = version + 1, updated_at = $4, updated_by = $5, deleted = $6
		WHERE id = $1 AND version = $2 AND NOT deleted
		RETURNING version
	`, uuid.UUID(recordID), expected, data, now, nullablePrincipal(principalID), next.Deleted).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.conflictOrMissing(ctx, recordID, expected)
		}
		return nil, fmt.Errorf("update record: %w", err)
	}
	if version != expected+1 {
		return nil, ErrVersionDelta
	}
	next.Version = version
	return next, nil
}

func (s *PostgresStore) conflictOrMissing(ctx context.Context, recordID id.RecordID, expected int64) error {
	var current int64
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT version FROM records WHERE id = $1 AND NOT deleted`, uuid.UUID(recordID)).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("reload record version: %w", err)
	}
	return &ConflictError{Current: current, Expected: expected}
}
