package principal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
	txcontext "factora/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists principals, their unit assignments and units.
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

func (s *PostgresStore) FindPrincipal(ctx context.Context, principalID id.PrincipalID) (*Principal, error) {
	query := `
		SELECT p.id, p.name, p.role, p.active,
			COALESCE(array_agg(pu.unit_id ORDER BY pu.unit_id) FILTER (WHERE pu.unit_id IS NOT NULL), '{}')
		FROM principals p
		LEFT JOIN principal_units pu ON pu.principal_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`
	var (
		rawID uuid.UUID
		role  string
		units pq.StringArray
		p     Principal
	)
	err := s.execer(ctx).QueryRowContext(ctx, query, uuid.UUID(principalID)).
		Scan(&rawID, &p.Name, &role, &p.Active, &units)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find principal: %w", err)
	}
	p.ID = id.PrincipalID(rawID)
	p.Role = Role(role)
	p.UnitIDs = make([]id.UnitID, 0, len(units))
	for _, u := range units {
		p.UnitIDs = append(p.UnitIDs, id.UnitID(u))
	}
	return &p, nil
}

// SavePrincipal upserts p and replaces its unit assignment. Callers run it
// inside a transaction so both tables change together.
func (s *PostgresStore) SavePrincipal(ctx context.Context, p *Principal) error {
	exec := s.execer(ctx)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO principals (id, name, role, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, active = EXCLUDED.active
	`, uuid.UUID(p.ID), p.Name, string(p.Role), p.Active)
	if err != nil {
		return fmt.Errorf("upsert principal: %w", err)
	}

	units := make([]string, 0, len(p.UnitIDs))
	for _, u := range p.UnitIDs {
		units = append(units, string(u))
	}
	_, err = exec.ExecContext(ctx, `
		DELETE FROM principal_units WHERE principal_id = $1 AND NOT (unit_id = ANY($2))
	`, uuid.UUID(p.ID), pq.Array(units))
	if err != nil {
		return fmt.Errorf("prune principal units: %w", err)
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO principal_units (principal_id, unit_id)
		SELECT $1, u FROM unnest($2::text[]) AS u
		ON CONFLICT DO NOTHING
	`, uuid.UUID(p.ID), pq.Array(units))
	if err != nil {
		return fmt.Errorf("assign principal units: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindUnit(ctx context.Context, unitID id.UnitID) (*Unit, error) {
	var u Unit
	var code string
	err := s.execer(ctx).QueryRowContext(ctx, `SELECT id, name, active FROM units WHERE id = $1`, string(unitID)).
		Scan(&code, &u.Name, &u.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find unit: %w", err)
	}
	u.ID = id.UnitID(code)
	return &u, nil
}

func (s *PostgresStore) CreateUnit(ctx context.Context, u *Unit) error {
	_, err := s.execer(ctx).ExecContext(ctx,
		`INSERT INTO units (id, name, active) VALUES ($1, $2, $3)`,
		string(u.ID), u.Name, u.Active)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveUnit(ctx context.Context, u *Unit) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE units SET name = $2, active = $3 WHERE id = $1`,
		string(u.ID), u.Name, u.Active)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUnits(ctx context.Context) ([]*Unit, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT id, name, active FROM units ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var out []*Unit
	for rows.Next() {
		var u Unit
		var code string
		if err := rows.Scan(&code, &u.Name, &u.Active); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u.ID = id.UnitID(code)
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return out, nil
}
