package principal

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "factora/pkg/domain"
	"factora/pkg/platform/sentinel"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_FindPrincipal(t *testing.T) {
	ctx := context.Background()

	t.Run("scans units from the aggregated array", func(t *testing.T) {
		store, mock := newMockStore(t)
		pid := id.NewPrincipalID()
		mock.ExpectQuery(`FROM principals p`).
			WithArgs(uuid.UUID(pid)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "role", "active", "units"}).
				AddRow(pid.String(), "m", "manager", true, "{FA,FB}"))

		p, err := store.FindPrincipal(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, pid, p.ID)
		assert.Equal(t, RoleManager, p.Role)
		assert.Equal(t, []id.UnitID{"FA", "FB"}, p.UnitIDs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing principal", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`FROM principals p`).WillReturnError(sql.ErrNoRows)

		_, err := store.FindPrincipal(ctx, id.NewPrincipalID())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})
}

func TestPostgresStore_SavePrincipal(t *testing.T) {
	store, mock := newMockStore(t)
	p := &Principal{ID: id.NewPrincipalID(), Name: "o", Role: RoleOperator, UnitIDs: []id.UnitID{"FA"}, Active: true}

	mock.ExpectExec(`INSERT INTO principals`).
		WithArgs(uuid.UUID(p.ID), "o", "operator", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM principal_units`).
		WithArgs(uuid.UUID(p.ID), pq.Array([]string{"FA"})).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO principal_units`).
		WithArgs(uuid.UUID(p.ID), pq.Array([]string{"FA"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SavePrincipal(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Units(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate unit maps to conflict", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO units`).WillReturnError(&pq.Error{Code: uniqueViolation})

		err := store.CreateUnit(ctx, &Unit{ID: "FA", Name: "A", Active: true})
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("saving a missing unit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE units`).WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.SaveUnit(ctx, &Unit{ID: "FZ"})
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT id, name, active FROM units`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "active"}).
				AddRow("FA", "Factory A", true).
				AddRow("FB", "Factory B", false))

		units, err := store.ListUnits(ctx)
		require.NoError(t, err)
		require.Len(t, units, 2)
		assert.Equal(t, id.UnitID("FB"), units[1].ID)
		assert.False(t, units[1].Active)
	})
}
