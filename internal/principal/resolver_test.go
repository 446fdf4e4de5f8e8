package principal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
)

type failingStore struct {
	*InMemoryStore
}

func (failingStore) FindPrincipal(context.Context, id.PrincipalID) (*Principal, error) {
	return nil, errors.New("connection reset")
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	manager := &Principal{ID: id.NewPrincipalID(), Name: "m", Role: RoleManager, UnitIDs: []id.UnitID{"FA"}, Active: true}
	director := &Principal{ID: id.NewPrincipalID(), Name: "d", Role: RoleDirector, Active: true}
	inactive := &Principal{ID: id.NewPrincipalID(), Name: "x", Role: RoleAdmin, Active: false}
	for _, p := range []*Principal{manager, director, inactive} {
		require.NoError(t, store.SavePrincipal(ctx, p))
	}
	resolver := NewResolver(store)

	t.Run("unit-scoped role resolves to its units", func(t *testing.T) {
		scope, err := resolver.Resolve(ctx, manager.ID)
		require.NoError(t, err)
		assert.False(t, scope.IsGlobal)
		assert.True(t, scope.HasUnit("FA"))
		assert.False(t, scope.HasUnit("FB"))
		assert.Equal(t, []id.UnitID{"FA"}, scope.Units())
	})

	t.Run("director is global", func(t *testing.T) {
		scope, err := resolver.Resolve(ctx, director.ID)
		require.NoError(t, err)
		assert.True(t, scope.IsGlobal)
		assert.Equal(t, RoleDirector, scope.Role)
	})

	t.Run("inactive principal is unauthorized", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, inactive.ID)
		assert.ErrorIs(t, err, ErrPrincipalInactive)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("unknown principal is unauthorized", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, id.NewPrincipalID())
		assert.ErrorIs(t, err, ErrPrincipalNotFound)
	})

	t.Run("nil principal is unauthorized", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, id.PrincipalID{})
		assert.ErrorIs(t, err, ErrPrincipalNotFound)
	})

	t.Run("store failure is internal", func(t *testing.T) {
		_, err := NewResolver(failingStore{store}).Resolve(ctx, manager.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	})

	t.Run("scope does not alias the stored principal", func(t *testing.T) {
		scope, err := resolver.Resolve(ctx, manager.ID)
		require.NoError(t, err)
		scope.UnitIDs["FZ"] = struct{}{}

		again, err := resolver.Resolve(ctx, manager.ID)
		require.NoError(t, err)
		assert.False(t, again.HasUnit("FZ"))
	})
}

func TestRole(t *testing.T) {
	for _, r := range []Role{RoleAdmin, RoleDirector} {
		assert.True(t, r.IsGlobal(), r)
	}
	for _, r := range []Role{RoleManager, RoleOperator, RoleViewer} {
		assert.False(t, r.IsGlobal(), r)
		assert.True(t, r.IsValid(), r)
	}
	assert.False(t, Role("owner").IsValid())
}
