package principal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/tx"
)

type recordingInvalidator struct {
	ids []id.PrincipalID
}

func (r *recordingInvalidator) Invalidate(principalID id.PrincipalID) {
	r.ids = append(r.ids, principalID)
}

type AdminSuite struct {
	suite.Suite
	ctx   context.Context
	store *InMemoryStore
	inv   *recordingInvalidator
	admin *Admin
	root  *Principal
}

func TestAdminSuite(t *testing.T) {
	suite.Run(t, new(AdminSuite))
}

func (s *AdminSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemoryStore()
	s.inv = &recordingInvalidator{}
	s.admin = NewAdmin(s.store, tx.NewMemoryRunner(), WithInvalidator(s.inv))

	s.root = &Principal{ID: id.NewPrincipalID(), Name: "root", Role: RoleAdmin, Active: true}
	s.Require().NoError(s.store.SavePrincipal(s.ctx, s.root))
	s.Require().NoError(s.store.CreateUnit(s.ctx, &Unit{ID: "FA", Name: "Factory A", Active: true}))
	s.Require().NoError(s.store.CreateUnit(s.ctx, &Unit{ID: "FB", Name: "Factory B", Active: true}))
}

func (s *AdminSuite) TestCreatePrincipal() {
	s.Run("creates an active principal with normalized units", func() {
		p, err := s.admin.CreatePrincipal(s.ctx, s.root.ID, CreatePrincipalRequest{
			Name: " Olga ", Role: RoleOperator, UnitIDs: []string{"FB", " FA", "FB", ""},
		})
		s.Require().NoError(err)
		s.Equal("Olga", p.Name)
		s.True(p.Active)
		s.Equal([]id.UnitID{"FA", "FB"}, p.UnitIDs)

		stored, err := s.store.FindPrincipal(s.ctx, p.ID)
		s.Require().NoError(err)
		s.Equal(p.UnitIDs, stored.UnitIDs)
	})

	s.Run("unknown unit is rejected and nothing is stored", func() {
		_, err := s.admin.CreatePrincipal(s.ctx, s.root.ID, CreatePrincipalRequest{
			Name: "x", Role: RoleViewer, UnitIDs: []string{"FZ"},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("non-admin actor is forbidden", func() {
		director := &Principal{ID: id.NewPrincipalID(), Name: "d", Role: RoleDirector, Active: true}
		s.Require().NoError(s.store.SavePrincipal(s.ctx, director))

		_, err := s.admin.CreatePrincipal(s.ctx, director.ID, CreatePrincipalRequest{Name: "x", Role: RoleViewer})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("invalid role", func() {
		_, err := s.admin.CreatePrincipal(s.ctx, s.root.ID, CreatePrincipalRequest{Name: "x", Role: "owner"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *AdminSuite) TestSelfModificationIsRejected() {
	_, err := s.admin.ChangeRole(s.ctx, s.root.ID, s.root.ID, RoleViewer)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = s.admin.AssignUnits(s.ctx, s.root.ID, s.root.ID, []string{"FA"})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, err = s.admin.Deactivate(s.ctx, s.root.ID, s.root.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	stored, err := s.store.FindPrincipal(s.ctx, s.root.ID)
	s.Require().NoError(err)
	s.Equal(RoleAdmin, stored.Role)
	s.True(stored.Active)
}

func (s *AdminSuite) TestModificationsInvalidateCache() {
	p, err := s.admin.CreatePrincipal(s.ctx, s.root.ID, CreatePrincipalRequest{Name: "m", Role: RoleManager, UnitIDs: []string{"FA"}})
	s.Require().NoError(err)

	_, err = s.admin.AssignUnits(s.ctx, s.root.ID, p.ID, []string{"FB"})
	s.Require().NoError(err)
	_, err = s.admin.ChangeRole(s.ctx, s.root.ID, p.ID, RoleDirector)
	s.Require().NoError(err)
	_, err = s.admin.Deactivate(s.ctx, s.root.ID, p.ID)
	s.Require().NoError(err)

	s.Equal([]id.PrincipalID{p.ID, p.ID, p.ID}, s.inv.ids)

	_, err = NewResolver(s.store).Resolve(s.ctx, p.ID)
	s.ErrorIs(err, ErrPrincipalInactive)
}

func (s *AdminSuite) TestEveryInvalidatorIsTold() {
	second := &recordingInvalidator{}
	admin := NewAdmin(s.store, tx.NewMemoryRunner(), WithInvalidator(s.inv), WithInvalidator(second))
	p, err := admin.CreatePrincipal(s.ctx, s.root.ID, CreatePrincipalRequest{Name: "w", Role: RoleViewer, UnitIDs: []string{"FA"}})
	s.Require().NoError(err)

	_, err = admin.Deactivate(s.ctx, s.root.ID, p.ID)
	s.Require().NoError(err)
	s.Equal([]id.PrincipalID{p.ID}, s.inv.ids)
	s.Equal([]id.PrincipalID{p.ID}, second.ids)
}

func (s *AdminSuite) TestModifyUnknownPrincipal() {
	_, err := s.admin.ChangeRole(s.ctx, s.root.ID, id.NewPrincipalID(), RoleViewer)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.Empty(s.inv.ids)
}

func (s *AdminSuite) TestUnits() {
	s.Run("duplicate code conflicts", func() {
		_, err := s.admin.CreateUnit(s.ctx, s.root.ID, "FA", "again")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("invalid code", func() {
		_, err := s.admin.CreateUnit(s.ctx, s.root.ID, "F A", "bad")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("deactivated unit can no longer be assigned", func() {
		u, err := s.admin.CreateUnit(s.ctx, s.root.ID, "FC", "Factory C")
		s.Require().NoError(err)
		s.True(u.Active)

		_, err = s.admin.DeactivateUnit(s.ctx, s.root.ID, "FC")
		s.Require().NoError(err)

		found, err := s.admin.FindUnit(s.ctx, "FC")
		s.Require().NoError(err)
		s.False(found.Active)

		_, err = s.admin.CreatePrincipal(s.ctx, s.root.ID, CreatePrincipalRequest{Name: "x", Role: RoleViewer, UnitIDs: []string{"FC"}})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("missing unit", func() {
		_, err := s.admin.FindUnit(s.ctx, "FZ")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}
