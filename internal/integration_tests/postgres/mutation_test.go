//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"factora/internal/access"
	"factora/internal/auditchain"
	"factora/internal/mutation"
	"factora/internal/notify"
	"factora/internal/outbox"
	"factora/internal/principal"
	"factora/internal/record"
	id "factora/pkg/domain"
	dErrors "factora/pkg/domain-errors"
	"factora/pkg/platform/tx"
	"factora/pkg/testutil/containers"
)

type MutationSuite struct {
	suite.Suite
	ctx context.Context
	pg  *containers.PostgresContainer

	principals *principal.PostgresStore
	records    *record.PostgresStore
	outbox     *outbox.PostgresStore
	chain      *auditchain.Chain
	service    *mutation.Service
	runner     *tx.PostgresRunner

	manager  *principal.Principal
	director *principal.Principal
}

func TestMutationSuite(t *testing.T) {
	suite.Run(t, new(MutationSuite))
}

func (s *MutationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.NewPostgresContainer(s.T())
}

func (s *MutationSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(s.ctx))

	db := s.pg.DB
	s.principals = principal.NewPostgresStore(db)
	s.records = record.NewPostgresStore(db)
	s.outbox = outbox.NewPostgresStore(db)
	s.chain = auditchain.New(auditchain.NewPostgresStore(db))
	runner := tx.NewPostgresRunner(db, 0)
	s.runner = runner

	for _, u := range []id.UnitID{"FA", "FB"} {
		s.Require().NoError(s.principals.CreateUnit(s.ctx, &principal.Unit{ID: u, Name: string(u), Active: true}))
	}
	s.manager = &principal.Principal{ID: id.NewPrincipalID(), Name: "m", Role: principal.RoleManager, UnitIDs: []id.UnitID{"FA"}, Active: true}
	s.director = &principal.Principal{ID: id.NewPrincipalID(), Name: "d", Role: principal.RoleDirector, Active: true}
	s.Require().NoError(s.principals.SavePrincipal(s.ctx, s.manager))
	s.Require().NoError(s.principals.SavePrincipal(s.ctx, s.director))

	evaluator := access.NewEvaluator()
	s.service = mutation.New(principal.NewResolver(s.principals), s.principals, evaluator, s.records, s.chain, runner,
		mutation.WithOutbox(s.outbox),
		mutation.WithPublisher(notify.New()),
		mutation.WithChainReader(s.chain, 1000),
	)
}

func (s *MutationSuite) TestConcurrentWritersExactlyOneWins() {
	r, err := s.service.Create(s.ctx, s.manager.ID, mutation.CreateRequest{UnitID: "FA", EntityType: "batch", Data: map[string]any{"qty": 1}})
	s.Require().NoError(err)

	const writers = 12
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.service.Update(s.ctx, s.manager.ID, r.ID, 1, map[string]any{"qty": n})
			var conflict *record.ConflictError
			switch {
			case err == nil:
				wins.Add(1)
			case errors.As(err, &conflict):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), conflicts.Load())

	stored, err := s.records.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), stored.Version)

	findings, err := s.service.VerifyChain(s.ctx, s.director.ID, "FA", 0)
	s.Require().NoError(err)
	s.Len(findings, 2)
	s.True(auditchain.Valid(findings))

	entries, err := s.outbox.Claim(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Len(entries, 2)
}

func (s *MutationSuite) TestChainsArePerUnit() {
	for _, unit := range []id.UnitID{"FA", "FB", "FA"} {
		_, err := s.service.Create(s.ctx, s.director.ID, mutation.CreateRequest{UnitID: unit, EntityType: "batch"})
		s.Require().NoError(err)
	}
	fa, err := s.chain.List(s.ctx, "FA", 0, 0)
	s.Require().NoError(err)
	fb, err := s.chain.List(s.ctx, "FB", 0, 0)
	s.Require().NoError(err)

	s.Require().Len(fa, 2)
	s.Require().Len(fb, 1)
	s.Equal(uint64(2), fa[1].Seq)
	s.Equal(fa[0].Hash, fa[1].PrevHash)
	s.Empty(fb[0].PrevHash)
}

func (s *MutationSuite) TestTamperedEventBreaksTheChainFromThatPoint() {
	r, err := s.service.Create(s.ctx, s.manager.ID, mutation.CreateRequest{UnitID: "FA", EntityType: "batch", Data: map[string]any{"qty": 1}})
	s.Require().NoError(err)
	for v := int64(1); v <= 3; v++ {
		_, err := s.service.Update(s.ctx, s.manager.ID, r.ID, v, map[string]any{"qty": v + 1})
		s.Require().NoError(err)
	}

	forged, err := auditchain.EncodeSnapshot(map[string]any{"qty": 999})
	s.Require().NoError(err)
	_, err = s.pg.DB.ExecContext(s.ctx, `UPDATE audit_events SET after = $1 WHERE unit_id = 'FA' AND seq = 2`, forged)
	s.Require().NoError(err)

	findings := s.chain.Verify(s.ctx, "FA", 0)
	s.Require().Len(findings, 4)
	s.True(findings[0].Valid)
	for _, f := range findings[1:] {
		s.False(f.Valid, "seq %d", f.Seq)
	}
}

func (s *MutationSuite) TestCancelledMutationPersistsNothing() {
	r, err := s.service.Create(s.ctx, s.manager.ID, mutation.CreateRequest{UnitID: "FA", EntityType: "batch"})
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err = s.service.Update(ctx, s.manager.ID, r.ID, 1, map[string]any{"qty": 5})
	s.Error(err)

	stored, err := s.records.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(int64(1), stored.Version)
	events, err := s.chain.List(s.ctx, "FA", 0, 0)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *MutationSuite) TestForeignRecordIsInvisible() {
	r, err := s.service.Create(s.ctx, s.director.ID, mutation.CreateRequest{UnitID: "FB", EntityType: "batch"})
	s.Require().NoError(err)

	_, err = s.service.Get(s.ctx, s.manager.ID, r.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.service.Update(s.ctx, s.manager.ID, r.ID, 1, map[string]any{"qty": 2})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *MutationSuite) TestFirstEventOfAUnitHasAnEmptyPrevHash() {
	_, err := s.service.Create(s.ctx, s.manager.ID, mutation.CreateRequest{UnitID: "FA", EntityType: "batch"})
	s.Require().NoError(err)

	events, err := s.chain.List(s.ctx, "FA", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(uint64(1), events[0].Seq)
	s.Empty(events[0].PrevHash)
}

func (s *MutationSuite) TestOutboxWithoutDirectPublisher() {
	svc := mutation.New(principal.NewResolver(s.principals), s.principals, access.NewEvaluator(), s.records, s.chain, s.runner,
		mutation.WithOutbox(s.outbox),
		mutation.WithRouter(notify.New()),
	)
	r, err := svc.Create(s.ctx, s.manager.ID, mutation.CreateRequest{UnitID: "FA", EntityType: "batch"})
	s.Require().NoError(err)
	_, err = svc.Update(s.ctx, s.manager.ID, r.ID, 1, map[string]any{"qty": 2})
	s.Require().NoError(err)

	entries, err := s.outbox.Claim(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal([]string{notify.UnitChannel("FA"), notify.GlobalChannel}, entries[0].Channels)
}

func (s *MutationSuite) TestOnlyOneWorkerRelaysAtATime() {
	_, err := s.service.Create(s.ctx, s.manager.ID, mutation.CreateRequest{UnitID: "FA", EntityType: "batch"})
	s.Require().NoError(err)

	claimed := make(chan int, 1)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.runner.RunInTx(s.ctx, func(ctx context.Context) error {
			entries, err := s.outbox.Claim(ctx, 10, 0)
			if err != nil {
				return err
			}
			claimed <- len(entries)
			<-release
			return nil
		})
	}()
	s.Equal(1, <-claimed)

	err = s.runner.RunInTx(s.ctx, func(ctx context.Context) error {
		entries, err := s.outbox.Claim(ctx, 10, 0)
		s.Empty(entries)
		return err
	})
	s.Require().NoError(err)

	close(release)
	s.Require().NoError(<-done)
}
