package auditchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"factora/internal/platform/metrics"
	id "factora/pkg/domain"
	"factora/pkg/platform/tx"
)

type ChainSuite struct {
	suite.Suite
	ctx     context.Context
	store   *InMemoryStore
	chain   *Chain
	metrics *metrics.Metrics
	actor   id.PrincipalID
	now     time.Time
}

func TestChainSuite(t *testing.T) {
	suite.Run(t, new(ChainSuite))
}

func (s *ChainSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.actor = id.NewPrincipalID()
	s.now = time.Date(2026, 3, 1, 8, 0, 0, 123456789, time.UTC)
	tick := s.now
	s.chain = New(s.store, WithMetrics(s.metrics), WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
}

func (s *ChainSuite) entry(unit id.UnitID, n int) Entry {
	return Entry{
		UnitID:      unit,
		EntityType:  "dispatch_note",
		EntityID:    fmt.Sprintf("rec-%d", n),
		Action:      ActionUpdate,
		PrincipalID: s.actor,
		Before:      map[string]any{"qty": n},
		After:       map[string]any{"qty": n + 1},
	}
}

func (s *ChainSuite) appendN(unit id.UnitID, n int) {
	for i := 1; i <= n; i++ {
		_, err := s.chain.Append(s.ctx, s.entry(unit, i))
		s.Require().NoError(err)
	}
}

func (s *ChainSuite) TestAppendLinksEvents() {
	s.appendN("FA", 3)

	events, err := s.chain.List(s.ctx, "FA", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(events, 3)

	s.Empty(events[0].PrevHash)
	for i, e := range events {
		s.Equal(uint64(i+1), e.Seq)
		s.Len(e.Hash, HashSize)
		if i > 0 {
			s.Equal(events[i-1].Hash, e.PrevHash)
		}
		s.Equal(CanonicalTime(e.Timestamp), e.Timestamp)
	}

	head, err := s.chain.Head(s.ctx, "FA")
	s.Require().NoError(err)
	s.Equal(uint64(3), head.Seq)
}

func (s *ChainSuite) TestUnitsHaveIndependentChains() {
	s.appendN("FA", 2)
	s.appendN("FB", 1)

	fb, err := s.chain.List(s.ctx, "FB", 0, 0)
	s.Require().NoError(err)
	s.Require().Len(fb, 1)
	s.Equal(uint64(1), fb[0].Seq)
	s.Empty(fb[0].PrevHash)

	head, err := s.chain.Head(s.ctx, "FC")
	s.Require().NoError(err)
	s.Nil(head)
}

func (s *ChainSuite) TestAppendRejectsIncompleteEntries() {
	_, err := s.chain.Append(s.ctx, Entry{UnitID: "FA", EntityID: "x", Action: "publish"})
	s.Error(err)
	_, err = s.chain.Append(s.ctx, Entry{EntityID: "x", Action: ActionCreate})
	s.Error(err)
}

func (s *ChainSuite) TestVerifyIntactChain() {
	s.appendN("FA", 5)
	findings := s.chain.Verify(s.ctx, "FA", 0)
	s.Len(findings, 5)
	s.True(Valid(findings))
	for _, f := range findings {
		s.NoError(f.Err)
	}
}

// Ten events, event 4 edited in storage: 1-3 stay valid, 4-10 are invalid.
func (s *ChainSuite) TestVerifyTamperedEventInvalidatesTheRest() {
	s.appendN("FA", 10)

	tampered, err := EncodeSnapshot(map[string]any{"qty": 999})
	s.Require().NoError(err)
	s.store.chains["FA"][3].After = tampered

	findings := s.chain.Verify(s.ctx, "FA", 0)
	s.Require().Len(findings, 10)
	for _, f := range findings {
		if f.Seq <= 3 {
			s.True(f.Valid, "seq %d", f.Seq)
			s.NoError(f.Err)
			continue
		}
		s.False(f.Valid, "seq %d", f.Seq)
	}
	s.ErrorIs(findings[3].Err, ErrHashMismatch)
	s.ErrorIs(findings[4].Err, ErrAfterDivergence)
	s.Equal(float64(7), testutil.ToFloat64(s.metrics.ChainDivergences.WithLabelValues("FA")))
}

func (s *ChainSuite) TestVerifyRecomputedHashStillBreaksLink() {
	s.appendN("FA", 4)

	// Rewrite event 2 and recompute its own hash: event 3 no longer links.
	e := s.store.chains["FA"][1]
	e.EntityID = "forged"
	e.Hash = s.chain.hasher.Sum(CanonicalBytes(e, e.PrevHash))

	findings := s.chain.Verify(s.ctx, "FA", 0)
	s.True(findings[0].Valid)
	s.True(findings[1].Valid)
	s.False(findings[2].Valid)
	s.ErrorIs(findings[2].Err, ErrPrevHashBroken)
	s.False(findings[3].Valid)
}

func (s *ChainSuite) TestVerifyDetectsSequenceGap() {
	s.appendN("FA", 4)
	chain := s.store.chains["FA"]
	s.store.chains["FA"] = append(chain[:1:1], chain[2:]...)

	findings := s.chain.Verify(s.ctx, "FA", 0)
	s.Require().Len(findings, 3)
	s.True(findings[0].Valid)
	s.ErrorIs(findings[1].Err, ErrSeqGap)
	s.False(findings[2].Valid)
}

func (s *ChainSuite) TestVerifyLimit() {
	s.appendN("FA", 6)
	findings := s.chain.Verify(s.ctx, "FA", 4)
	s.Len(findings, 4)
	s.True(Valid(findings))
}

func (s *ChainSuite) TestVerifyUnreadableChain() {
	chain := New(unreadableStore{NewInMemoryStore()})
	findings := chain.Verify(s.ctx, "FA", 0)
	s.Require().Len(findings, 1)
	s.False(findings[0].Valid)
	s.ErrorIs(findings[0].Err, ErrChainUnreadable)
}

func (s *ChainSuite) TestVerifyAll() {
	s.appendN("FA", 3)
	s.appendN("FB", 2)
	s.store.chains["FB"][0].EntityType = "invoice"

	results, err := s.chain.VerifyAll(s.ctx, []id.UnitID{"FA", "FB", "FC"}, 0)
	s.Require().NoError(err)
	s.True(Valid(results["FA"]))
	s.False(Valid(results["FB"]))
	s.Empty(results["FC"])
}

func (s *ChainSuite) TestRollbackRemovesAppendedEvent() {
	s.appendN("FA", 2)
	err := tx.NewMemoryRunner().RunInTx(s.ctx, func(ctx context.Context) error {
		if _, err := s.chain.Append(ctx, s.entry("FA", 3)); err != nil {
			return err
		}
		return errors.New("notification outbox unavailable")
	})
	s.Require().Error(err)

	head, err := s.chain.Head(s.ctx, "FA")
	s.Require().NoError(err)
	s.Equal(uint64(2), head.Seq)

	s.appendN("FA", 1)
	s.True(Valid(s.chain.Verify(s.ctx, "FA", 0)))
}

func (s *ChainSuite) TestConcurrentAppendsStayGapless() {
	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.chain.Append(s.ctx, s.entry("FA", n))
			s.NoError(err)
		}(i)
	}
	wg.Wait()

	findings := s.chain.Verify(s.ctx, "FA", 0)
	s.Len(findings, writers)
	s.True(Valid(findings))
}

type unreadableStore struct{ *InMemoryStore }

func (unreadableStore) List(context.Context, id.UnitID, uint64, int) ([]*Event, error) {
	return nil, errors.New("relation audit_events does not exist")
}

func TestBlake3Chain(t *testing.T) {
	h, err := NewHasher("blake3")
	require.NoError(t, err)
	assert.Equal(t, "blake3", h.Name())

	chain := New(NewInMemoryStore(), WithHasher(h))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, Entry{UnitID: "FA", EntityType: "invoice", EntityID: "r", Action: ActionCreate})
		require.NoError(t, err)
	}
	assert.True(t, Valid(chain.Verify(ctx, "FA", 0)))

	// A sha256 verifier rejects a blake3 chain.
	sha := New(chain.store)
	assert.False(t, Valid(sha.Verify(ctx, "FA", 0)))
}

func TestNewHasher(t *testing.T) {
	h, err := NewHasher("")
	require.NoError(t, err)
	assert.Equal(t, "sha256", h.Name())

	_, err = NewHasher("md5")
	assert.Error(t, err)

	keyed := newBlake3Hasher()
	assert.Len(t, keyed.Sum([]byte("x")), HashSize)
	assert.Equal(t, keyed.Sum([]byte("x")), keyed.Sum([]byte("x")))
	assert.NotEqual(t, sha256Hasher{}.Sum([]byte("x")), keyed.Sum([]byte("x")))
}
