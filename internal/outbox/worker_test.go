package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"factora/internal/notify"
	"factora/pkg/platform/tx"
)

type delivery struct {
	id       string
	version  int64
	channels []string
}

type fakeDeliverer struct {
	mu        sync.Mutex
	failFor   map[string]int
	delivered []delivery
}

func (f *fakeDeliverer) Deliver(_ context.Context, n notify.Notification, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[n.ID] > 0 {
		f.failFor[n.ID]--
		return errors.New("broker unavailable")
	}
	f.delivered = append(f.delivered, delivery{id: n.ID, version: n.Version, channels: channels})
	return nil
}

type WorkerSuite struct {
	suite.Suite
	ctx       context.Context
	store     *InMemoryStore
	deliverer *fakeDeliverer
	worker    *Worker
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemoryStore()
	s.deliverer = &fakeDeliverer{failFor: map[string]int{}}
	s.worker = NewWorker(s.store, tx.NewMemoryRunner(), s.deliverer, WithMaxAttempts(3))
}

func (s *WorkerSuite) enqueue(recordID string, version int64) {
	s.Require().NoError(s.store.Enqueue(s.ctx, notify.Notification{ID: recordID, UnitID: "FA", Version: version},
		[]string{notify.UnitChannel("FA"), notify.GlobalChannel}))
}

func (s *WorkerSuite) TestRelaysInOrder() {
	s.enqueue("a", 1)
	s.enqueue("b", 1)
	s.enqueue("a", 2)

	n, err := s.worker.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, n)
	s.Equal(0, s.store.Pending())
	s.Equal([]delivery{
		{"a", 1, []string{"changes.unit.FA", "changes.global"}},
		{"b", 1, []string{"changes.unit.FA", "changes.global"}},
		{"a", 2, []string{"changes.unit.FA", "changes.global"}},
	}, s.deliverer.delivered)

	n, err = s.worker.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *WorkerSuite) TestFailedEntryHoldsBackItsEntity() {
	s.deliverer.failFor["a"] = 1
	s.enqueue("a", 1)
	s.enqueue("b", 1)
	s.enqueue("a", 2)

	n, err := s.worker.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(2, s.store.Pending())

	n, err = s.worker.RelayOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(int64(1), s.deliverer.delivered[1].version)
	s.Equal(int64(2), s.deliverer.delivered[2].version)
}

func (s *WorkerSuite) TestEntryIsAbandonedAfterMaxAttempts() {
	s.deliverer.failFor["a"] = 100
	s.enqueue("a", 1)

	for i := 0; i < 5; i++ {
		_, err := s.worker.RelayOnce(s.ctx)
		s.Require().NoError(err)
	}
	entries, err := s.store.Claim(s.ctx, 10, 3)
	s.Require().NoError(err)
	s.Empty(entries)
	s.Equal(97, s.deliverer.failFor["a"])
}

func (s *WorkerSuite) TestRolledBackMutationLeavesNoEntry() {
	err := tx.NewMemoryRunner().RunInTx(s.ctx, func(ctx context.Context) error {
		if err := s.store.Enqueue(ctx, notify.Notification{ID: "a", Version: 1}, nil); err != nil {
			return err
		}
		return errors.New("version conflict")
	})
	s.Require().Error(err)
	s.Equal(0, s.store.Pending())
}

func TestWorker_RunStopsWithContext(t *testing.T) {
	store := NewInMemoryStore()
	deliverer := &fakeDeliverer{failFor: map[string]int{}}
	w := NewWorker(store, tx.NewMemoryRunner(), deliverer, WithPollInterval(5*time.Millisecond))
	require.NoError(t, store.Enqueue(context.Background(), notify.Notification{ID: "a", Version: 1}, []string{notify.GlobalChannel}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool { return store.Pending() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
