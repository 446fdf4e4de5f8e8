package notify

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factora/internal/access"
	"factora/internal/platform/metrics"
	"factora/internal/principal"
	id "factora/pkg/domain"
)

func scope(role principal.Role, units ...id.UnitID) principal.Scope {
	return principal.NewScope(&principal.Principal{ID: id.NewPrincipalID(), Role: role, UnitIDs: units, Active: true})
}

func receive(t *testing.T, sub *Subscription) (Notification, bool) {
	t.Helper()
	select {
	case n, ok := <-sub.C():
		return n, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}, false
	}
}

func TestHub_Subscribe(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(access.NewEvaluator(), nil)

	t.Run("unit channel requires the unit", func(t *testing.T) {
		_, err := hub.Subscribe(ctx, scope(principal.RoleManager, "FA"), UnitChannel("FB"), 0)
		assert.ErrorIs(t, err, access.ErrAccessDenied)

		sub, err := hub.Subscribe(ctx, scope(principal.RoleManager, "FA"), UnitChannel("FA"), 0)
		require.NoError(t, err)
		sub.Close()
	})

	t.Run("global channel requires a global scope", func(t *testing.T) {
		_, err := hub.Subscribe(ctx, scope(principal.RoleOperator, "FA", "FB"), GlobalChannel, 0)
		assert.ErrorIs(t, err, access.ErrAccessDenied)

		sub, err := hub.Subscribe(ctx, scope(principal.RoleDirector), GlobalChannel, 0)
		require.NoError(t, err)
		sub.Close()
	})

	t.Run("unknown channel", func(t *testing.T) {
		_, err := hub.Subscribe(ctx, scope(principal.RoleAdmin), "changes.everything", 0)
		assert.Error(t, err)
	})
}

// A change in FA reaches FA and global subscribers and never a FB-only one.
func TestHub_RoutingDoesNotLeakAcrossUnits(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(access.NewEvaluator(), nil)
	notifier := New(WithSink(hub))

	fa, err := hub.Subscribe(ctx, scope(principal.RoleManager, "FA"), UnitChannel("FA"), 4)
	require.NoError(t, err)
	fb, err := hub.Subscribe(ctx, scope(principal.RoleManager, "FB"), UnitChannel("FB"), 4)
	require.NoError(t, err)
	global, err := hub.Subscribe(ctx, scope(principal.RoleDirector), GlobalChannel, 4)
	require.NoError(t, err)

	n := Notification{Type: "invoice", ID: "r1", UnitID: "FA", Action: "update", Version: 2}
	notifier.Publish(ctx, n, nil)

	got, ok := receive(t, fa)
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)
	got, ok = receive(t, global)
	require.True(t, ok)
	assert.Equal(t, id.UnitID("FA"), got.UnitID)

	select {
	case leaked := <-fb.C():
		t.Fatalf("FB subscriber received %+v", leaked)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(access.NewEvaluator(), m)

	sub, err := hub.Subscribe(ctx, scope(principal.RoleAdmin), GlobalChannel, 1)
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for v := int64(1); v <= 5; v++ {
			_ = hub.Deliver(ctx, GlobalChannel, Notification{ID: "r", Version: v})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked on a slow subscriber")
	}
	assert.Equal(t, float64(4), testutil.ToFloat64(m.NotificationsDropped.WithLabelValues("slow_subscriber")))
}

func TestHub_SubscriptionEndsWithContext(t *testing.T) {
	hub := NewHub(access.NewEvaluator(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, scope(principal.RoleAdmin), GlobalChannel, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(GlobalChannel))

	cancel()
	_, ok := receive(t, sub)
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers(GlobalChannel))
	sub.Close()
}

func TestHub_Invalidate(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(access.NewEvaluator(), m)
	ctx := context.Background()

	revoked := scope(principal.RoleManager, "FA")
	other := scope(principal.RoleManager, "FA")
	unitSub, err := hub.Subscribe(ctx, revoked, UnitChannel("FA"), 1)
	require.NoError(t, err)
	otherSub, err := hub.Subscribe(ctx, other, UnitChannel("FA"), 1)
	require.NoError(t, err)
	defer otherSub.Close()

	hub.Invalidate(revoked.PrincipalID)

	_, ok := receive(t, unitSub)
	assert.False(t, ok)
	assert.Equal(t, 1, hub.Subscribers(UnitChannel("FA")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriptionsRevoked))

	require.NoError(t, hub.Deliver(ctx, UnitChannel("FA"), Notification{ID: "r1", UnitID: "FA", Version: 1}))
	n, ok := receive(t, otherSub)
	require.True(t, ok)
	assert.Equal(t, "r1", n.ID)
	unitSub.Close()
}

func TestSubscription_Authorized(t *testing.T) {
	hub := NewHub(access.NewEvaluator(), nil)
	sc := scope(principal.RoleManager, "FA")
	sub, err := hub.Subscribe(context.Background(), sc, UnitChannel("FA"), 1)
	require.NoError(t, err)
	defer sub.Close()

	assert.True(t, sub.Authorized(sc))

	moved := principal.NewScope(&principal.Principal{ID: sc.PrincipalID, Role: principal.RoleManager, UnitIDs: []id.UnitID{"FB"}, Active: true})
	assert.False(t, sub.Authorized(moved))
	assert.False(t, sub.Authorized(scope(principal.RoleDirector)), "another principal's scope")
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(access.NewEvaluator(), nil)
	sub, err := hub.Subscribe(context.Background(), scope(principal.RoleAdmin), GlobalChannel, 1)
	require.NoError(t, err)

	hub.Close()
	_, ok := receive(t, sub)
	assert.False(t, ok)
	sub.Close()

	_, err = hub.Subscribe(context.Background(), scope(principal.RoleAdmin), GlobalChannel, 1)
	assert.Error(t, err)
}

func TestParseChannel(t *testing.T) {
	unit, ok := ParseChannel("changes.unit.FA")
	assert.True(t, ok)
	assert.Equal(t, id.UnitID("FA"), unit)

	unit, ok = ParseChannel(GlobalChannel)
	assert.True(t, ok)
	assert.Empty(t, unit)

	for _, bad := range []string{"", "changes.unit.", "changes.unit.F A", "orders.unit.FA"} {
		_, ok := ParseChannel(bad)
		assert.False(t, ok, bad)
	}
}
