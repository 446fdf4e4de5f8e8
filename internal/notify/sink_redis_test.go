package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSink(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pubsub := client.Subscribe(ctx, UnitChannel("FA"))
	t.Cleanup(func() { _ = pubsub.Close() })
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client)
	n := Notification{
		Type: "dispatch_note", ID: "r1", UnitID: "FA", Action: "update",
		ChangedFields: []string{"status"}, Version: 3,
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Deliver(ctx, UnitChannel("FA"), n))

	select {
	case msg := <-pubsub.Channel():
		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &body))
		assert.Equal(t, "dispatch_note", body["type"])
		assert.Equal(t, "r1", body["id"])
		assert.Equal(t, "FA", body["unitId"])
		assert.Equal(t, "update", body["action"])
		assert.Equal(t, []any{"status"}, body["changedFields"])
		assert.Equal(t, float64(3), body["version"])
		assert.Equal(t, "2026-03-01T08:00:00Z", body["timestamp"])
		assert.NotContains(t, body, "PrincipalID")
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisSink_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisSink(client).Deliver(context.Background(), GlobalChannel, Notification{ID: "r"})
	assert.Error(t, err)
}
