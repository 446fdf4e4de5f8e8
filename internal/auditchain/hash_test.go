package auditchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "factora/pkg/domain"
)

func TestEncodeSnapshot(t *testing.T) {
	t.Run("key order does not matter", func(t *testing.T) {
		a := map[string]any{}
		a["zeta"] = 1
		a["alpha"] = "x"
		a["mid"] = []any{true, 2.5}
		b := map[string]any{"mid": []any{true, 2.5}, "alpha": "x", "zeta": 1}

		ea, err := EncodeSnapshot(a)
		require.NoError(t, err)
		eb, err := EncodeSnapshot(b)
		require.NoError(t, err)
		assert.Equal(t, ea, eb)
	})

	t.Run("nil snapshot is empty", func(t *testing.T) {
		b, err := EncodeSnapshot(nil)
		require.NoError(t, err)
		assert.Empty(t, b)
	})

	t.Run("round trip", func(t *testing.T) {
		b, err := EncodeSnapshot(map[string]any{"status": "draft", "nested": map[string]any{"k": "v"}})
		require.NoError(t, err)
		got, err := DecodeSnapshot(b)
		require.NoError(t, err)
		assert.Equal(t, "draft", got["status"])
		assert.Equal(t, map[string]any{"k": "v"}, got["nested"])
	})
}

func TestCanonicalBytes(t *testing.T) {
	pid := id.NewPrincipalID()
	base := func() *Event {
		return &Event{
			Seq:         7,
			EntityType:  "invoice",
			EntityID:    "r1",
			Action:      ActionApprove,
			PrincipalID: pid,
			After:       []byte{0xa0},
			Timestamp:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		}
	}
	prev := make([]byte, HashSize)

	t.Run("every field participates", func(t *testing.T) {
		ref := CanonicalBytes(base(), prev)
		mutations := map[string]func(*Event){
			"seq":         func(e *Event) { e.Seq++ },
			"entity type": func(e *Event) { e.EntityType = "invoices" },
			"entity id":   func(e *Event) { e.EntityID = "r2" },
			"action":      func(e *Event) { e.Action = ActionReject },
			"principal":   func(e *Event) { e.PrincipalID = id.NewPrincipalID() },
			"before":      func(e *Event) { e.Before = []byte{0xa0} },
			"after":       func(e *Event) { e.After = nil },
			"timestamp":   func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		}
		for name, mutate := range mutations {
			e := base()
			mutate(e)
			assert.NotEqual(t, ref, CanonicalBytes(e, prev), name)
		}
		assert.NotEqual(t, ref, CanonicalBytes(base(), nil), "prev hash")
	})

	t.Run("length prefixes keep field boundaries", func(t *testing.T) {
		a := base()
		a.EntityType, a.EntityID = "ab", "c"
		b := base()
		b.EntityType, b.EntityID = "a", "bc"
		assert.NotEqual(t, CanonicalBytes(a, prev), CanonicalBytes(b, prev))
	})

	t.Run("sub-microsecond precision and zone are ignored", func(t *testing.T) {
		a := base()
		b := base()
		b.Timestamp = a.Timestamp.Add(999 * time.Nanosecond).In(time.FixedZone("CET", 3600))
		assert.Equal(t, CanonicalBytes(a, prev), CanonicalBytes(b, prev))
	})
}
