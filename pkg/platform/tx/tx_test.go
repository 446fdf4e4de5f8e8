package tx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJournal(t *testing.T) {
	t.Run("rollback runs compensations in reverse order", func(t *testing.T) {
		ctx, j := WithJournal(context.Background())
		var order []int
		OnRollback(ctx, func() { order = append(order, 1) })
		OnRollback(ctx, func() { order = append(order, 2) })

		j.Rollback()
		assert.Equal(t, []int{2, 1}, order)

		j.Rollback()
		assert.Equal(t, []int{2, 1}, order, "compensations run once")
	})

	t.Run("commit discards compensations", func(t *testing.T) {
		ctx, j := WithJournal(context.Background())
		called := false
		OnRollback(ctx, func() { called = true })
		j.Commit()
		j.Rollback()
		assert.False(t, called)
	})

	t.Run("outside a journal OnRollback is a no-op", func(t *testing.T) {
		OnRollback(context.Background(), func() { t.Fatal("should not run") })
		_, ok := JournalFrom(context.Background())
		assert.False(t, ok)
	})

	t.Run("nil sql tx leaves context untouched", func(t *testing.T) {
		ctx := context.Background()
		assert.Equal(t, ctx, WithTx(ctx, nil))
		_, ok := From(ctx)
		assert.False(t, ok)
	})
}
