package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type conflictish struct{}

func (conflictish) Error() string    { return "stale" }
func (conflictish) DomainCode() Code { return CodeVersionConflict }

func TestHasCode(t *testing.T) {
	t.Run("direct error", func(t *testing.T) {
		err := New(CodeNotFound, "record not found")
		assert.True(t, HasCode(err, CodeNotFound))
		assert.False(t, HasCode(err, CodeForbidden))
	})

	t.Run("wrapped by fmt", func(t *testing.T) {
		err := fmt.Errorf("load: %w", New(CodeForbidden, "nope"))
		assert.True(t, HasCode(err, CodeForbidden))
	})

	t.Run("typed coder in chain", func(t *testing.T) {
		err := fmt.Errorf("apply: %w", conflictish{})
		assert.True(t, HasCode(err, CodeVersionConflict))
		assert.Equal(t, CodeVersionConflict, CodeOf(err))
	})

	t.Run("plain error is internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
		assert.Equal(t, Code(""), CodeOf(nil))
	})
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeInternal, "failed to load record")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to load record: connection reset", err.Error())
	assert.Equal(t, "failed to load record", Message(err))
	assert.Nil(t, Wrap(nil, CodeInternal, "ignored"))
}
