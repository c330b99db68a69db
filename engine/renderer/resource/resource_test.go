package resource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/mandrill/engine/core"
)

func TestRetirementWaitsForSlotReuse(t *testing.T) {
	q := NewRetirementQueue(2)
	var destroyed []string

	q.Begin(0)
	q.Retire("a", func() { destroyed = append(destroyed, "a") })
	q.Begin(1)
	q.Retire("b", func() { destroyed = append(destroyed, "b") })
	assert.Empty(t, destroyed)
	assert.Equal(t, 2, q.Pending())

	// slot 0 comes around again: only what was retired during slot 0 runs
	assert.Equal(t, 1, q.Begin(0))
	assert.Equal(t, []string{"a"}, destroyed)

	assert.Equal(t, 1, q.Begin(1))
	assert.Equal(t, []string{"a", "b"}, destroyed)
	assert.Zero(t, q.Pending())
}

func TestRetirementFlushAllOrder(t *testing.T) {
	q := NewRetirementQueue(3)
	var destroyed []int
	for slot := uint32(0); slot < 3; slot++ {
		q.Begin(slot)
		s := int(slot)
		q.Retire("x", func() { destroyed = append(destroyed, s) })
	}
	// current is 2, so the oldest bucket is 0
	assert.Equal(t, 3, q.FlushAll())
	assert.Equal(t, []int{0, 1, 2}, destroyed)
}

func TestRefCounting(t *testing.T) {
	q := NewRetirementQueue(2)
	q.Begin(0)

	destroyed := 0
	ref := NewRef("view", 42, q, func(v int) {
		assert.Equal(t, 42, v)
		destroyed++
	})
	assert.Contains(t, ref.Label(), "view/")

	_, err := ref.Acquire()
	require.NoError(t, err)
	assert.Equal(t, int32(2), ref.Count())

	require.NoError(t, ref.Release())
	assert.Zero(t, q.Pending())
	require.NoError(t, ref.Release())
	assert.Equal(t, 1, q.Pending())
	assert.Zero(t, destroyed)

	q.Begin(1)
	q.Begin(0)
	assert.Equal(t, 1, destroyed)

	_, err = ref.Acquire()
	assert.ErrorIs(t, err, core.ErrDestroyed)
	err = ref.Release()
	assert.True(t, errors.Is(err, core.ErrPrecondition))
}

func TestRefImmediateWithoutRetirer(t *testing.T) {
	destroyed := false
	ref := NewRef("buffer", "b", nil, func(string) { destroyed = true })
	require.NoError(t, ref.Release())
	assert.True(t, destroyed)
}
