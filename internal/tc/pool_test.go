package tc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolSeizeRelease(t *testing.T) {
	var p = NewPool[int](3)
	require.Equal(t, 3, p.Capacity())
	require.Equal(t, 0, p.InUse())

	a, ok := p.Seize()
	require.True(t, ok)
	b, ok := p.Seize()
	require.True(t, ok)
	c, ok := p.Seize()
	require.True(t, ok)
	require.Equal(t, 3, p.InUse())

	_, ok = p.Seize()
	require.False(t, ok, "pool is exhausted at capacity")

	p.Release(b)
	require.Equal(t, 2, p.InUse())

	reused, ok := p.Seize()
	require.True(t, ok)
	require.Equal(t, b, reused, "the most recently released slot is reused first")

	_ = a
	_ = c
}

func TestPoolSeizeClearsRecord(t *testing.T) {
	var p = NewPool[int](1)
	idx, ok := p.Seize()
	require.True(t, ok)
	*p.Get(idx) = 42

	p.Release(idx)
	idx, ok = p.Seize()
	require.True(t, ok)
	require.Equal(t, 0, *p.Get(idx), "a seized slot is cleared, never carrying over the previous tenant's data")
}

func TestPoolZeroCapacity(t *testing.T) {
	var p = NewPool[int](0)
	_, ok := p.Seize()
	require.False(t, ok)
}
