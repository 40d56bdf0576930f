package tc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkerTableSeizeFindRelease(t *testing.T) {
	mt := newMarkerTable(4)

	idx, ok := mt.Seize(TransId(100), NodeId(1), ConnIdx(5))
	require.True(t, ok)

	found, ok := mt.Find(TransId(100))
	require.True(t, ok)
	require.Equal(t, idx, found)

	m := mt.Get(idx)
	require.Equal(t, NodeId(1), m.ApiNode)
	require.Equal(t, ConnIdx(5), m.ApiConnect)

	mt.Release(TransId(100))
	_, ok = mt.Find(TransId(100))
	require.False(t, ok, "a released marker is no longer findable")
}

func TestMarkerTableReleaseIsIdempotent(t *testing.T) {
	mt := newMarkerTable(4)
	mt.Seize(TransId(7), NodeId(1), ConnIdx(0))
	mt.Release(TransId(7))
	require.NotPanics(t, func() { mt.Release(TransId(7)) }, "a hash-miss release is treated as success")
}

func TestMarkerTableDistinctTransIdsResolveIndependently(t *testing.T) {
	mt := newMarkerTable(8)
	// Even when two distinct transids land in the same bucket, Find's
	// linear scan must resolve each to its own record.
	a, okA := mt.Seize(TransId(1), NodeId(1), ConnIdx(0))
	b, okB := mt.Seize(TransId(2), NodeId(2), ConnIdx(1))
	require.True(t, okA)
	require.True(t, okB)
	require.NotEqual(t, a, b)

	foundA, _ := mt.Find(TransId(1))
	foundB, _ := mt.Find(TransId(2))
	require.Equal(t, a, foundA)
	require.Equal(t, b, foundB)
}

func TestMarkerTableSeizeExhaustion(t *testing.T) {
	mt := newMarkerTable(2)
	_, ok := mt.Seize(TransId(1), NodeId(1), ConnIdx(0))
	require.True(t, ok)
	_, ok = mt.Seize(TransId(2), NodeId(1), ConnIdx(0))
	require.True(t, ok)
	_, ok = mt.Seize(TransId(3), NodeId(1), ConnIdx(0))
	require.False(t, ok, "the pool is exhausted at capacity")
}
