package tc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostTableLivenessDefaultsAlive(t *testing.T) {
	h := NewHostTable(nil, "", NodeId(1))
	require.True(t, h.IsAlive(NodeId(7)), "an unseen node defaults to alive")

	h.MarkDead(NodeId(7))
	require.False(t, h.IsAlive(NodeId(7)))

	h.MarkAlive(NodeId(7))
	require.True(t, h.IsAlive(NodeId(7)))
}

func TestHostTableEnqueueFlushesOnOverflow(t *testing.T) {
	h := NewHostTable(nil, "", NodeId(1))
	var flushed []Signal
	for i := 0; i < packedBufferLimit-1; i++ {
		flushed = h.Enqueue(NodeId(2), Signal{Kind: SigCommit})
		require.Nil(t, flushed, "no flush until the buffer hits its limit")
	}
	flushed = h.Enqueue(NodeId(2), Signal{Kind: SigCommit})
	require.Len(t, flushed, packedBufferLimit, "the full batch is returned exactly once it overflows")

	// The buffer was drained by the flush; a fresh signal starts a new batch.
	flushed = h.Enqueue(NodeId(2), Signal{Kind: SigCommit})
	require.Nil(t, flushed)
}

func TestHostTableFlushAllDrainsEveryHost(t *testing.T) {
	h := NewHostTable(nil, "", NodeId(1))
	h.Enqueue(NodeId(2), Signal{Kind: SigCommit})
	h.Enqueue(NodeId(3), Signal{Kind: SigComplete})

	out := h.FlushAll()
	require.Len(t, out, 2)
	require.Len(t, out[NodeId(2)], 1)
	require.Len(t, out[NodeId(3)], 1)

	// A second flush with nothing enqueued since returns nothing.
	require.Empty(t, h.FlushAll())
}

// StartLeaseLoop and WatchPeers are no-ops with a nil etcd client: liveness
// is then driven purely by explicit node-fail-rep, never by lease expiry.
func TestHostTableNilEtcdDisablesLeaseLoop(t *testing.T) {
	h := NewHostTable(nil, "/tc/hosts", NodeId(1))
	require.NoError(t, h.StartLeaseLoop(nil, 10))
	h.WatchPeers(nil)
}
