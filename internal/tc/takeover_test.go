package tc

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// newTakeoverTestCoordinator wires a coordinator whose host table already
// knows about two surviving nodes, so fail-takeover's "every surviving
// LQH" fan-out has somewhere to go without depending on a prior
// transaction having touched them.
func newTakeoverTestCoordinator(t *testing.T) (*Coordinator, *recordingTransport) {
	t.Helper()
	var dih = &fakeDIH{nodes: []NodeId{2}}
	var transport = &recordingTransport{}
	var hosts = NewHostTable(nil, "", NodeId(1))
	var metrics = NewMetrics(prometheus.NewRegistry())
	var clock = &fakeClock{}

	var cfg = DefaultConfig()
	cfg.ApiConnectionPoolSize = 8
	cfg.TcOpPoolSize = 32
	cfg.TableCount = 8
	cfg.MarkerPoolSize = 8
	cfg.CatalogCacheSize = 8
	cfg.NoParallelTakeOver = 4
	cfg.OwnNode = NodeId(1)

	var coord = NewCoordinator(cfg, dih, nil, fakeMembership{}, transport, clock, hosts, metrics)
	coord.catalog.PutTable(TableEntry{TableId: 1, SchemaVersion: 1, Enabled: true})
	hosts.MarkAlive(NodeId(3))
	hosts.MarkAlive(NodeId(4))
	return coord, transport
}

// TestTakeoverStreamsEverySurvivingLQH confirms node-fail-rep for a peer TC
// fans lqh-trans-req out to every node this TC's host table knows is
// alive, not to any connection this TC already had open.
func TestTakeoverStreamsEverySurvivingLQH(t *testing.T) {
	coord, transport := newTakeoverTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigNodeFailRep, NodeFail: NodeId(2)})
	require.False(t, coord.hosts.IsAlive(NodeId(2)))

	kinds := transport.kindsSince(0)
	require.Len(t, kinds, 2, "both surviving nodes are asked")
	for _, s := range transport.sent {
		require.Equal(t, SigLqhTransReq, s.Kind)
		require.Equal(t, NodeId(2), s.NodeFail)
	}
	require.NotNil(t, coord.takeover.active)
	require.True(t, coord.takeover.active.streaming)
}

// TestTakeoverBuildsFailCommittedFromFreshTransaction drives a transid this
// TC never had open through a single surviving replica reporting
// PhaseCommitted, and confirms it is reconstructed and driven through the
// complete fan-out, not aborted.
func TestTakeoverBuildsFailCommittedFromFreshTransaction(t *testing.T) {
	coord, transport := newTakeoverTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigNodeFailRep, NodeFail: NodeId(2)})
	require.Len(t, transport.sent, 2)

	const transId = TransId(500)
	coord.Dispatch(ctx, Signal{
		Kind: SigLqhTransConf, From: NodeId(3), NodeFail: NodeId(2),
		LqhTrans: &LqhTransConfPayload{
			TransId: transId, ApiRef: ClientRef{BlockRef: 7},
			TableId: 1, ReplicaNo: 0, LastReplicaNo: 1,
			Status: PhaseCommitted, Gci: Gci(42), HasGci: true,
		},
	})
	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(3), NodeFail: NodeId(2)})
	require.Len(t, transport.sent, 2, "the other surviving LQH hasn't reported yet, so driving hasn't started")

	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(4), NodeFail: NodeId(2)})

	kinds := transport.kindsSince(2)
	require.Contains(t, kinds, SigComplete, "an op already committed is driven straight to complete")

	var completeSig Signal
	for _, s := range transport.sent {
		if s.Kind == SigComplete && s.TransId == transId {
			completeSig = s
			require.Equal(t, NodeId(3), s.To, "addressed at the surviving replica that reported it")
		}
	}
	require.Equal(t, SigComplete, completeSig.Kind)
	require.NotNil(t, coord.takeover.active, "the reconstructed connection is still being driven")

	coord.Dispatch(ctx, Signal{Kind: SigCompleted, From: NodeId(3), Conn: completeSig.Conn, Op: completeSig.Op, TransId: transId})
	require.Nil(t, coord.takeover.active, "nothing else pending once the reconstructed transaction finishes, so the take-over concludes")
}

// TestTakeoverAbortsOnPreparedOnlyTransaction exercises the conservative
// default: a transaction whose only reporting replica reached PhasePrepared
// never had its commit decision durably recorded, so it is aborted.
func TestTakeoverAbortsOnPreparedOnlyTransaction(t *testing.T) {
	coord, transport := newTakeoverTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigNodeFailRep, NodeFail: NodeId(2)})

	const transId = TransId(501)
	coord.Dispatch(ctx, Signal{
		Kind: SigLqhTransConf, From: NodeId(3), NodeFail: NodeId(2),
		LqhTrans: &LqhTransConfPayload{
			TransId: transId, ApiRef: ClientRef{BlockRef: 8},
			TableId: 1, ReplicaNo: 0, LastReplicaNo: 1,
			Status: PhasePrepared,
		},
	})
	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(3), NodeFail: NodeId(2)})
	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(4), NodeFail: NodeId(2)})

	var found bool
	for _, s := range transport.sent {
		if s.Kind == SigAbort && s.TransId == transId {
			found = true
		}
	}
	require.True(t, found)
}

// TestTakeoverAnyAbortedReplicaAbortsWholeTransaction confirms the
// promotion rule: even when one replica reports PREPARED and the
// transaction would otherwise be ambiguous, a second replica reporting
// ABORTED forces the whole reconstructed transaction to abort.
func TestTakeoverAnyAbortedReplicaAbortsWholeTransaction(t *testing.T) {
	coord, transport := newTakeoverTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigNodeFailRep, NodeFail: NodeId(2)})

	const transId = TransId(502)
	coord.Dispatch(ctx, Signal{
		Kind: SigLqhTransConf, From: NodeId(3), NodeFail: NodeId(2),
		LqhTrans: &LqhTransConfPayload{TransId: transId, TableId: 1, Status: PhasePrepared},
	})
	coord.Dispatch(ctx, Signal{
		Kind: SigLqhTransConf, From: NodeId(4), NodeFail: NodeId(2),
		LqhTrans: &LqhTransConfPayload{TransId: transId, TableId: 1, Status: PhaseAborted},
	})
	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(3), NodeFail: NodeId(2)})
	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(4), NodeFail: NodeId(2)})

	var found bool
	for _, s := range transport.sent {
		if s.Kind == SigAbort && s.TransId == transId {
			found = true
		}
	}
	require.True(t, found)
}

// TestTakeoverQueuesSecondFailedNode verifies a node-fail-rep arriving
// while a take-over is already streaming is enqueued rather than started
// concurrently, and is picked up once the first take-over concludes.
func TestTakeoverQueuesSecondFailedNode(t *testing.T) {
	coord, transport := newTakeoverTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigNodeFailRep, NodeFail: NodeId(2)})
	coord.Dispatch(ctx, Signal{Kind: SigNodeFailRep, NodeFail: NodeId(5)})
	require.Equal(t, []NodeId{NodeId(5)}, coord.takeover.queue, "a second failure queues behind the active take-over")

	// Node 2's take-over concludes with no reconstructed transactions at
	// all (neither surviving LQH reports any op).
	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(3), NodeFail: NodeId(2)})
	coord.Dispatch(ctx, Signal{Kind: SigLqhTransConfLast, From: NodeId(4), NodeFail: NodeId(2)})

	require.Empty(t, coord.takeover.queue)
	require.NotNil(t, coord.takeover.active, "the queued failure for node 5 starts its own streaming phase")
	require.Equal(t, NodeId(5), coord.takeover.active.node)

	kinds := transport.kindsSince(len(transport.sent) - 2)
	for _, k := range kinds {
		require.Equal(t, SigLqhTransReq, k)
	}
}
