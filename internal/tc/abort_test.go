package tc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWatchdogAbortsInactiveTransaction drives the logical clock past
// TransactionInactiveTimeout for a transaction sitting idle in RECEIVING
// and confirms the watchdog's periodic time-signal aborts it without any
// client action.
func TestWatchdogAbortsInactiveTransaction(t *testing.T) {
	coord, dih, transport := newTestCoordinator(t)
	_ = dih
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	connIdx := transport.last().Conn
	const transId = TransId(77)

	coord.Dispatch(ctx, Signal{
		Kind: SigTcKeyReq, Conn: connIdx, TransId: transId,
		OpReq: &SubmitOpReq{
			Type: OpRead, TableId: 1, SchemaVersion: 1,
			Start: true, Execute: true,
			KeyLen: 1, AttrLen: 0,
		},
		KeyWords: []uint32{1},
	})
	opIdx := transport.last().Op
	coord.Dispatch(ctx, Signal{Kind: SigLqhKeyConf, From: NodeId(2), Conn: connIdx, Op: opIdx, TransId: transId})

	conn := coord.conns.Get(uint32(connIdx))
	require.NotEqual(t, Connected, conn.State)

	clock := coord.clock.(*fakeClock)
	clock.ticks = durationTicks(coord.cfg.TransactionInactiveTimeout) + 1

	coord.Dispatch(ctx, Signal{Kind: SigTimeSignal})
	require.Contains(t, transport.kindsSince(len(transport.sent)-2), SigAbort,
		"the watchdog escalates a past-deadline idle transaction straight to abort")
}

// TestWatchdogResendsThenReportsDeadReplica exercises the commit-wait
// dispatch table: a connection stuck in COMMIT_SENT past the
// deadlock-detection timeout is first resent commit to the same replica,
// and only once it has missed more than the consecutive-miss limit is the
// replica reported dead and the connection's own node-failure rebuild
// driven -- the scenario of a commit ack lost to a dying node.
func TestWatchdogResendsThenReportsDeadReplica(t *testing.T) {
	coord, transport := newTakeoverTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	connIdx := transport.last().Conn
	const transId = TransId(900)

	coord.Dispatch(ctx, Signal{
		Kind: SigTcKeyReq, Conn: connIdx, TransId: transId,
		OpReq: &SubmitOpReq{
			Type: OpUpdate, TableId: 1, SchemaVersion: 1,
			Start: true, Commit: true, Execute: true,
			KeyLen: 1, AttrLen: 1,
		},
		KeyWords:  []uint32{1},
		AttrWords: []uint32{2},
	})
	opIdx := transport.last().Op
	coord.Dispatch(ctx, Signal{Kind: SigLqhKeyConf, From: NodeId(2), Conn: connIdx, Op: opIdx, TransId: transId})

	conn := coord.conns.Get(uint32(connIdx))
	require.Equal(t, CommitSent, conn.State)
	sentBeforeWatchdog := len(transport.sent)

	clock := coord.clock.(*fakeClock)
	clock.ticks = coord.jitteredDeadlockTicks(uint32(connIdx)) + 1

	// Three resends: each tick is idempotent, re-sending commit to the same
	// node without reporting it dead yet.
	for i := 0; i < 3; i++ {
		coord.Dispatch(ctx, Signal{Kind: SigTimeSignal})
	}
	resent := transport.sent[sentBeforeWatchdog:]
	require.Len(t, resent, 3)
	for _, s := range resent {
		require.Equal(t, SigCommit, s.Kind)
		require.Equal(t, NodeId(2), s.To)
	}
	require.Equal(t, CommitSent, conn.State, "still waiting, not yet escalated")

	// The fourth miss exceeds the limit: the replica is reported dead and
	// its own fail-takeover rebuild starts.
	coord.Dispatch(ctx, Signal{Kind: SigTimeSignal})
	require.False(t, coord.hosts.IsAlive(NodeId(2)))
	require.NotNil(t, coord.takeover.active)
	require.Equal(t, NodeId(2), coord.takeover.active.node)
}

// TestHeartbeatResetsInactivityTimer confirms tc-hb-rep refreshes
// TimerTicks so a transaction that is actually still alive survives the
// inactivity deadline.
func TestHeartbeatResetsInactivityTimer(t *testing.T) {
	coord, _, transport := newTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	connIdx := transport.last().Conn
	const transId = TransId(78)

	coord.Dispatch(ctx, Signal{
		Kind: SigTcKeyReq, Conn: connIdx, TransId: transId,
		OpReq: &SubmitOpReq{
			Type: OpRead, TableId: 1, SchemaVersion: 1,
			Start: true, Execute: true,
			KeyLen: 1, AttrLen: 0,
		},
		KeyWords: []uint32{1},
	})

	clock := coord.clock.(*fakeClock)
	clock.ticks = durationTicks(coord.cfg.TransactionInactiveTimeout) + 1

	coord.Dispatch(ctx, Signal{Kind: SigTcHbRep, Conn: connIdx, TransId: transId})

	sentBefore := len(transport.sent)
	coord.Dispatch(ctx, Signal{Kind: SigTimeSignal})
	require.Equal(t, sentBefore, len(transport.sent), "the heartbeat reset the timer, so the watchdog takes no action")
}
