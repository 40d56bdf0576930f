package tc

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// fakeDIH is a single-fragment, single-replica distribution handler: every
// key hashes to fragment 0 with node 2 as its only replica, and Verify hands
// out strictly increasing gcis.
type fakeDIH struct {
	nextGci uint64
	nodes   []NodeId
}

func (d *fakeDIH) GetNodes(ctx context.Context, tableId uint32, hashValue uint64, distHashHint uint32, hasHint bool) (uint32, NodeList, error) {
	return 0, NodeList{Nodes: d.nodes}, nil
}

func (d *fakeDIH) FragmentCount(ctx context.Context, tableId uint32) (uint32, error) {
	return 1, nil
}

func (d *fakeDIH) PrimaryOf(ctx context.Context, tableId uint32, fragId uint32) (NodeId, error) {
	return d.nodes[0], nil
}

func (d *fakeDIH) Verify(ctx context.Context, transid TransId) (Gci, error) {
	d.nextGci++
	return Gci(d.nextGci), nil
}

func (d *fakeDIH) GcpTcFinished(ctx context.Context, gci Gci) error { return nil }

type fakeMembership struct{}

func (fakeMembership) IsAlive(n NodeId) bool          { return true }
func (fakeMembership) IsMaster() bool                 { return true }
func (fakeMembership) TakeOverEnabled(n NodeId) bool  { return true }
func (fakeMembership) ReportDead(ctx context.Context, n NodeId) error { return nil }

type fakeClock struct{ ticks uint64 }

func (c *fakeClock) NowTicks() uint64 { return c.ticks }

// recordingTransport collects every signal the coordinator sends, without
// feeding any of them back -- the test drives LQH/DIH replies itself by
// calling Dispatch again, so each stage of the two-phase commit is asserted
// one signal at a time.
type recordingTransport struct {
	sent []Signal
}

func (t *recordingTransport) Send(ctx context.Context, to NodeId, sig Signal) error {
	sig.To = to
	t.sent = append(t.sent, sig)
	return nil
}

func (t *recordingTransport) last() Signal {
	return t.sent[len(t.sent)-1]
}

func (t *recordingTransport) kindsSince(n int) []SignalKind {
	var kinds []SignalKind
	for _, s := range t.sent[n:] {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeDIH, *recordingTransport) {
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
	cfg.OwnNode = NodeId(1)

	var coord = NewCoordinator(cfg, dih, nil, fakeMembership{}, transport, clock, hosts, metrics)
	coord.catalog.PutTable(TableEntry{TableId: 1, SchemaVersion: 1, Enabled: true})
	return coord, dih, transport
}

// TestTransactionHappyPath drives a single auto-committed write operation
// through open-connection, submit-op, the lqh-key-conf prepare ack, the
// commit fan-out, and the complete fan-out, ending with the connection
// released back to the free pool.
func TestTransactionHappyPath(t *testing.T) {
	coord, _, transport := newTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	require.Len(t, transport.sent, 1)
	require.Equal(t, SigTcSeizeConf, transport.last().Kind)
	connIdx := transport.last().Conn

	const transId = TransId(42)
	coord.Dispatch(ctx, Signal{
		Kind: SigTcKeyReq, Conn: connIdx, TransId: transId,
		OpReq: &SubmitOpReq{
			Type: OpInsert, TableId: 1, SchemaVersion: 1,
			Start: true, Commit: true, Execute: true,
			KeyLen: 1, AttrLen: 1,
		},
		KeyWords:  []uint32{1},
		AttrWords: []uint32{2},
	})

	require.Len(t, transport.sent, 2, "a complete op should immediately emit lqh-key-req")
	lqhReq := transport.last()
	require.Equal(t, SigLqhKeyReq, lqhReq.Kind)
	require.Equal(t, NodeId(2), lqhReq.To)
	opIdx := lqhReq.Op

	conn := coord.conns.Get(uint32(connIdx))
	require.Equal(t, StartCommitting, conn.State)
	require.Equal(t, 1, conn.OutstandingPrepareAcks)

	coord.Dispatch(ctx, Signal{Kind: SigLqhKeyConf, From: NodeId(2), Conn: connIdx, Op: opIdx, TransId: transId})

	// Zero outstanding prepare-acks at START_COMMITTING enters the commit
	// point directly: a commit to the op's primary plus the client's
	// tc-key-conf (the connection's return selector is unset, so the reply
	// is tc-key-conf rather than tc-commit-conf).
	kinds := transport.kindsSince(2)
	require.Contains(t, kinds, SigCommit)
	require.Contains(t, kinds, SigTcKeyConf)
	require.Equal(t, CommitSent, conn.State)
	require.Equal(t, 1, conn.OutstandingCommitAcks)

	coord.Dispatch(ctx, Signal{Kind: SigCommitted, From: NodeId(2), Conn: connIdx, Op: opIdx, TransId: transId})
	require.Equal(t, CompleteSent, conn.State)
	require.Contains(t, transport.kindsSince(len(transport.sent)-1), SigComplete)
	require.Equal(t, 1, conn.OutstandingCompleteAcks)

	coord.Dispatch(ctx, Signal{Kind: SigCompleted, From: NodeId(2), Conn: connIdx, Op: opIdx, TransId: transId})
	require.Equal(t, Connected, conn.State)
	require.Equal(t, 0, coord.conns.InUse(), "the connection is released once complete fan-out finishes")
}

// TestDirtyReadSkipsCommitFanOut exercises the OpSkipped path: a dirty read
// replies and frees its op slot immediately on lqh-key-conf, well before
// the transaction's own commit fan-out walks the op list, and must not be
// revisited (double-released, or sent a spurious commit) when that walk
// later passes over it.
func TestDirtyReadSkipsCommitFanOut(t *testing.T) {
	coord, _, transport := newTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	connIdx := transport.last().Conn
	const transId = TransId(7)

	coord.Dispatch(ctx, Signal{
		Kind: SigTcKeyReq, Conn: connIdx, TransId: transId,
		OpReq: &SubmitOpReq{
			Type: OpRead, TableId: 1, SchemaVersion: 1,
			Start: true, Dirty: true, Execute: true,
			KeyLen: 1, AttrLen: 0,
		},
		KeyWords: []uint32{5},
	})
	dirtyOp := transport.last().Op
	require.Equal(t, uint32(1), uint32(coord.ops.InUse()))

	coord.Dispatch(ctx, Signal{Kind: SigLqhKeyConf, From: NodeId(2), Conn: connIdx, Op: dirtyOp, TransId: transId})
	require.Equal(t, OpSkipped, coord.ops.Get(uint32(dirtyOp)).State)
	require.Equal(t, uint32(1), uint32(coord.ops.InUse()), "the pool slot is not yet released")

	// A second, committed write op completes the transaction. The dirty op
	// stays linked ahead of it on the op list the whole time.
	coord.Dispatch(ctx, Signal{
		Kind: SigTcKeyReq, Conn: connIdx, TransId: transId,
		OpReq: &SubmitOpReq{
			Type: OpInsert, TableId: 1, SchemaVersion: 1,
			Commit: true, Execute: true,
			KeyLen: 1, AttrLen: 1,
		},
		KeyWords:  []uint32{6},
		AttrWords: []uint32{7},
	})
	writeOp := transport.last().Op
	require.NotEqual(t, dirtyOp, writeOp)

	coord.Dispatch(ctx, Signal{Kind: SigLqhKeyConf, From: NodeId(2), Conn: connIdx, Op: writeOp, TransId: transId})

	sentBeforeCommitAck := len(transport.sent)
	commits := 0
	for _, s := range transport.sent {
		if s.Kind == SigCommit {
			commits++
		}
	}
	require.Equal(t, 1, commits, "only the write op is committed; the skipped dirty read is never revisited")

	coord.Dispatch(ctx, Signal{Kind: SigCommitted, From: NodeId(2), Conn: connIdx, Op: writeOp, TransId: transId})
	coord.Dispatch(ctx, Signal{Kind: SigCompleted, From: NodeId(2), Conn: connIdx, Op: writeOp, TransId: transId})
	_ = sentBeforeCommitAck

	require.Equal(t, 0, coord.conns.InUse())
	require.Equal(t, 0, coord.ops.InUse(), "freeOpList releases the skipped dirty op exactly once, alongside the real one")
}

// TestRollbackRequestAborts drives an explicit client rollback through the
// abort fan-out to its terminal tc-rollback-conf and connection release.
func TestRollbackRequestAborts(t *testing.T) {
	coord, _, transport := newTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	connIdx := transport.last().Conn
	const transId = TransId(11)

	coord.Dispatch(ctx, Signal{
		Kind: SigTcKeyReq, Conn: connIdx, TransId: transId,
		OpReq: &SubmitOpReq{
			Type: OpUpdate, TableId: 1, SchemaVersion: 1,
			Start: true, Execute: true,
			KeyLen: 1, AttrLen: 1,
		},
		KeyWords:  []uint32{1},
		AttrWords: []uint32{2},
	})
	opIdx := transport.last().Op

	coord.Dispatch(ctx, Signal{Kind: SigLqhKeyConf, From: NodeId(2), Conn: connIdx, Op: opIdx, TransId: transId})

	coord.Dispatch(ctx, Signal{Kind: SigTcRollbackReq, Conn: connIdx, TransId: transId})
	require.Equal(t, SigAbort, transport.last().Kind)

	coord.Dispatch(ctx, Signal{Kind: SigAborted, From: NodeId(2), Conn: connIdx, Op: opIdx, TransId: transId})
	require.Equal(t, SigTcRollbackConf, transport.last().Kind)
	require.Equal(t, 0, coord.conns.InUse())
}

// TestOpenConnectionRejectsBadToken exercises the auth wiring: a configured
// signing key turns an unsigned or mis-signed tc-seize-req into a
// tc-seize-ref with invalid-connection, without seizing a connection slot.
func TestOpenConnectionRejectsBadToken(t *testing.T) {
	coord, _, transport := newTestCoordinator(t)
	coord.authKey = []byte("secret")
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	require.Equal(t, SigTcSeizeRef, transport.last().Kind)
	require.Equal(t, tcerror.InvalidConnection, transport.last().Err.Code)
	require.Equal(t, 0, coord.conns.InUse())
}
