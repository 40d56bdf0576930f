package tc

import "context"

// The interfaces below model the external collaborators this package
// treats as out of scope: the local query handler (LQH), the
// distribution-info service (DIH), the cluster-membership service, and
// the inter-node transport. The core consumes them as a message-passing
// interface; it never reaches past them into table storage, the
// replication log, or the wire itself.

// NodeList is an ordered replica list: primary first, then backups.
type NodeList struct {
	Nodes []NodeId
}

// DIH is the distribution-info handler: it maps key -> partition -> node
// list. GetNodes and the membership-group query are synchronous,
// in-process, same-thread calls -- so this interface is ordinary Go
// method calls, not signals, and implementations MUST NOT block or
// re-enter the coordinator.
type DIH interface {
	// GetNodes resolves a hash value to a fragment id and its ordered
	// replica list. Inline, non-suspending.
	GetNodes(ctx context.Context, tableId uint32, hashValue uint64, distHashHint uint32, hasHint bool) (fragId uint32, nodes NodeList, err error)

	// FragmentCount returns the total number of fragments of a table,
	// used to size a parallel scan.
	FragmentCount(ctx context.Context, tableId uint32) (count uint32, err error)

	// PrimaryOf returns the current primary replica of a single
	// fragment, used both to dispatch a scan fragment and to re-dispatch
	// after a fragment completes and another remains.
	PrimaryOf(ctx context.Context, tableId uint32, fragId uint32) (NodeId, error)

	// Verify performs the verify-GCI inline exchange: it returns the
	// 64-bit gci that is the transaction's commit point.
	Verify(ctx context.Context, transid TransId) (Gci, error)

	// GcpTcFinished reports to DIH that this TC has released every
	// transaction committed under gci.
	GcpTcFinished(ctx context.Context, gci Gci) error
}

// LQH is the local query handler owning data replicas. The core only ever
// calls it through signals (never inline), but the Go interface is kept
// request/response-shaped for testability; a real Transport-backed
// implementation turns each call into an async send plus a later signal
// delivered back through Coordinator.Dispatch.
type LQH interface {
	// SendLqhKeyReq forwards a prepare to nodeId's LQH.
	SendLqhKeyReq(ctx context.Context, nodeId NodeId, sig Signal) error
	SendKeyInfo(ctx context.Context, nodeId NodeId, sig Signal) error
	SendAttrInfo(ctx context.Context, nodeId NodeId, sig Signal) error
	SendCommit(ctx context.Context, nodeId NodeId, sig Signal) error
	SendComplete(ctx context.Context, nodeId NodeId, sig Signal) error
	SendAbort(ctx context.Context, nodeId NodeId, sig Signal) error
	SendScanFragReq(ctx context.Context, nodeId NodeId, sig Signal) error
	SendScanFragNextReq(ctx context.Context, nodeId NodeId, sig Signal) error
	SendRemoveMarker(ctx context.Context, nodeId NodeId, sig Signal) error
	// SendLqhTransReq asks nodeId's LQH to stream back every operation it
	// holds for transactions whose TC was sig.NodeFail, as part of
	// fail-takeover. The reply is one SigLqhTransConf per operation,
	// terminated by a SigLqhTransConfLast sentinel.
	SendLqhTransReq(ctx context.Context, nodeId NodeId, sig Signal) error
}

// Membership is the cluster-membership service: node liveness and the
// inline "is this TC the master / is take-over enabled for node N" query.
type Membership interface {
	IsAlive(n NodeId) bool
	IsMaster() bool
	TakeOverEnabled(n NodeId) bool
	// ReportDead escalates a node the watchdog has given up on.
	ReportDead(ctx context.Context, n NodeId) error
}

// Transport is the inter-node transport: the core depends only on this
// interface to emit a signal to a peer, never on a concrete wire stack.
type Transport interface {
	Send(ctx context.Context, to NodeId, sig Signal) error
}

// Clock abstracts the 10ms-granularity logical timer so the watchdog is
// deterministically testable.
type Clock interface {
	NowTicks() uint64
}
