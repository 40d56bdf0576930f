package tc

import (
	"time"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// ConnState is the connection's place in the lifecycle.
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connected
	Started
	Receiving
	RecCommitting
	StartCommitting
	PrepareToCommit
	Committing
	CommitSent
	Completing
	CompleteSent
	Aborting

	// Auxiliary states used only by fail-takeover.
	FailPrepared
	FailAborted
	FailCommitted
	FailAborting
	FailCommitting
	FailCompleted
	Restart
)

// ReturnSignal selects what the transaction replies with on completion.
type ReturnSignal uint8

const (
	ReturnNone ReturnSignal = iota
	ReturnTcKeyConf
	ReturnCommitConf
	ReturnRollbackConf
	ReturnRollbackRep
)

// AbortState tracks whether the abort driver is currently walking this
// connection's op list.
type AbortState uint8

const (
	AbortIdle AbortState = iota
	AbortActive
)

// ClientRef identifies the API client that owns a connection: a block
// reference plus an opaque client-side pointer, echoed back on every reply.
type ClientRef struct {
	BlockRef uint32
	Opaque   uint64
}

// ApiConnection is the per-transaction record. Its identity is its stable
// ConnIdx; it is seized from the free list by open-connection and
// released exactly once, on the terminal conf/ref path or on API failure.
type ApiConnection struct {
	State ConnState

	Client  ClientRef
	TransId TransId

	// Op list, head/tail by OpIdx; NilIdx when empty.
	FirstOp OpIdx
	LastOp  OpIdx
	NumOps  int

	CurrSavePointId SavePointId

	Gci       Gci
	HasGci    bool
	MarkerIdx MarkerIdx
	HasMarker bool

	// BuddyConn is the API-side savepoint-coordination peer connection, or
	// NilIdx.
	BuddyConn ConnIdx

	Abort    AbortState
	FailFlag bool // client disconnected; set by api-fail-req, read nowhere
	ExecFlag bool // client requested immediate execution
	Return   ReturnSignal

	// lastAbortErr carries the fully-formed client error through a
	// multi-tick abort fan-out, so finishAbort replies with the
	// original code/line/data rather than a generic one.
	lastAbortErr *tcerror.Error

	OutstandingPrepareAcks  int
	OutstandingCommitAcks   int
	OutstandingCompleteAcks int

	// TransactionNodes is a superset of the node set of every live
	// operation except dirty reads.
	TransactionNodes NodeSet

	// Fail-takeover bookkeeping, populated only while State is one of the
	// FAIL_* auxiliary states.
	FailNodeId NodeId

	// Index-operation scratch state, valid only while an index-access op
	// is outstanding on this connection.
	IndexOp IndexOpState
	// IndexAccessOp is the nested read op resolving an index key to its
	// base-table primary key; PendingIndexReq is the real operation
	// stashed until that resolution completes.
	IndexAccessOp   OpIdx
	PendingIndexReq *SubmitOpReq

	LastActivity time.Time
	TimerTicks   uint64

	// WatchdogMisses counts consecutive deadlock-timeout checks a stuck
	// commit/complete/abort fan-out has failed to clear by resend alone.
	// Reset whenever an ack for this connection arrives.
	WatchdogMisses int

	// ScanIdx is set while this connection drives an open scan.
	ScanIdx ScanIdx
	HasScan bool
}

// NodeSet is a small bitmask of participating node ids. NDB clusters are
// bounded (<=48 data nodes historically); 64 bits is ample headroom and
// avoids a slice allocation per transaction.
type NodeSet uint64

func (s *NodeSet) Add(n NodeId)      { *s |= NodeSet(1) << uint(n) }
func (s NodeSet) Has(n NodeId) bool  { return s&(NodeSet(1)<<uint(n)) != 0 }
func (s *NodeSet) Clear()            { *s = 0 }
func (s NodeSet) Each(fn func(NodeId)) {
	for i := 0; i < 64; i++ {
		if s.Has(NodeId(i)) {
			fn(NodeId(i))
		}
	}
}

// IndexOpState is the scratch state machine for a single index-qualified
// operation awaiting its base-table translation.
type IndexOpState uint8

const (
	IosNone IndexOpState = iota
	IosIndexAccess
	IosIndexAccessWaitForTcKeyConf
	IosIndexAccessWaitForTransIdAi
	IosIndexOperation
)

// init resets a connection record for reuse. Called right after Pool.Seize
// has zeroed the record; kept as a named method for readability and to
// reset fields a zero-value struct wouldn't fully express (NilIdx links).
func (c *ApiConnection) init(client ClientRef) {
	*c = ApiConnection{
		State:         Connected,
		Client:        client,
		FirstOp:       OpIdx(NilIdx),
		LastOp:        OpIdx(NilIdx),
		BuddyConn:     ConnIdx(NilIdx),
		ScanIdx:       ScanIdx(NilIdx),
		IndexAccessOp: OpIdx(NilIdx),
	}
}
