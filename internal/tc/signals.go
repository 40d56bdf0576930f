package tc

import "github.com/estuary/flow-tc/internal/tc/tcerror"

// SignalKind enumerates the typed signals the coordinator exchanges with
// clients, LQH, DIH and itself. The core is a pure function of (state,
// signal) -> (state, []OutboundSignal); every handler below is named
// on<Kind>.
type SignalKind uint8

const (
	// Client -> TC
	SigTcSeizeReq SignalKind = iota
	SigTcReleaseReq
	SigTcKeyReq
	SigKeyInfo
	SigAttrInfo
	SigTcCommitReq
	SigTcRollbackReq
	SigTcHbRep
	SigScanTabReq
	SigScanNextReq
	SigTcCommitAck
	SigTcIndxReq
	SigIndxKeyInfo
	SigIndxAttrInfo
	SigApiFailReq

	// TC -> Client
	SigTcSeizeConf
	SigTcSeizeRef
	SigTcKeyConf
	SigTcKeyRef
	SigTcCommitConf
	SigTcCommitRef
	SigTcRollbackConf
	SigTcRollbackRef
	SigTcRollbackRep
	SigTcIndexConf
	SigTcIndexRef
	SigScanTabConf
	SigScanTabRef
	SigTransIdAi
	SigApiFailConf

	// TC <-> LQH
	SigLqhKeyReq
	SigLqhKeyConf
	SigLqhKeyRef
	SigCommit
	SigCommitted
	SigComplete
	SigCompleted
	SigAbort
	SigAborted
	SigScanFragReq
	SigScanFragConf
	SigScanFragRef
	SigScanFragNextReq
	SigTrigAttrInfo
	SigFireTrigOrd
	SigLqhTransReq
	SigLqhTransConf
	// SigLqhTransConfLast is the sentinel one surviving LQH sends after the
	// last SigLqhTransConf of its lqh-trans-req stream.
	SigLqhTransConfLast
	SigRemoveMarker

	// TC <-> DIH
	SigDiVerifyReq
	SigDiVerifyConf
	SigDiFcountReq
	SigDiFcountConf
	SigDiGetPrimReq
	SigDiGetPrimConf
	SigGcpNoMoreTrans
	SigGcpTcFinished

	// Cluster
	SigNodeFailRep
	SigTimeSignal

	// Self-posted continuations: these never arrive from a peer, only
	// via Coordinator.pending, and always carry Continuation=true.
	SigContinueAbort
	SigContinueCommitFanOut
	SigContinueCompleteFanOut
	SigContinueWatchdog
)

// Signal is the envelope every inbound/outbound message is carried in. The
// payload union is modeled as a set of optional fields rather than an
// interface{}, so a handler's signature stays a plain struct switch --
// idiomatic for a fixed, closed signal set, and it keeps zero-allocation
// reuse of one Signal value across a self-posted continuation loop.
type Signal struct {
	Kind SignalKind

	From NodeId
	To   NodeId

	TransId TransId
	Conn    ConnIdx
	Op      OpIdx
	Scan    ScanIdx
	Frag    FragScanIdx

	Client ClientRef

	// AuthToken optionally carries a bearer token on SigTcSeizeReq,
	// validated when the coordinator was configured with a signing key.
	AuthToken string

	OpReq     *SubmitOpReq
	KeyWords  []uint32
	AttrWords []uint32

	Err *tcerror.Error

	Gci Gci

	ScanReq      *ScanTabReq
	ScanClose    bool
	ScanFragConf *ScanFragConfPayload

	Trigger *TrigPayload

	NodeFail NodeId

	// LqhTrans carries one reconstructed operation record on
	// SigLqhTransConf, streamed back by a surviving LQH in response to a
	// fail-takeover lqh-trans-req. Unused on SigLqhTransConfLast, which
	// carries no payload -- it is purely the end-of-stream sentinel.
	LqhTrans *LqhTransConfPayload

	// Continuation marks a self-posted "continue" signal used to break a
	// long walk across a scheduling point: abort, commit fan-out, and
	// the watchdog all repost themselves via this flag plus Cursor.
	Continuation bool
	Cursor       uint32
}

// SubmitOpReq carries submit-op's fields.
type SubmitOpReq struct {
	Type           OpType
	TableId        uint32
	SchemaVersion  uint32
	Start          bool
	Commit         bool
	Execute        bool
	Simple         bool
	Dirty          bool
	Interpreted    bool
	AbortOnError   bool
	DistKeyHint    uint32
	HasDistKeyHint bool
	KeyLen         int
	AttrLen        int
	IndexId        uint32
	IsIndexOp      bool
}

// ScanTabReq carries scan-tab-req's fields.
type ScanTabReq struct {
	TableId        uint32
	SchemaVersion  uint32
	Parallelism    int
	BatchRows      uint32
	BatchBytes     uint32
	KeyLen         int
	AttrLen        int
	Flags          ScanFlags
	DistKeyHint    uint32
	HasDistKeyHint bool
}

// ScanFragConfPayload carries scan-frag-conf's fields.
type ScanFragConfPayload struct {
	Completed bool
	OpCount   uint32
	ByteCount uint32
}

// TrigPayload carries trig-attrinfo / fire-trig-ord fields.
type TrigPayload struct {
	Kind     TriggerKind
	IndexId  uint32
	Words    []uint32
	Terminal bool // true on fire-trig-ord
}

// LqhTransConfPayload carries one operation record streamed back by a
// surviving LQH during fail-takeover: one message per operation of every
// transaction whose TC was the node named in the triggering lqh-trans-req.
// TransId/ApiRef identify the transaction (possibly never before seen by
// this TC); the rest mirrors what Dbtc.hpp's TcFailRecord aggregates per
// replica.
type LqhTransConfPayload struct {
	TransId TransId
	ApiRef  ClientRef

	// MarkerOnly is true for a commit-ack-marker-only row: the replica
	// holds no live operation for this transaction, only the marker placed
	// at prepare time, and no TcOperation should be reconstructed for it.
	MarkerOnly bool

	TableId       uint32
	ReplicaNo     int
	LastReplicaNo int
	Dirty         bool
	Status        TakeOverPhase
	Gci           Gci
	HasGci        bool
}

// NextAction is what a handler returns instead of performing side effects
// itself. Coordinator.Dispatch is responsible for actually sending
// Emit signals and re-enqueuing ContinueLater ones.
type NextAction struct {
	Emit          []Signal
	ContinueLater *Signal
	Released      bool
}
