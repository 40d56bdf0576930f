// Package tc implements a transaction coordinator core: the per-connection
// and per-operation state machines, the two-phase commit driver, the
// abort/timeout watchdog, node-failure take-over, the parallel scan
// coordinator, and the secondary-index/trigger driver. It consumes a
// message-passing interface from external collaborators (LQH, DIH, DICT,
// cluster membership, transport) rather than implementing them.
package tc

// NodeId identifies a cluster node (an LQH host, a DIH host, or this TC's
// own node).
type NodeId uint32

// TransId is the 64-bit client-visible transaction identifier.
type TransId uint64

// ConnIdx is a stable slot index into the ApiConnection pool. It is the
// identity of a transaction for as long as that transaction lives.
type ConnIdx uint32

// OpIdx is a stable slot index into the TcOperation pool.
type OpIdx uint32

// ScanIdx is a stable slot index into the ScanRecord pool.
type ScanIdx uint32

// FragScanIdx is a stable slot index into the FragmentScan pool.
type FragScanIdx uint32

// MarkerIdx is a stable slot index into the CommitAckMarker pool.
type MarkerIdx uint32

// TriggerIdx is a stable slot index into the FiredTrigger pool.
type TriggerIdx uint32

// GciIdx is a stable slot index into the GlobalCheckpoint pool.
type GciIdx uint32

// NilIdx marks "no slot" (the source's RNIL), valid for any of the above
// index types since they all share representation uint32.
const NilIdx = ^uint32(0)

// Gci is the 64-bit global checkpoint id assigned by DIH at the commit point.
type Gci uint64

// SavePointId is the per-transaction monotonic counter stamped on each op
// so LQH can serialize intra-transaction visibility.
type SavePointId uint32

// OpType is the client-requested operation kind.
type OpType uint8

const (
	OpRead OpType = iota
	OpReadExclusive
	OpInsert
	OpUpdate
	OpDelete
	OpWrite
)

// MaxReplicas bounds the replica list of one operation (primary + up to
// three backups), matching the source's fixed-size node array.
const MaxReplicas = 4
