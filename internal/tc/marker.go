package tc

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/minio/highwayhash"
)

// markerHashKey is a fixed 32-byte HighwayHash key, grounded on the
// teacher's go/flow/mapping.go PackedKeyHash_HH64 idiom: a constant key
// read once, used only to bucket internal hash tables.
var markerHashKey, _ = hex.DecodeString("ba737e89155238d47d8067c35aad4d25ecdd1c3488227e011ffa480c022bd3ba")

// bucketCount is the fixed bucket count of the marker hash.
const bucketCount = 4096

func transIdBucket(t TransId) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t))
	return uint32(highwayhash.Sum64(buf[:], markerHashKey) % bucketCount)
}

// CommitAckMarker remembers on which LQHs a durable commit marker was set,
// so a later tc-commit-ack can fan out remove-marker. It outlives the
// owning ApiConnection: the client's ack is its own responsibility, not
// tied to transaction release.
type CommitAckMarker struct {
	TransId  TransId
	ApiNode  NodeId
	LqhNodes [MaxReplicas]NodeId
	NumLqhs  int

	// ApiConnect is the back-pointer to the owning connection while it is
	// alive; set to NilIdx once the transaction releases, leaving the
	// marker to await the client's ack alone.
	ApiConnect ConnIdx

	inUse bool
	next  uint32
}

// markerTable is the commit-ack-marker hash, keyed by transid.
type markerTable struct {
	pool    *Pool[CommitAckMarker]
	buckets [][]MarkerIdx
}

func newMarkerTable(capacity int) *markerTable {
	return &markerTable{
		pool:    NewPool[CommitAckMarker](capacity),
		buckets: make([][]MarkerIdx, bucketCount),
	}
}

// Seize allocates a marker for transid and indexes it.
func (t *markerTable) Seize(transid TransId, apiNode NodeId, conn ConnIdx) (MarkerIdx, bool) {
	idx, ok := t.pool.Seize()
	if !ok {
		return 0, false
	}
	m := t.pool.Get(idx)
	m.TransId = transid
	m.ApiNode = apiNode
	m.ApiConnect = conn
	b := transIdBucket(transid)
	t.buckets[b] = append(t.buckets[b], MarkerIdx(idx))
	return MarkerIdx(idx), true
}

// Find looks up a marker by transid (used when the client's tc-commit-ack
// arrives after the transaction itself has already been released).
func (t *markerTable) Find(transid TransId) (MarkerIdx, bool) {
	b := transIdBucket(transid)
	for _, idx := range t.buckets[b] {
		if t.pool.Get(uint32(idx)).TransId == transid {
			return idx, true
		}
	}
	return 0, false
}

// Get returns the marker record at idx.
func (t *markerTable) Get(idx MarkerIdx) *CommitAckMarker {
	return t.pool.Get(uint32(idx))
}

// Release removes a marker from its bucket and returns it to the pool. A
// hash-miss (already removed) is treated as success, matching the
// idempotent tc-commit-ack replay property.
func (t *markerTable) Release(transid TransId) {
	b := transIdBucket(transid)
	bucket := t.buckets[b]
	for i, idx := range bucket {
		if t.pool.Get(uint32(idx)).TransId == transid {
			t.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			t.pool.Release(uint32(idx))
			return
		}
	}
}
