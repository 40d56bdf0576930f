package tc

// TriggerKind distinguishes the two index-maintenance shapes a fired
// trigger can take.
type TriggerKind uint8

const (
	TriggerInsertAfter  TriggerKind = iota // insert/update(after)
	TriggerDeleteBefore                    // delete/update(before)
)

// FiredTrigger is the hash-keyed accumulator for one firing operation's
// index-maintenance trigger, accumulating key/before/after attribute
// payload that streams in across multiple trig-attrinfo signals before the
// terminating fire-trig-ord. Keyed by (firingOp, node).
type FiredTrigger struct {
	FiringOp OpIdx
	Node     NodeId
	Kind     TriggerKind
	IndexId  uint32

	Key    SegmentedBuffer
	Before SegmentedBuffer
	After  SegmentedBuffer
}

type triggerKey struct {
	op   OpIdx
	node NodeId
}

// triggerTable is the fired-trigger hash, keyed by (firingOp, node).
// Inserted into during the trig-attrinfo storm, removed from during
// fire-trig-ord consumption.
type triggerTable struct {
	pool *Pool[FiredTrigger]
	idx  map[triggerKey]TriggerIdx
}

func newTriggerTable(capacity int) *triggerTable {
	return &triggerTable{
		pool: NewPool[FiredTrigger](capacity),
		idx:  make(map[triggerKey]TriggerIdx),
	}
}

// SeizeOrFind returns the FiredTrigger for (op,node), creating it on first
// use so multiple trig-attrinfo signals for the same firing accumulate into
// one record.
func (t *triggerTable) SeizeOrFind(op OpIdx, node NodeId) (TriggerIdx, bool) {
	k := triggerKey{op, node}
	if idx, ok := t.idx[k]; ok {
		return idx, true
	}
	idx, ok := t.pool.Seize()
	if !ok {
		return 0, false
	}
	ft := t.pool.Get(idx)
	ft.FiringOp = op
	ft.Node = node
	t.idx[k] = TriggerIdx(idx)
	return TriggerIdx(idx), true
}

func (t *triggerTable) Get(idx TriggerIdx) *FiredTrigger {
	return t.pool.Get(uint32(idx))
}

// Release consumes and frees a fired-trigger record on fire-trig-ord.
func (t *triggerTable) Release(op OpIdx, node NodeId) {
	k := triggerKey{op, node}
	if idx, ok := t.idx[k]; ok {
		delete(t.idx, k)
		t.pool.Release(uint32(idx))
	}
}
