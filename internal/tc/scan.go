package tc

// ScanState is the per-scan lifecycle.
type ScanState uint8

const (
	ScanIdle ScanState = iota
	ScanWaitingForFragCount
	ScanRunning
	ScanClosing
)

// FragScanState is the per-fragment lifecycle.
type FragScanState uint8

const (
	FragIdle FragScanState = iota
	FragWaitingForPrimary
	FragLqhActive
	FragDelivered
	FragQueuedForDelivery
	FragCompleted
)

// ScanFlags mirrors scan-tab-req's flag set.
type ScanFlags struct {
	HoldLock      bool
	KeyInfo       bool
	ReadCommitted bool
	Range         bool
	Descending    bool
	TupScan       bool
	NoDisk        bool
}

// FragmentScan is the per-fragment sub-scan record.
type FragmentScan struct {
	State FragScanState

	FragId    uint32
	LqhNodeId NodeId

	// ConnectGeneration is stamped at seize time so a late reply that
	// crosses a node restart can be detected and discarded.
	ConnectGeneration uint64

	OpCount   uint32
	ByteCount uint32

	FragmentComplete bool

	// APIOpaque is the client-side opaque pointer echoed back with this
	// fragment's rows so the client can correlate batches.
	APIOpaque uint64

	Scan ScanIdx

	// prev/next are the intrusive doubly-linked-list membership for
	// whichever of ScanRecord's three lists currently owns this record.
	prev, next FragScanIdx
}

// fragList is one of ScanRecord's three intrusive lists (running,
// queued-for-delivery, delivered), implemented over the shared
// FragmentScan pool so moving a record between lists is an O(1) unlink +
// relink rather than a slice copy.
type fragList struct {
	head, tail FragScanIdx
	count      int
}

// ScanRecord is the per-scan record, coordinating parallel fragment scans
// with back-pressure across its three fragment lists.
type ScanRecord struct {
	State ScanState

	Parent ConnIdx

	TableId       uint32
	SchemaVersion uint32
	Parallelism   int

	BatchRows  uint32
	BatchBytes uint32

	Running        fragList
	QueuedDelivery fragList
	Delivered      fragList

	NextFragId uint32
	TotalFrags uint32
	CloseReq   bool

	Flags ScanFlags

	DistKeyHint    uint32
	HasDistKeyHint bool
}

func (s *ScanRecord) init(parent ConnIdx) {
	*s = ScanRecord{
		State:  ScanIdle,
		Parent: parent,
	}
	empty := fragList{head: FragScanIdx(NilIdx), tail: FragScanIdx(NilIdx)}
	s.Running, s.QueuedDelivery, s.Delivered = empty, empty, empty
}

// scanPools bundles the scan and fragment-scan pools plus the list-link
// storage, since fragList membership is stored out-of-band in the
// FragmentScan pool rather than inline with each ScanRecord.
type scanPools struct {
	scans *Pool[ScanRecord]
	frags *Pool[FragmentScan]
}

func newScanPools(scanCapacity, fragCapacity int) *scanPools {
	return &scanPools{
		scans: NewPool[ScanRecord](scanCapacity),
		frags: NewPool[FragmentScan](fragCapacity),
	}
}

func (p *scanPools) frag(idx FragScanIdx) *FragmentScan { return p.frags.Get(uint32(idx)) }

// pushBack appends idx to the tail of list, clearing any stale link state.
func (p *scanPools) pushBack(list *fragList, idx FragScanIdx) {
	f := p.frag(idx)
	f.prev, f.next = FragScanIdx(NilIdx), FragScanIdx(NilIdx)
	if list.tail == FragScanIdx(NilIdx) {
		list.head = idx
	} else {
		p.frag(list.tail).next = idx
		f.prev = list.tail
	}
	list.tail = idx
	list.count++
}

// remove unlinks idx from list; idx must currently be a member.
func (p *scanPools) remove(list *fragList, idx FragScanIdx) {
	f := p.frag(idx)
	if f.prev != FragScanIdx(NilIdx) {
		p.frag(f.prev).next = f.next
	} else {
		list.head = f.next
	}
	if f.next != FragScanIdx(NilIdx) {
		p.frag(f.next).prev = f.prev
	} else {
		list.tail = f.prev
	}
	f.prev, f.next = FragScanIdx(NilIdx), FragScanIdx(NilIdx)
	list.count--
}

// move transfers idx from src to dst in one step (e.g. Running ->
// QueuedDelivery on a partial batch).
func (p *scanPools) move(src, dst *fragList, idx FragScanIdx) {
	p.remove(src, idx)
	p.pushBack(dst, idx)
}

// each iterates list front-to-back, safe against the callback moving the
// current element to a different list (it snapshots next before calling).
func (p *scanPools) each(list *fragList, fn func(FragScanIdx)) {
	cur := list.head
	for cur != FragScanIdx(NilIdx) {
		next := p.frag(cur).next
		fn(cur)
		cur = next
	}
}
