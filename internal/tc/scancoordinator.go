package tc

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// onScanTabReq seizes a scan record over an already open connection, sizes
// its parallelism against the table's actual fragment count, and
// dispatches the first wave of per-fragment requests.
func (c *Coordinator) onScanTabReq(ctx context.Context, sig Signal) NextAction {
	// A scan on a connection with no transaction in progress takes the
	// request's transid, the way a submit-op with start=1 does.
	if uint32(sig.Conn) < uint32(c.conns.Capacity()) && c.conns.Get(uint32(sig.Conn)).State == Connected {
		c.conns.Get(uint32(sig.Conn)).TransId = sig.TransId
	}
	if !c.validateTransId(sig.Conn, sig.TransId) {
		return NextAction{}
	}
	req := sig.ScanReq
	conn := c.conns.Get(uint32(sig.Conn))

	table, err := c.catalog.LookupTable(req.TableId, req.SchemaVersion)
	if err != nil {
		return NextAction{Emit: []Signal{{
			Kind: SigScanTabRef, Conn: sig.Conn,
			Err: tcerror.New(mapCatalogError(err), uint64(conn.TransId), 0),
		}}}
	}

	total, err := c.dih.FragmentCount(ctx, table.TableId)
	if err != nil {
		return NextAction{Emit: []Signal{{
			Kind: SigScanTabRef, Conn: sig.Conn,
			Err: tcerror.New(tcerror.NoFragment, uint64(conn.TransId), 0),
		}}}
	}

	idx, ok := c.scans.scans.Seize()
	if !ok {
		return NextAction{Emit: []Signal{{
			Kind: SigScanTabRef, Conn: sig.Conn,
			Err: tcerror.New(tcerror.NoScanRecord, uint64(conn.TransId), 0),
		}}}
	}
	scan := c.scans.scans.Get(idx)
	scan.init(sig.Conn)
	scan.TableId = table.TableId
	scan.SchemaVersion = table.SchemaVersion
	scan.TotalFrags = total
	scan.Parallelism = req.Parallelism
	if scan.Parallelism <= 0 || uint32(scan.Parallelism) > total {
		scan.Parallelism = int(total)
	}
	scan.BatchRows = req.BatchRows
	scan.BatchBytes = req.BatchBytes
	scan.Flags = req.Flags
	scan.DistKeyHint = req.DistKeyHint
	scan.HasDistKeyHint = req.HasDistKeyHint
	scan.State = ScanRunning

	conn.ScanIdx = ScanIdx(idx)
	conn.HasScan = true
	c.metrics.ScanFragsInFlight.Add(float64(scan.Parallelism))

	emit := []Signal{{Kind: SigScanTabConf, Conn: sig.Conn, Scan: ScanIdx(idx), TransId: conn.TransId}}
	more, err2 := c.dispatchNextFragments(ctx, ScanIdx(idx), scan.Parallelism)
	if err2 != nil {
		return NextAction{Emit: append(emit, Signal{Kind: SigScanTabRef, Conn: sig.Conn, Err: err2})}
	}
	return NextAction{Emit: append(emit, more...)}
}

// dispatchNextFragments issues up to count new scan-frag-req signals,
// resolving each fragment's current primary via DIH inline, the way
// emitLqhKeyReq resolves an op's replica list.
func (c *Coordinator) dispatchNextFragments(ctx context.Context, scanIdx ScanIdx, count int) ([]Signal, *tcerror.Error) {
	scan := c.scans.scans.Get(uint32(scanIdx))
	var emit []Signal
	for i := 0; i < count && scan.NextFragId < scan.TotalFrags; i++ {
		fragId := scan.NextFragId
		scan.NextFragId++

		primary, err := c.dih.PrimaryOf(ctx, scan.TableId, fragId)
		if err != nil {
			return emit, tcerror.New(tcerror.ScanNodeError, 0, 0)
		}
		fidx, ok := c.scans.frags.Seize()
		if !ok {
			return emit, tcerror.New(tcerror.NoFragment, 0, 0)
		}
		frag := c.scans.frags.Get(fidx)
		*frag = FragmentScan{
			State:     FragWaitingForPrimary,
			FragId:    fragId,
			LqhNodeId: primary,
			Scan:      scanIdx,
			prev:      FragScanIdx(NilIdx),
			next:      FragScanIdx(NilIdx),
		}
		c.scans.pushBack(&scan.Running, FragScanIdx(fidx))

		emit = append(emit, Signal{
			Kind: SigScanFragReq, To: primary, Scan: scanIdx, Frag: FragScanIdx(fidx),
			ScanReq: &ScanTabReq{
				TableId: scan.TableId, SchemaVersion: scan.SchemaVersion,
				BatchRows: scan.BatchRows, BatchBytes: scan.BatchBytes, Flags: scan.Flags,
			},
		})
	}
	return emit, nil
}

// onScanFragConf handles a fragment's batch becoming ready. A complete
// fragment moves straight to Delivered; a partial one moves to
// QueuedDelivery awaiting the client's scan-next-req to continue it.
// Either way the client is notified a batch is available.
func (c *Coordinator) onScanFragConf(ctx context.Context, sig Signal) NextAction {
	frag := c.scans.frag(sig.Frag)
	scan := c.scans.scans.Get(uint32(frag.Scan))
	conn := c.conns.Get(uint32(scan.Parent))

	frag.State = FragDelivered
	if sig.ScanFragConf != nil {
		frag.OpCount = sig.ScanFragConf.OpCount
		frag.ByteCount = sig.ScanFragConf.ByteCount
		frag.FragmentComplete = sig.ScanFragConf.Completed
	}

	if frag.FragmentComplete {
		c.scans.move(&scan.Running, &scan.Delivered, sig.Frag)
	} else {
		c.scans.move(&scan.Running, &scan.QueuedDelivery, sig.Frag)
	}

	emit := []Signal{{
		Kind: SigScanFragConf, Conn: scan.Parent, TransId: conn.TransId, Scan: frag.Scan, Frag: sig.Frag,
		ScanFragConf: sig.ScanFragConf,
	}}

	if scan.CloseReq {
		return NextAction{Emit: emit}
	}

	if scan.Running.count == 0 && scan.NextFragId < scan.TotalFrags {
		more, err := c.dispatchNextFragments(ctx, frag.Scan, scan.Parallelism-scan.Running.count)
		if err != nil {
			return NextAction{Emit: append(emit, Signal{Kind: SigScanTabRef, Conn: scan.Parent, Err: err})}
		}
		emit = append(emit, more...)
	}

	if scan.NextFragId >= scan.TotalFrags && scan.Running.count == 0 &&
		scan.QueuedDelivery.count == 0 && scan.Delivered.count == int(scan.TotalFrags) {
		c.releaseScan(frag.Scan)
	}
	return NextAction{Emit: emit}
}

// onScanFragRef implements the fragment-error path: any single fragment
// error fails the whole scan (no partial results are delivered past the
// error), matching the all-or-nothing read consistency of a single scan.
func (c *Coordinator) onScanFragRef(ctx context.Context, sig Signal) NextAction {
	frag := c.scans.frag(sig.Frag)
	scan := c.scans.scans.Get(uint32(frag.Scan))
	conn := c.conns.Get(uint32(scan.Parent))

	scan.State = ScanClosing
	scan.CloseReq = true
	errOut := sig.Err
	if errOut == nil {
		errOut = tcerror.New(tcerror.ScanNodeError, uint64(conn.TransId), 0)
	}

	emit := []Signal{{Kind: SigScanTabRef, Conn: scan.Parent, TransId: conn.TransId, Err: errOut}}
	emit = append(emit, c.closeOutstandingFragments(scan)...)

	if scan.Running.count == 0 {
		c.releaseScan(frag.Scan)
	}
	return NextAction{Emit: emit}
}

// onScanNextReq implements the client's scan-next-req: either continue
// every queued-for-delivery fragment (send scan-frag-next-req to resume
// it) or, if the client is closing the scan early, stop every outstanding
// fragment instead.
func (c *Coordinator) onScanNextReq(ctx context.Context, sig Signal) NextAction {
	scan := c.scans.scans.Get(uint32(sig.Scan))
	conn := c.conns.Get(uint32(scan.Parent))
	if conn.TransId != sig.TransId {
		return NextAction{}
	}

	if sig.ScanClose {
		scan.CloseReq = true
		scan.State = ScanClosing
		emit := c.closeOutstandingFragments(scan)
		if scan.Running.count == 0 {
			c.releaseScan(sig.Scan)
		}
		return NextAction{Emit: emit}
	}

	var emit []Signal
	var resumed []FragScanIdx
	c.scans.each(&scan.QueuedDelivery, func(fi FragScanIdx) { resumed = append(resumed, fi) })
	for _, fi := range resumed {
		frag := c.scans.frag(fi)
		frag.State = FragLqhActive
		c.scans.move(&scan.QueuedDelivery, &scan.Running, fi)
		emit = append(emit, Signal{Kind: SigScanFragNextReq, To: frag.LqhNodeId, Scan: sig.Scan, Frag: fi})
	}

	if scan.Running.count < scan.Parallelism && scan.NextFragId < scan.TotalFrags {
		more, err := c.dispatchNextFragments(ctx, sig.Scan, scan.Parallelism-scan.Running.count)
		if err != nil {
			return NextAction{Emit: append(emit, Signal{Kind: SigScanTabRef, Conn: scan.Parent, Err: err})}
		}
		emit = append(emit, more...)
	}

	if scan.NextFragId >= scan.TotalFrags && scan.Running.count == 0 &&
		scan.QueuedDelivery.count == 0 && scan.Delivered.count == int(scan.TotalFrags) {
		c.releaseScan(sig.Scan)
	}
	return NextAction{Emit: emit}
}

// closeOutstandingFragments sends scan-frag-next-req with a stop request to
// every fragment still running. It does not move any fragment between
// lists; each stays on Running until its reply arrives.
func (c *Coordinator) closeOutstandingFragments(scan *ScanRecord) []Signal {
	var emit []Signal
	var running []FragScanIdx
	c.scans.each(&scan.Running, func(fi FragScanIdx) { running = append(running, fi) })
	for _, fi := range running {
		frag := c.scans.frag(fi)
		emit = append(emit, Signal{Kind: SigScanFragNextReq, To: frag.LqhNodeId, Scan: 0, Frag: fi, ScanClose: true})
	}
	return emit
}

// releaseScan returns a finished scan's records to their pools: every
// fragment first, then the scan record itself, clearing the owning
// connection's back-reference.
func (c *Coordinator) releaseScan(scanIdx ScanIdx) {
	scan := c.scans.scans.Get(uint32(scanIdx))
	for _, list := range []*fragList{&scan.Running, &scan.QueuedDelivery, &scan.Delivered} {
		var members []FragScanIdx
		c.scans.each(list, func(fi FragScanIdx) { members = append(members, fi) })
		for _, fi := range members {
			c.scans.remove(list, fi)
			c.scans.frags.Release(uint32(fi))
		}
	}
	conn := c.conns.Get(uint32(scan.Parent))
	conn.HasScan = false
	conn.ScanIdx = ScanIdx(NilIdx)
	c.metrics.ScanFragsInFlight.Sub(float64(scan.Parallelism))
	c.scans.scans.Release(uint32(scanIdx))
	log.WithField("scan", scanIdx).Debug("scan released")
}
