package tc

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// onSubmitOp implements submit-op. It is invoked for tc-key-req (a new
// operation starts) and for its key-info/attrinfo continuation signals as
// more of the key or attrinfo streams arrive. The transaction's state
// transitions are driven from here since they depend on the op's
// start/commit/execute flags.
func (c *Coordinator) onSubmitOp(ctx context.Context, sig Signal) NextAction {
	conn := c.conns.Get(uint32(sig.Conn))

	if sig.OpReq != nil && sig.OpReq.Start {
		if conn.State != Connected {
			return c.replyTcKeyRef(sig, tcerror.StateError, conn.TransId)
		}
		conn.State = Started
		conn.TransId = sig.TransId
		conn.FirstOp, conn.LastOp, conn.NumOps = OpIdx(NilIdx), OpIdx(NilIdx), 0
		conn.HasMarker = false
		conn.TransactionNodes.Clear()
	}

	if !c.validateTransId(sig.Conn, sig.TransId) {
		return NextAction{}
	}
	if conn.State != Started && conn.State != Receiving && conn.State != RecCommitting {
		return c.replyTcKeyRef(sig, tcerror.StateError, conn.TransId)
	}
	conn.TimerTicks = c.clock.NowTicks()

	if sig.OpReq != nil {
		table, err := c.catalog.LookupTable(sig.OpReq.TableId, sig.OpReq.SchemaVersion)
		if err != nil {
			return c.replyTcKeyRef(sig, mapCatalogError(err), conn.TransId)
		}
		return c.beginOp(ctx, sig.Conn, sig, table)
	}

	// A key-info/attrinfo continuation: append to the existing op's cache
	// and check whether it is now complete.
	return c.appendAndMaybeEmit(ctx, sig.Conn, sig.Op, sig)
}

func mapCatalogError(err error) tcerror.Code {
	switch err {
	case errUnknownTable:
		return tcerror.UnknownTable
	case errDropInProgress:
		return tcerror.DropTableInProgress
	case errWrongSchemaVersion:
		return tcerror.WrongSchemaVersion
	default:
		return tcerror.NoSuchTable
	}
}

func (c *Coordinator) replyTcKeyRef(sig Signal, code tcerror.Code, transid TransId) NextAction {
	c.metrics.ClientErrors.WithLabelValues(codeLabel(code)).Inc()
	return NextAction{Emit: []Signal{{
		Kind: SigTcKeyRef, To: sig.From, Conn: sig.Conn,
		Err: tcerror.New(code, uint64(transid), 0),
	}}}
}

func codeLabel(c tcerror.Code) string {
	return strconv.Itoa(int(c))
}

// beginOp seizes an op + cache record and attaches it to the transaction's
// op list.
func (c *Coordinator) beginOp(ctx context.Context, connIdx ConnIdx, sig Signal, table TableEntry) NextAction {
	conn := c.conns.Get(uint32(connIdx))

	opIdx, ok := c.ops.Seize()
	if !ok {
		return c.replyTcKeyRef(sig, tcerror.NoFreeTCConnection, conn.TransId)
	}
	cacheIdx, ok := c.caches.Seize()
	if !ok {
		c.ops.Release(opIdx)
		return c.replyTcKeyRef(sig, tcerror.NoAttrBuffer, conn.TransId)
	}

	if sig.OpReq.Execute {
		conn.CurrSavePointId++
	}

	op := c.ops.Get(opIdx)
	op.init(connIdx, sig.OpReq.Type, conn.CurrSavePointId)
	op.AbortOnError = sig.OpReq.AbortOnError
	op.Simple = sig.OpReq.Simple
	op.Dirty = sig.OpReq.Dirty
	op.TableId = table.TableId
	op.SchemaVersion = table.SchemaVersion
	op.InIndexOp = sig.OpReq.IsIndexOp

	cache := c.caches.Get(cacheIdx)
	cache.init()
	cache.TableId = table.TableId
	cache.SchemaVersion = table.SchemaVersion
	cache.KeyLen = sig.OpReq.KeyLen
	cache.AttrLen = sig.OpReq.AttrLen
	if sig.OpReq.HasDistKeyHint {
		cache.HasDistHashHint = true
		cache.DistHashHint = sig.OpReq.DistKeyHint
	}
	cache.Key.Append(sig.KeyWords...)
	cache.AttrInfo.Append(sig.AttrWords...)
	cache.CurrKeyLen = len(sig.KeyWords)
	cache.CurrReclenAi = len(sig.AttrWords)

	c.appendOpToTxn(connIdx, OpIdx(opIdx))

	if sig.OpReq.Commit {
		switch conn.State {
		case Started, Receiving:
			conn.State = RecCommitting
		}
	} else if conn.State == Started {
		conn.State = Receiving
	}

	if cache.Complete() {
		return c.emitLqhKeyReq(ctx, connIdx, OpIdx(opIdx), cacheIdx)
	}
	return NextAction{}
}

func (c *Coordinator) appendOpToTxn(connIdx ConnIdx, opIdx OpIdx) {
	conn := c.conns.Get(uint32(connIdx))
	op := c.ops.Get(uint32(opIdx))
	op.Next = OpIdx(NilIdx)
	if conn.FirstOp == OpIdx(NilIdx) {
		conn.FirstOp = opIdx
	} else {
		c.ops.Get(uint32(conn.LastOp)).Next = opIdx
	}
	conn.LastOp = opIdx
	conn.NumOps++
}

// appendAndMaybeEmit appends a key-info/attrinfo continuation's words to
// the cache still tracked for op, emitting the lqh-key-req once the op
// becomes complete. The cache record's slot index equals the op's slot
// index by construction (both seized together in beginOp).
func (c *Coordinator) appendAndMaybeEmit(ctx context.Context, connIdx ConnIdx, opIdx OpIdx, sig Signal) NextAction {
	cache := c.caches.Get(uint32(opIdx))
	cache.Key.Append(sig.KeyWords...)
	cache.AttrInfo.Append(sig.AttrWords...)
	cache.CurrKeyLen += len(sig.KeyWords)
	cache.CurrReclenAi += len(sig.AttrWords)
	if cache.Complete() {
		return c.emitLqhKeyReq(ctx, connIdx, opIdx, uint32(opIdx))
	}
	return NextAction{}
}

// emitLqhKeyReq computes the routing hash, asks DIH for the fragment id
// and replica list, then sends lqh-key-req to the primary along with the
// full key/attrinfo word streams.
func (c *Coordinator) emitLqhKeyReq(ctx context.Context, connIdx ConnIdx, opIdx OpIdx, cacheIdx uint32) NextAction {
	conn := c.conns.Get(uint32(connIdx))
	op := c.ops.Get(uint32(opIdx))
	cache := c.caches.Get(cacheIdx)

	hash := hashKeyWords(cache.Key.Words())
	var distHash uint64
	if cache.HasDistHashHint {
		distHash = uint64(cache.DistHashHint)
	} else {
		distHash = hash
	}

	fragId, nodes, err := c.dih.GetNodes(ctx, cache.TableId, hash, uint32(distHash), cache.HasDistHashHint)
	if err != nil {
		c.caches.Release(cacheIdx)
		return c.abortOpWithClientError(connIdx, opIdx, tcerror.NoFragment)
	}
	op.FragId = fragId
	for _, n := range nodes.Nodes {
		op.addReplica(n)
		conn.TransactionNodes.Add(n)
	}

	target := op.primary()
	if op.Dirty {
		// Dirty reads prefer the own node when it holds any replica, to
		// avoid a network hop.
		for _, n := range nodes.Nodes {
			if n == c.cfg.OwnNode {
				target = n
				break
			}
		}
	}

	if !op.Dirty && !op.Simple && op.needsMarker() {
		c.seizeMarkerForOp(connIdx, conn, op, nodes)
	}

	op.State = OpOperating
	op.LastLqhNodeId = target
	conn.OutstandingPrepareAcks++
	if conn.State == RecCommitting && opIdx == conn.LastOp {
		// The commit=1 op is the last op; with it emitted, every key and
		// attrinfo word of the transaction has arrived.
		conn.State = StartCommitting
	}

	keyWords := cache.Key.Words()
	attrWords := cache.AttrInfo.Words()
	c.caches.Release(cacheIdx)

	return NextAction{Emit: []Signal{{
		Kind: SigLqhKeyReq, To: target, Conn: connIdx, Op: opIdx, TransId: conn.TransId,
		KeyWords: keyWords, AttrWords: attrWords,
	}}}
}

// needsMarker reports whether this operation is the kind that durably
// writes and so requires a commit-ack marker, seized lazily on the first
// write op of a transaction.
func (o *TcOperation) needsMarker() bool {
	switch o.Type {
	case OpInsert, OpUpdate, OpDelete, OpWrite:
		return true
	default:
		return false
	}
}

func (c *Coordinator) seizeMarkerForOp(connIdx ConnIdx, conn *ApiConnection, op *TcOperation, nodes NodeList) {
	if conn.HasMarker {
		op.MarkerIdx = conn.MarkerIdx
		op.HasMarker = true
		return
	}
	idx, ok := c.markers.Seize(conn.TransId, NodeId(conn.Client.BlockRef), connIdx)
	if !ok {
		return
	}
	conn.HasMarker = true
	conn.MarkerIdx = idx
	op.HasMarker = true
	op.MarkerIdx = idx
	markerRec := c.markers.Get(idx)
	markerRec.NumLqhs = 0
	for _, n := range nodes.Nodes {
		markerRec.LqhNodes[markerRec.NumLqhs] = n
		markerRec.NumLqhs++
	}
}

// hashKeyWords computes the routing hash: plain md5 of the key words,
// exactly as the client sent them. No per-attribute transform of char or
// distribution-key columns is applied, for any table.
func hashKeyWords(words []uint32) uint64 {
	h := md5.New()
	var buf [4]byte
	for _, w := range words {
		binary.BigEndian.PutUint32(buf[:], w)
		h.Write(buf[:])
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// onLqhKeyConf is the per-op LQH commit-ready acknowledgement.
func (c *Coordinator) onLqhKeyConf(ctx context.Context, sig Signal) NextAction {
	op := c.ops.Get(uint32(sig.Op))
	conn := c.conns.Get(uint32(op.Parent))
	if conn.TransId != sig.TransId {
		log.WithFields(log.Fields{"op": sig.Op, "got": sig.TransId, "want": conn.TransId}).
			Warn("lqh-key-conf with mismatched transid dropped")
		return NextAction{}
	}
	if op.State != OpOperating {
		log.WithFields(log.Fields{"op": sig.Op, "state": op.State}).
			Warn("duplicate lqh-key-conf in unexpected state")
		return NextAction{}
	}
	op.LastLqhNodeId = sig.From
	op.LqhKeyConfRec++
	op.State = OpPrepared
	conn.OutstandingPrepareAcks--

	// An index-access lookup op completing just means its resolved
	// primary key will arrive next as transid-ai; it is not itself a
	// client-visible operation and must not fall through to the normal
	// commit/reply bookkeeping below.
	if op.InIndexOp && conn.IndexOp == IosIndexAccessWaitForTcKeyConf && sig.Op == conn.IndexAccessOp {
		conn.IndexOp = IosIndexAccessWaitForTransIdAi
		return NextAction{}
	}
	// The real, translated base-table op of an index-qualified request
	// replies tc-index-conf instead of joining the normal commit/complete
	// fan-out, since index ops are always auto-committed single-statement
	// operations.
	if op.InIndexOp && conn.IndexOp == IosIndexOperation && sig.Op != conn.IndexAccessOp {
		conn.IndexOp = IosNone
		c.releaseOp(op.Parent, sig.Op)
		return NextAction{Emit: []Signal{{Kind: SigTcIndexConf, Conn: op.Parent, TransId: conn.TransId}}}
	}

	if op.Dirty || op.Simple {
		c.releaseOp(op.Parent, sig.Op)
	}

	if conn.State == RecCommitting {
		return c.maybeEnterStartCommitting(ctx, op.Parent)
	}
	if conn.State == StartCommitting && conn.OutstandingPrepareAcks == 0 {
		return c.enterCommitPoint(ctx, op.Parent)
	}
	return NextAction{}
}

// onLqhKeyRef implements the three-way per-op error decision: silently
// succeed, escalate to transaction abort, or reply tc-key-ref and keep
// the transaction alive.
func (c *Coordinator) onLqhKeyRef(ctx context.Context, sig Signal) NextAction {
	op := c.ops.Get(uint32(sig.Op))
	conn := c.conns.Get(uint32(op.Parent))
	if conn.TransId != sig.TransId {
		return NextAction{}
	}

	// (a) child of a trigger, not-found on delete while the index is still
	// building: silently succeed.
	if op.TriggeringOperation != OpIdx(NilIdx) && sig.Err != nil &&
		sig.Err.Code == tcerror.NotFound && op.Type == OpDelete && c.indexBuilding(op) {
		conn.OutstandingPrepareAcks--
		c.releaseOp(op.Parent, sig.Op)
		return NextAction{}
	}

	// (b) abort-on-error or trigger-spawned: escalate to abort.
	if op.AbortOnError || op.TriggeringOperation != OpIdx(NilIdx) {
		return c.beginAbortWithClientError(ctx, op.Parent, sig.Err)
	}

	// (c) otherwise reply tc-key-ref and keep the transaction alive, but
	// only for the permitted per-op-ref codes and only when this op never
	// set a marker.
	if !op.HasMarker && isPermittedOpRefCode(op.Type, sig.Err.Code) {
		conn.OutstandingPrepareAcks--
		c.releaseOp(op.Parent, sig.Op)
		c.metrics.ClientErrors.WithLabelValues(codeLabel(sig.Err.Code)).Inc()
		return NextAction{Emit: []Signal{{Kind: SigTcKeyRef, To: sig.From, Conn: op.Parent, Err: sig.Err}}}
	}

	return c.beginAbortWithClientError(ctx, op.Parent, sig.Err)
}

func (c *Coordinator) indexBuilding(op *TcOperation) bool {
	// A trigger-spawned op's TableId is set to the index table id, so the
	// catalog's index entry (if any) tells us whether the index is still
	// being built. Callers without a matching entry default to "not
	// building" so a genuinely-missing row still surfaces as an error.
	entry, ok := c.catalog.LookupIndex(op.TableId)
	if !ok {
		return false
	}
	return entry.State == IndexBuilding
}

func isPermittedOpRefCode(t OpType, code tcerror.Code) bool {
	switch code {
	case tcerror.NotFound:
		return t == OpDelete || t == OpUpdate
	case tcerror.AlreadyExists:
		return t == OpInsert
	case 839, 840:
		return true
	default:
		return false
	}
}

// releaseOp retires an op that has already replied to the client ahead of
// the transaction's own commit/complete/abort fan-out (a dirty/simple read,
// a translated index-access lookup, or a permitted per-op tc-key-ref). The
// op's pool slot is not released here: it stays linked on the connection's
// op list, marked OpSkipped so the commit/complete walks pass over it, and
// is released exactly once by freeOpList when the connection itself goes
// away. Releasing the slot immediately would race a later Seize reusing it
// for an unrelated operation while this op is still reachable from the
// connection's op list.
func (c *Coordinator) releaseOp(connIdx ConnIdx, opIdx OpIdx) {
	c.ops.Get(uint32(opIdx)).State = OpSkipped
}

func (c *Coordinator) abortOpWithClientError(connIdx ConnIdx, opIdx OpIdx, code tcerror.Code) NextAction {
	conn := c.conns.Get(uint32(connIdx))
	err := tcerror.New(code, uint64(conn.TransId), 0)
	return c.beginAbortWithClientError(context.Background(), connIdx, err)
}
