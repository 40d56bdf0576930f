package tc

import (
	"context"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// onIndexOpSignal handles tc-indx-req, which starts a unique-index-
// qualified operation, and indx-key-info/indx-attrinfo, its key/attrinfo
// continuations, routed the same way submit-op's own continuations are.
func (c *Coordinator) onIndexOpSignal(ctx context.Context, sig Signal) NextAction {
	if !c.validateTransId(sig.Conn, sig.TransId) {
		return NextAction{}
	}
	conn := c.conns.Get(uint32(sig.Conn))
	switch sig.Kind {
	case SigTcIndxReq:
		return c.beginIndexOp(ctx, sig)
	default: // SigIndxKeyInfo, SigIndxAttrInfo
		if conn.IndexOp != IosIndexAccess && conn.IndexOp != IosIndexAccessWaitForTcKeyConf {
			return NextAction{Emit: []Signal{{
				Kind: SigTcIndexRef, Conn: sig.Conn, TransId: conn.TransId,
				Err: tcerror.New(tcerror.StateError, uint64(conn.TransId), 0),
			}}}
		}
		return c.appendAndMaybeEmit(ctx, sig.Conn, conn.IndexAccessOp, sig)
	}
}

// beginIndexOp implements the index-access lookup: the op's declared key
// is first looked up against the unique index itself (a lookup read keyed
// on the index columns, yielding the base table's primary key), stashing
// the client's real request until that lookup resolves.
func (c *Coordinator) beginIndexOp(ctx context.Context, sig Signal) NextAction {
	conn := c.conns.Get(uint32(sig.Conn))
	if conn.IndexOp != IosNone {
		return NextAction{Emit: []Signal{{
			Kind: SigTcIndexRef, Conn: sig.Conn, TransId: conn.TransId,
			Err: tcerror.New(tcerror.StateError, uint64(conn.TransId), 0),
		}}}
	}
	entry, ok := c.catalog.LookupIndex(sig.OpReq.IndexId)
	if !ok {
		return NextAction{Emit: []Signal{{
			Kind: SigTcIndexRef, Conn: sig.Conn, TransId: conn.TransId,
			Err: tcerror.New(tcerror.NoSuchTable, uint64(conn.TransId), 0).WithData(int32(sig.OpReq.IndexId)),
		}}}
	}

	stashed := *sig.OpReq
	stashed.IsIndexOp = true
	conn.PendingIndexReq = &stashed
	conn.IndexOp = IosIndexAccess

	lookup := SubmitOpReq{
		Type: OpRead, TableId: entry.IndexId, SchemaVersion: sig.OpReq.SchemaVersion,
		Start: true, Commit: false, Execute: true, KeyLen: sig.OpReq.KeyLen, IsIndexOp: true,
	}
	lookupSig := sig
	lookupSig.OpReq = &lookup
	table := TableEntry{TableId: entry.IndexId, SchemaVersion: sig.OpReq.SchemaVersion, Enabled: true}

	action := c.beginOp(ctx, sig.Conn, lookupSig, table)
	conn.IndexAccessOp = conn.LastOp
	conn.IndexOp = IosIndexAccessWaitForTcKeyConf
	if op := c.ops.Get(uint32(conn.IndexAccessOp)); op != nil {
		op.InIndexOp = true
	}
	return action
}

// onTransIdAi intercepts the resolved index row: a transid-ai arriving
// while a connection is waiting on the index-access lookup carries the
// base table's primary key rather than client data, and is never
// forwarded to the client. Every other transid-ai is a plain pass-through
// to the client (TC never inspects row payload outside the
// index-translation path).
func (c *Coordinator) onTransIdAi(ctx context.Context, sig Signal) NextAction {
	conn := c.conns.Get(uint32(sig.Conn))
	if conn.IndexOp == IosIndexAccessWaitForTransIdAi && sig.Op == conn.IndexAccessOp {
		return c.translateIndexOp(ctx, sig)
	}
	return NextAction{Emit: []Signal{{Kind: SigTransIdAi, Conn: sig.Conn, TransId: sig.TransId, AttrWords: sig.AttrWords}}}
}

// translateIndexOp replaces the client's declared index key with the base
// table's resolved primary key and submits the real operation the client
// originally asked for.
func (c *Coordinator) translateIndexOp(ctx context.Context, sig Signal) NextAction {
	conn := c.conns.Get(uint32(sig.Conn))
	real := conn.PendingIndexReq
	conn.PendingIndexReq = nil
	c.releaseOp(sig.Conn, conn.IndexAccessOp)
	conn.IndexAccessOp = OpIdx(NilIdx)

	if real == nil {
		conn.IndexOp = IosNone
		return NextAction{Emit: []Signal{{
			Kind: SigTcIndexRef, Conn: sig.Conn, TransId: conn.TransId,
			Err: tcerror.New(tcerror.StateError, uint64(conn.TransId), 0),
		}}}
	}
	if len(sig.AttrWords) == 0 {
		// The unique index has no entry for this key: the translated
		// operation never happens; report not-found rather than
		// synthesizing an operation against a key the client never gave.
		conn.IndexOp = IosNone
		return NextAction{Emit: []Signal{{
			Kind: SigTcIndexRef, Conn: sig.Conn, TransId: conn.TransId,
			Err: tcerror.New(tcerror.NotFound, uint64(conn.TransId), 0),
		}}}
	}

	table, err := c.catalog.LookupTable(real.TableId, real.SchemaVersion)
	if err != nil {
		conn.IndexOp = IosNone
		return NextAction{Emit: []Signal{{
			Kind: SigTcIndexRef, Conn: sig.Conn, TransId: conn.TransId,
			Err: tcerror.New(mapCatalogError(err), uint64(conn.TransId), 0),
		}}}
	}

	conn.IndexOp = IosIndexOperation
	realSig := Signal{Kind: SigTcKeyReq, Conn: sig.Conn, TransId: conn.TransId, OpReq: real, KeyWords: sig.AttrWords}
	return c.beginOp(ctx, sig.Conn, realSig, table)
}

// onTrigAttrInfo accumulates trig-attrinfo: each signal appends one more
// segment of the firing operation's key, before-image, or after-image
// into the fired-trigger hash record for (firingOp, node).
func (c *Coordinator) onTrigAttrInfo(ctx context.Context, sig Signal) NextAction {
	t := sig.Trigger
	idx, ok := c.triggers.SeizeOrFind(sig.Op, sig.From)
	if !ok {
		tcerror.Fatal(0, "fired-trigger pool exhausted for op=%d node=%d", sig.Op, sig.From)
		return NextAction{}
	}
	ft := c.triggers.Get(idx)
	ft.Kind = t.Kind
	ft.IndexId = t.IndexId
	switch t.Kind {
	case TriggerInsertAfter:
		ft.After.Append(t.Words...)
	case TriggerDeleteBefore:
		ft.Before.Append(t.Words...)
	}
	ft.Key.Append(t.Words...)
	return NextAction{}
}

// onFireTrigOrd terminates the trig-attrinfo accumulation for (firingOp,
// node) and, unless the index key is NULL, spawns the index-maintenance
// operation as a child of the firing operation so its own error handling
// (onLqhKeyRef's trigger-escalation branch) applies uniformly.
func (c *Coordinator) onFireTrigOrd(ctx context.Context, sig Signal) NextAction {
	firingOp := c.ops.Get(uint32(sig.Op))
	firingOp.TriggerExecutionCount++

	idx, ok := c.triggers.SeizeOrFind(sig.Op, sig.From)
	if !ok {
		return NextAction{}
	}
	ft := c.triggers.Get(idx)
	defer c.triggers.Release(sig.Op, sig.From)

	if ft.Key.Len() == 0 {
		// NULL indexed column: no maintenance row to write.
		firingOp.TriggerExecutionCount--
		return NextAction{}
	}

	var opType OpType
	var attrWords []uint32
	switch ft.Kind {
	case TriggerInsertAfter:
		opType = OpInsert
		attrWords = ft.After.Words()
	case TriggerDeleteBefore:
		opType = OpDelete
	}

	action := c.spawnTriggerOp(ctx, firingOp.Parent, sig.Op, opType, ft.IndexId, ft.Key.Words(), attrWords)
	firingOp.TriggerExecutionCount--
	return action
}

// spawnTriggerOp creates the internal maintenance operation a fired
// trigger requires, bypassing beginOp's client-facing bookkeeping (there
// is no submit-op signal behind this op; it originates purely server-side)
// while still seizing a normal op + cache record and joining the same
// per-transaction op list and commit/abort fan-out as any other op.
func (c *Coordinator) spawnTriggerOp(ctx context.Context, connIdx ConnIdx, firingOp OpIdx, opType OpType, indexId uint32, keyWords, attrWords []uint32) NextAction {
	conn := c.conns.Get(uint32(connIdx))

	opIdx, ok := c.ops.Seize()
	if !ok {
		tcerror.Fatal(0, "tc op pool exhausted spawning trigger-maintenance op for firing op=%d", firingOp)
		return NextAction{}
	}
	cacheIdx, ok := c.caches.Seize()
	if !ok {
		c.ops.Release(opIdx)
		tcerror.Fatal(0, "tc op cache pool exhausted spawning trigger-maintenance op for firing op=%d", firingOp)
		return NextAction{}
	}

	op := c.ops.Get(opIdx)
	op.init(connIdx, opType, conn.CurrSavePointId)
	op.TriggeringOperation = firingOp
	op.TableId = indexId
	op.SchemaVersion = c.ops.Get(uint32(firingOp)).SchemaVersion

	cache := c.caches.Get(cacheIdx)
	cache.init()
	cache.TableId = indexId
	cache.SchemaVersion = op.SchemaVersion
	cache.KeyLen = len(keyWords)
	cache.AttrLen = len(attrWords)
	cache.Key.Append(keyWords...)
	cache.AttrInfo.Append(attrWords...)
	cache.CurrKeyLen = len(keyWords)
	cache.CurrReclenAi = len(attrWords)

	c.appendOpToTxn(connIdx, OpIdx(opIdx))

	if cache.Complete() {
		return c.emitLqhKeyReq(ctx, connIdx, OpIdx(opIdx), cacheIdx)
	}
	return NextAction{}
}
