package tc

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// enterCommitPoint verifies the gci with DIH (the commit point itself)
// and links the transaction onto that gci's record, then begins the
// commit fan-out.
func (c *Coordinator) enterCommitPoint(ctx context.Context, idx ConnIdx) NextAction {
	conn := c.conns.Get(uint32(idx))

	gci, err := c.dih.Verify(ctx, conn.TransId)
	if err != nil {
		log.WithError(err).WithField("conn", idx).Warn("di-verify-req failed, aborting")
		return c.beginAbort(ctx, idx, 266)
	}
	conn.Gci = gci
	conn.HasGci = true
	c.gcis.link(gci, idx)

	conn.State = Committing
	c.metrics.Commits.Inc()

	return c.continueCommitFanOut(ctx, idx, conn.FirstOp, 0)
}

// continueCommitFanOut walks the op list sending packed `commit` to each
// op's primary, breaking every continuationCommitBatch ops into a
// self-posted continuation to avoid starving other work.
func (c *Coordinator) continueCommitFanOut(ctx context.Context, idx ConnIdx, cursor OpIdx, count int) NextAction {
	var emit []Signal
	conn := c.conns.Get(uint32(idx))
	cur := cursor
	for cur != OpIdx(NilIdx) && count < continuationCommitBatch {
		op := c.ops.Get(uint32(cur))
		if op.State == OpPrepared {
			op.State = OpCommitting
			target := op.primary()
			sig := Signal{Kind: SigCommit, To: target, Conn: idx, Op: cur, TransId: conn.TransId, Gci: conn.Gci}
			if flushed := c.hosts.Enqueue(target, sig); flushed != nil {
				emit = append(emit, flushed...)
			} else {
				emit = append(emit, sig)
			}
			conn.OutstandingCommitAcks++
		}
		count++
		cur = op.Next
	}

	if cur != OpIdx(NilIdx) {
		return NextAction{Emit: emit, ContinueLater: &Signal{
			Kind: SigContinueCommitFanOut, Continuation: true, Conn: idx, Op: cur, Cursor: uint32(count),
		}}
	}

	// All ops queued for commit: reply to the client now. Records are
	// cleared on seize not release, and this connection isn't released
	// until every completed reply is in, so no api-copy snapshot is
	// needed here.
	reply := Signal{Conn: idx, TransId: conn.TransId, Gci: conn.Gci}
	switch conn.Return {
	case ReturnCommitConf:
		reply.Kind = SigTcCommitConf
	default:
		reply.Kind = SigTcKeyConf
	}
	emit = append(emit, reply)

	if conn.OutstandingCommitAcks == 0 {
		// No op was awaiting commit (every op was a dirty/simple read
		// already released on its lqh-key-conf): skip straight to
		// complete fan-out.
		return appendAction(emit, c.continueCompleteFanOut(ctx, idx, conn.FirstOp, 0))
	}
	conn.State = CommitSent
	return NextAction{Emit: emit}
}

func appendAction(emit []Signal, a NextAction) NextAction {
	a.Emit = append(emit, a.Emit...)
	return a
}

func (c *Coordinator) onCommitFanOutContinue(ctx context.Context, sig Signal) NextAction {
	return c.continueCommitFanOut(ctx, sig.Conn, sig.Op, int(sig.Cursor))
}

// onCommitted is the `committed` reply: once every op has been committed,
// move to the complete fan-out.
func (c *Coordinator) onCommitted(ctx context.Context, sig Signal) NextAction {
	op := c.ops.Get(uint32(sig.Op))
	conn := c.conns.Get(uint32(op.Parent))
	if conn.TransId != sig.TransId {
		return NextAction{}
	}
	if op.State != OpCommitting {
		log.WithFields(log.Fields{"op": sig.Op, "state": op.State}).
			Warn("duplicate committed reply in unexpected state")
		return NextAction{}
	}
	op.State = OpDone
	conn.OutstandingCommitAcks--
	conn.WatchdogMisses = 0
	if conn.OutstandingCommitAcks == 0 && conn.State == CommitSent {
		conn.State = Completing
		return c.continueCompleteFanOut(ctx, op.Parent, conn.FirstOp, 0)
	}
	return NextAction{}
}

// continueCompleteFanOut mirrors continueCommitFanOut for the complete
// phase.
func (c *Coordinator) continueCompleteFanOut(ctx context.Context, idx ConnIdx, cursor OpIdx, count int) NextAction {
	var emit []Signal
	conn := c.conns.Get(uint32(idx))
	cur := cursor
	for cur != OpIdx(NilIdx) && count < continuationCommitBatch {
		op := c.ops.Get(uint32(cur))
		if op.State == OpDone || op.State == OpPrepared {
			op.State = OpCompleting
			target := op.primary()
			sig := Signal{Kind: SigComplete, To: target, Conn: idx, Op: cur, TransId: conn.TransId}
			if flushed := c.hosts.Enqueue(target, sig); flushed != nil {
				emit = append(emit, flushed...)
			} else {
				emit = append(emit, sig)
			}
			conn.OutstandingCompleteAcks++
		}
		count++
		cur = op.Next
	}

	if cur != OpIdx(NilIdx) {
		return NextAction{Emit: emit, ContinueLater: &Signal{
			Kind: SigContinueCompleteFanOut, Continuation: true, Conn: idx, Op: cur, Cursor: uint32(count),
		}}
	}

	if conn.OutstandingCompleteAcks == 0 {
		return appendAction(emit, c.releaseAfterCommit(ctx, idx))
	}
	conn.State = CompleteSent
	return NextAction{Emit: emit}
}

func (c *Coordinator) onCompleteFanOutContinue(ctx context.Context, sig Signal) NextAction {
	return c.continueCompleteFanOut(ctx, sig.Conn, sig.Op, int(sig.Cursor))
}

// onCompleted is the `completed` reply half of the complete phase.
func (c *Coordinator) onCompleted(ctx context.Context, sig Signal) NextAction {
	op := c.ops.Get(uint32(sig.Op))
	conn := c.conns.Get(uint32(op.Parent))
	if conn.TransId != sig.TransId {
		return NextAction{}
	}
	if op.State != OpCompleting {
		log.WithFields(log.Fields{"op": sig.Op, "state": op.State}).
			Warn("duplicate completed reply in unexpected state")
		return NextAction{}
	}
	op.State = OpDone
	conn.OutstandingCompleteAcks--
	conn.WatchdogMisses = 0
	if conn.OutstandingCompleteAcks == 0 && conn.State == CompleteSent {
		return c.releaseAfterCommit(ctx, op.Parent)
	}
	return NextAction{}
}

// releaseAfterCommit unlinks the transaction from its gci, reports
// gcp-tc-finished if the gci is now fully drained and DIH had already
// marked it final, then returns the connection to the pool.
func (c *Coordinator) releaseAfterCommit(ctx context.Context, idx ConnIdx) NextAction {
	conn := c.conns.Get(uint32(idx))
	var emit []Signal
	if conn.HasGci {
		if final := c.gcis.unlink(conn.Gci, idx); final {
			if err := c.dih.GcpTcFinished(ctx, conn.Gci); err != nil {
				log.WithError(err).WithField("gci", conn.Gci).Warn("gcp-tc-finished failed")
			}
		}
	}
	c.freeOpList(idx)
	conn.State = Connected
	emit = append(emit, c.releaseConnection(idx)...)
	return NextAction{Emit: emit}
}

func (c *Coordinator) freeOpList(idx ConnIdx) {
	conn := c.conns.Get(uint32(idx))
	cur := conn.FirstOp
	for cur != OpIdx(NilIdx) {
		op := c.ops.Get(uint32(cur))
		next := op.Next
		if op.HasMarker {
			// Marker survives independently of the op/connection; only the
			// op's own slot is released here.
		}
		c.ops.Release(uint32(cur))
		cur = next
	}
	conn.FirstOp, conn.LastOp, conn.NumOps = OpIdx(NilIdx), OpIdx(NilIdx), 0
}

// gcpNoMoreTrans handles DIH's gcp-nomoretrans signal: mark a gci final,
// releasing it immediately if it already has no outstanding connections.
func (c *Coordinator) gcpNoMoreTrans(ctx context.Context, gci Gci) NextAction {
	if final := c.gcis.setNoMoreTrans(gci); final {
		if err := c.dih.GcpTcFinished(ctx, gci); err != nil {
			log.WithError(err).WithField("gci", gci).Warn("gcp-tc-finished failed")
		}
	}
	return NextAction{}
}
