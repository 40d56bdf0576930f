package tc

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// failOpRecord is one operation of a fail-takeover transaction as reported
// by a single surviving LQH: the replica that sent it becomes the sole
// replica this TC will address going forward, since every other replica
// either already was this node or belonged to the dead TC's own node.
type failOpRecord struct {
	node    NodeId
	tableId uint32

	replicaNo     int
	lastReplicaNo int
	dirty         bool

	status TakeOverPhase
	gci    Gci
	hasGci bool
}

// failRecord is the per-transaction aggregation built while every surviving
// LQH streams the operations it holds for transactions whose TC died --
// this mirrors Dbtc.hpp's TcFailRecord. It is keyed purely by transid: this
// TC never had these transactions open before the peer failed.
type failRecord struct {
	apiRef ClientRef
	ops    []failOpRecord

	hasMarker    bool
	sawPrepared  bool
	sawCommitted bool
	sawAborted   bool
}

// aggregate folds one more reported op's status into the record's running
// promotion state: any aborted replica aborts the whole transaction; any
// prepared replica alongside a committed one means the commit fanout was
// interrupted mid-flight and must resume; otherwise it's whatever every
// replica so far agrees on.
func (r *failRecord) aggregate(status TakeOverPhase) {
	switch status {
	case PhasePrepared:
		r.sawPrepared = true
	case PhaseCommitted:
		r.sawCommitted = true
	case PhaseAborted:
		r.sawAborted = true
	}
}

// resolvedState applies the promotion rule to the record's accumulated
// replica statuses.
func (r *failRecord) resolvedState() ConnState {
	switch {
	case r.sawAborted:
		if r.sawCommitted {
			log.WithField("apiRef", r.apiRef).
				Error("fail-takeover: transaction has both a committed and an aborted replica")
		}
		return FailAborting
	case r.sawPrepared && r.sawCommitted:
		return FailCommitting
	case r.sawCommitted:
		return FailCommitted
	case r.sawPrepared:
		return FailPrepared
	default:
		return FailAborted
	}
}

// nodeTakeover is the in-progress rebuild of every transaction whose TC was
// one failed node. It has two phases: streaming, while every surviving LQH
// is asked for its transaction records and the per-transid failRecords are
// assembled; then driving, once every LQH has reported its last-trans-conf
// sentinel, where up to NoParallelTakeOver reconstructed connections are
// run through the ordinary commit/complete/abort engines concurrently.
type nodeTakeover struct {
	node NodeId

	streaming   bool
	pendingLQHs map[NodeId]bool
	records     map[TransId]*failRecord

	pendingTrans []TransId
	driving      map[ConnIdx]bool
}

// takeoverQueueState holds the node currently being taken over (nil if
// idle) plus the FIFO queue of further failed nodes.
type takeoverQueueState struct {
	queue  []NodeId
	active *nodeTakeover
}

// onNodeFailRep marks the node dead in the host table. If this TC is not
// the master, or take-over is disabled for this node, there is nothing
// further to do here -- the master TC owns the rebuild. Otherwise the
// rebuild starts immediately or is enqueued behind one already running.
func (c *Coordinator) onNodeFailRep(ctx context.Context, sig Signal) NextAction {
	failed := sig.NodeFail
	c.hosts.MarkDead(failed)
	log.WithField("node", failed).Warn("node-fail-rep received")

	if !c.membership.IsMaster() || !c.membership.TakeOverEnabled(failed) {
		return NextAction{}
	}
	if c.takeover.active != nil {
		c.takeover.queue = append(c.takeover.queue, failed)
		return NextAction{}
	}
	return NextAction{Emit: c.startNodeTakeover(ctx, failed)}
}

// startNodeTakeover opens the streaming phase: ask every surviving LQH for
// every op of every transaction whose TC was the failed node.
func (c *Coordinator) startNodeTakeover(ctx context.Context, failed NodeId) []Signal {
	survivors := c.hosts.AliveNodes(failed)
	t := &nodeTakeover{
		node:        failed,
		streaming:   true,
		pendingLQHs: make(map[NodeId]bool, len(survivors)),
		records:     make(map[TransId]*failRecord),
	}
	c.takeover.active = t
	log.WithFields(log.Fields{"node": failed, "survivors": len(survivors)}).
		Warn("fail-takeover: querying surviving LQHs")

	if len(survivors) == 0 {
		return c.finishNodeTakeover(ctx)
	}
	var emit []Signal
	for _, n := range survivors {
		t.pendingLQHs[n] = true
		emit = append(emit, Signal{Kind: SigLqhTransReq, To: n, NodeFail: failed})
	}
	return emit
}

// onLqhTransConf receives one reconstructed operation record from a
// surviving LQH's streaming reply and folds it into that transaction's
// failRecord, creating one on first sight of a never-before-seen transid.
func (c *Coordinator) onLqhTransConf(ctx context.Context, sig Signal) NextAction {
	t := c.takeover.active
	if t == nil || !t.streaming || sig.LqhTrans == nil {
		return NextAction{}
	}
	p := sig.LqhTrans

	rec, ok := t.records[p.TransId]
	if !ok {
		rec = &failRecord{apiRef: p.ApiRef}
		t.records[p.TransId] = rec
	}
	if p.MarkerOnly {
		rec.hasMarker = true
		return NextAction{}
	}
	rec.aggregate(p.Status)
	rec.ops = append(rec.ops, failOpRecord{
		node:          sig.From,
		tableId:       p.TableId,
		replicaNo:     p.ReplicaNo,
		lastReplicaNo: p.LastReplicaNo,
		dirty:         p.Dirty,
		status:        p.Status,
		gci:           p.Gci,
		hasGci:        p.HasGci,
	})
	return NextAction{}
}

// onLqhTransConfLast retires one surviving LQH's stream. Once every queried
// LQH has reported, the streaming phase ends and driving begins.
func (c *Coordinator) onLqhTransConfLast(ctx context.Context, sig Signal) NextAction {
	t := c.takeover.active
	if t == nil || !t.streaming {
		return NextAction{}
	}
	delete(t.pendingLQHs, sig.From)
	if len(t.pendingLQHs) > 0 {
		return NextAction{}
	}
	t.streaming = false
	for transId := range t.records {
		t.pendingTrans = append(t.pendingTrans, transId)
	}
	t.driving = make(map[ConnIdx]bool, c.cfg.NoParallelTakeOver)
	log.WithFields(log.Fields{"node": t.node, "transactions": len(t.pendingTrans)}).
		Warn("fail-takeover: every surviving LQH reported, driving reconstructed transactions")
	return NextAction{Emit: c.continueTakeoverWorkers(ctx)}
}

// continueTakeoverWorkers tops up the driving phase's worker set up to
// NoParallelTakeOver, spawning one reconstructed connection per pending
// transid. Finishes the node's take-over once nothing is pending or
// in flight.
func (c *Coordinator) continueTakeoverWorkers(ctx context.Context) []Signal {
	t := c.takeover.active
	if t == nil || t.streaming {
		return nil
	}
	var emit []Signal
	for len(t.driving) < c.cfg.NoParallelTakeOver && len(t.pendingTrans) > 0 {
		transId := t.pendingTrans[0]
		t.pendingTrans = t.pendingTrans[1:]
		emit = append(emit, c.spawnFailTransaction(ctx, transId, t.records[transId], t)...)
	}
	if len(t.driving) == 0 && len(t.pendingTrans) == 0 {
		emit = append(emit, c.finishNodeTakeover(ctx)...)
	}
	return emit
}

// spawnFailTransaction seizes a fresh connection and operation list for one
// reconstructed transaction and drives it to its terminal state through the
// ordinary commit/complete/abort engines, addressed at whichever surviving
// replica reported each op.
func (c *Coordinator) spawnFailTransaction(ctx context.Context, transId TransId, rec *failRecord, t *nodeTakeover) []Signal {
	connIdx, ok := c.conns.Seize()
	if !ok {
		log.WithField("transId", transId).Error("fail-takeover: no free connection to reconstruct transaction")
		return nil
	}
	conn := c.conns.Get(connIdx)
	conn.init(rec.apiRef)
	conn.TransId = transId
	conn.FailNodeId = t.node

	for _, r := range rec.ops {
		opIdx, ok := c.ops.Seize()
		if !ok {
			log.WithField("transId", transId).Error("fail-takeover: no free operation to reconstruct transaction")
			break
		}
		op := c.ops.Get(opIdx)
		op.init(ConnIdx(connIdx), OpUpdate, 0)
		op.TableId = r.tableId
		op.Dirty = r.dirty
		op.addReplica(r.node)
		if r.hasGci {
			conn.Gci = r.gci
			conn.HasGci = true
		}
		switch r.status {
		case PhaseCommitted:
			op.State = OpDone
		default:
			op.State = OpPrepared
		}
		c.appendOpToTxn(ConnIdx(connIdx), OpIdx(opIdx))
	}

	if rec.hasMarker {
		if markerIdx, ok := c.markers.Seize(transId, t.node, ConnIdx(connIdx)); ok {
			conn.MarkerIdx = markerIdx
			conn.HasMarker = true
		}
	}

	t.driving[ConnIdx(connIdx)] = true
	conn.State = rec.resolvedState()
	log.WithFields(log.Fields{"conn": connIdx, "transId": transId, "state": conn.State}).
		Warn("fail-takeover: driving reconstructed transaction")

	var action NextAction
	switch conn.State {
	case FailAborting, FailAborted, FailPrepared:
		action = c.beginAbort(ctx, ConnIdx(connIdx), tcerror.NodeFailBeforeCommit)
	case FailCommitting:
		conn.State = Committing
		action = c.continueCommitFanOut(ctx, ConnIdx(connIdx), conn.FirstOp, 0)
	case FailCommitted:
		conn.State = Completing
		action = c.continueCompleteFanOut(ctx, ConnIdx(connIdx), conn.FirstOp, 0)
	}

	var emit []Signal
	emit = append(emit, action.Emit...)
	if action.ContinueLater != nil {
		c.pending = append(c.pending, *action.ContinueLater)
	}
	return emit
}

// onTakeoverConnReleased is releaseConnection's hook back into the driving
// phase: if idx was one of the connections this take-over spawned, free its
// worker slot and top the set back up from the pending transid list.
func (c *Coordinator) onTakeoverConnReleased(idx ConnIdx) []Signal {
	t := c.takeover.active
	if t == nil || t.driving == nil || !t.driving[idx] {
		return nil
	}
	delete(t.driving, idx)
	return c.continueTakeoverWorkers(context.Background())
}

// finishNodeTakeover is reached once a node's take-over has streamed every
// surviving LQH and driven every reconstructed transaction to completion:
// pop the next queued failed node, if any, or go idle.
func (c *Coordinator) finishNodeTakeover(ctx context.Context) []Signal {
	c.takeover.active = nil
	c.metrics.Takeovers.Inc()
	if len(c.takeover.queue) == 0 {
		return nil
	}
	next := c.takeover.queue[0]
	c.takeover.queue = c.takeover.queue[1:]
	return c.startNodeTakeover(ctx, next)
}
