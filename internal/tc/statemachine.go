package tc

import (
	"context"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// onTcSeizeReq implements open-connection: seize a free connection,
// record the client reference, reply with the connection index.
func (c *Coordinator) onTcSeizeReq(ctx context.Context, sig Signal) NextAction {
	if err := c.checkClusterStateForSeize(sig.From); err != nil {
		return NextAction{Emit: []Signal{{Kind: SigTcSeizeRef, To: sig.From, Err: err}}}
	}
	if !validateSeizeToken(c.authKey, sig.AuthToken) {
		return NextAction{Emit: []Signal{{
			Kind: SigTcSeizeRef, To: sig.From,
			Err: tcerror.New(tcerror.InvalidConnection, 0, 0),
		}}}
	}
	idx, ok := c.conns.Seize()
	if !ok {
		return NextAction{Emit: []Signal{{
			Kind: SigTcSeizeRef, To: sig.From,
			Err: tcerror.New(tcerror.NoFreeAPIConnection, 0, 0),
		}}}
	}
	conn := c.conns.Get(idx)
	conn.init(sig.Client)
	c.metrics.OpenConnections.Inc()
	return NextAction{Emit: []Signal{{Kind: SigTcSeizeConf, To: sig.From, Conn: ConnIdx(idx)}}}
}

func (c *Coordinator) checkClusterStateForSeize(from NodeId) *tcerror.Error {
	switch {
	case !c.clusterState.SystemStarted:
		return tcerror.New(tcerror.SingleUserMode, 0, 0)
	case c.clusterState.ClusterShuttingDown:
		return tcerror.New(tcerror.ClusterShutdown, 0, 0)
	case c.clusterState.NodeShuttingDown:
		return tcerror.New(tcerror.NodeShutdown, 0, 0)
	case c.clusterState.SingleUserMode && from != c.clusterState.SingleUserAPINode:
		return tcerror.New(tcerror.SingleUserMode, 0, 0)
	}
	return nil
}

// onTcReleaseReq implements release-connection: allowed only from
// {CONNECTED, ABORTING's idle sub-state, a just-started-and-empty
// transaction}; otherwise fails with invalid-connection.
func (c *Coordinator) onTcReleaseReq(ctx context.Context, sig Signal) NextAction {
	conn := c.conns.Get(uint32(sig.Conn))
	switch conn.State {
	case Connected:
		c.releaseConnection(sig.Conn)
		return NextAction{}
	case Aborting:
		if conn.Abort == AbortIdle {
			c.releaseConnection(sig.Conn)
			return NextAction{}
		}
	case Started:
		if conn.NumOps == 0 {
			c.releaseConnection(sig.Conn)
			return NextAction{}
		}
	}
	return NextAction{Emit: []Signal{{
		Kind: SigTcSeizeRef, To: sig.From, Conn: sig.Conn,
		Err: tcerror.New(tcerror.InvalidConnection, uint64(conn.TransId), 0),
	}}}
}

// releaseConnection returns idx to the free pool. Its return value is
// normally empty; it is only non-empty when idx was a fail-takeover
// reconstruction, in which case releasing it frees a worker slot and may
// immediately emit the signals that start the next queued transaction.
func (c *Coordinator) releaseConnection(idx ConnIdx) []Signal {
	conn := c.conns.Get(uint32(idx))
	if conn.HasMarker {
		// The marker survives release; only clear the back-pointer.
		m := c.markers.Get(conn.MarkerIdx)
		m.ApiConnect = ConnIdx(NilIdx)
	}
	c.conns.Release(uint32(idx))
	c.metrics.OpenConnections.Dec()
	return c.onTakeoverConnReleased(idx)
}

// onCommitRequest implements the explicit client commit-request: valid
// from RECEIVING/STARTED, transitioning toward START_COMMITTING the same
// way a submit-op with commit=1 does once every op has been emitted.
func (c *Coordinator) onCommitRequest(ctx context.Context, sig Signal) NextAction {
	if !c.validateTransId(sig.Conn, sig.TransId) {
		return NextAction{}
	}
	conn := c.conns.Get(uint32(sig.Conn))
	switch conn.State {
	case Receiving, Started:
		conn.State = RecCommitting
		return c.maybeEnterStartCommitting(ctx, sig.Conn)
	case Committing, CommitSent, Completing, CompleteSent:
		return NextAction{Emit: []Signal{{
			Kind: SigTcCommitRef, To: sig.From, Conn: sig.Conn,
			Err: tcerror.New(tcerror.CommitInProgress, uint64(conn.TransId), 0),
		}}}
	default:
		return NextAction{Emit: []Signal{{
			Kind: SigTcCommitRef, To: sig.From, Conn: sig.Conn,
			Err: tcerror.New(tcerror.CommitTypeError, uint64(conn.TransId), 0),
		}}}
	}
}

// maybeEnterStartCommitting collapses REC_COMMITTING to START_COMMITTING
// once every op's key/attrinfo has fully arrived, and fires the commit
// point immediately if there were zero outstanding prepare-acks.
func (c *Coordinator) maybeEnterStartCommitting(ctx context.Context, idx ConnIdx) NextAction {
	conn := c.conns.Get(uint32(idx))
	if conn.State != RecCommitting {
		return NextAction{}
	}
	conn.State = StartCommitting
	if conn.OutstandingPrepareAcks == 0 {
		return c.enterCommitPoint(ctx, idx)
	}
	return NextAction{}
}

// onRollbackRequest implements explicit client rollback: valid from
// RECEIVING/STARTED, moving to ABORTING and driving the abort path.
func (c *Coordinator) onRollbackRequest(ctx context.Context, sig Signal) NextAction {
	if !c.validateTransId(sig.Conn, sig.TransId) {
		return NextAction{}
	}
	conn := c.conns.Get(uint32(sig.Conn))
	switch conn.State {
	case Receiving, Started:
		conn.Return = ReturnRollbackConf
		return c.beginAbort(ctx, sig.Conn, tcerror.RollbackNotAllowed)
	default:
		return NextAction{Emit: []Signal{{
			Kind: SigTcRollbackRef, To: sig.From, Conn: sig.Conn,
			Err: tcerror.New(tcerror.RollbackNotAllowed, uint64(conn.TransId), 0),
		}}}
	}
}

// onHeartbeat implements the heartbeat operation: refresh the connection's
// inactivity timer.
func (c *Coordinator) onHeartbeat(ctx context.Context, sig Signal) NextAction {
	if !c.validateTransId(sig.Conn, sig.TransId) {
		return NextAction{}
	}
	conn := c.conns.Get(uint32(sig.Conn))
	conn.TimerTicks = c.clock.NowTicks()
	return NextAction{}
}

// onCommitAck implements tc-commit-ack: the client acknowledges
// tc-commit-conf, triggering fan-out of remove-marker signals to every LQH
// the marker recorded. A hash-miss (the marker was already removed, e.g.
// by a prior ack) is treated as success.
func (c *Coordinator) onCommitAck(ctx context.Context, sig Signal) NextAction {
	idx, ok := c.markers.Find(sig.TransId)
	if !ok {
		return NextAction{}
	}
	m := c.markers.Get(idx)
	var emit []Signal
	for i := 0; i < m.NumLqhs; i++ {
		emit = append(emit, Signal{Kind: SigRemoveMarker, To: m.LqhNodes[i], TransId: sig.TransId})
	}
	c.markers.Release(sig.TransId)
	return NextAction{Emit: emit}
}

// onApiFailReq implements client-disconnect handling for the one
// connection the signal names: it sets FailFlag, releases the connection
// if it is CONNECTED and aborts it if it is STARTED or RECEIVING. Other
// connections of the failed API are not looked up, and a connection in
// any other state carries on; nothing else in the coordinator reads
// FailFlag.
func (c *Coordinator) onApiFailReq(ctx context.Context, sig Signal) NextAction {
	conn := c.conns.Get(uint32(sig.Conn))
	conn.FailFlag = true
	switch conn.State {
	case Connected:
		c.releaseConnection(sig.Conn)
	case Started, Receiving:
		return c.beginAbort(ctx, sig.Conn, tcerror.NodeFailBeforeCommit)
	}
	return NextAction{Emit: []Signal{{Kind: SigApiFailConf, To: sig.From}}}
}
