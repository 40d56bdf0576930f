package tc

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow-tc/internal/tc/tcerror"
)

// tickDuration is the logical granularity of the watchdog timer: each
// TimerTicks unit is one tick of this length.
const tickDuration = 10 * time.Millisecond

// Continuation budgets: how many items one run of a long walk visits
// before it self-posts a continuation signal.
const (
	continuationAbortBatch    = 1024 // ops per abort fan-out run
	continuationCommitBatch   = 16   // ops per commit/complete fan-out run
	continuationWatchdogBatch = 1024 // connection slots per watchdog run
)

// AbortReason names why a transaction entered ABORTING, independent of the
// tcerror.Code eventually reported to the client.
type AbortReason uint8

const (
	AbortReasonUnknown AbortReason = iota
	AbortReasonClientRequested
	AbortReasonLqhRef
	AbortReasonNodeFailure
	AbortReasonVerifyFailed
	AbortReasonDeadlockTimeout
	AbortReasonApiFailure
)

func (r AbortReason) String() string {
	switch r {
	case AbortReasonClientRequested:
		return "client-requested"
	case AbortReasonLqhRef:
		return "lqh-ref"
	case AbortReasonNodeFailure:
		return "node-failure"
	case AbortReasonVerifyFailed:
		return "verify-failed"
	case AbortReasonDeadlockTimeout:
		return "deadlock-timeout"
	case AbortReasonApiFailure:
		return "api-failure"
	default:
		return "unknown"
	}
}

// reasonForCode classifies a client-visible error code into the broader
// internal AbortReason bucket used for logging and metrics.
func reasonForCode(code tcerror.Code) AbortReason {
	switch code {
	case tcerror.RollbackNotAllowed:
		return AbortReasonClientRequested
	case tcerror.NodeFailBeforeCommit:
		return AbortReasonNodeFailure
	case tcerror.TimeOut:
		return AbortReasonVerifyFailed
	default:
		return AbortReasonUnknown
	}
}

// beginAbort is the abort driver's entry point: mark the connection
// ABORTING, remember the client-visible code it will eventually reply
// with, and start (or continue) the op-list walk sending `abort` to every
// operation that has reached LQH.
func (c *Coordinator) beginAbort(ctx context.Context, idx ConnIdx, code tcerror.Code) NextAction {
	conn := c.conns.Get(uint32(idx))
	if conn.State == Aborting && conn.Abort == AbortActive {
		// Already aborting; a second trigger (e.g. both an lqh-ref and a
		// node-failure touching the same transaction) is a no-op.
		return NextAction{}
	}
	conn.State = Aborting
	conn.Abort = AbortActive
	c.metrics.Aborts.Inc()
	log.WithFields(log.Fields{
		"conn":   idx,
		"reason": reasonForCode(code),
		"code":   code,
	}).Debug("beginning abort")

	return c.continueAbortFanOut(ctx, idx, conn.FirstOp, 0, code)
}

// beginAbortWithClientError is beginAbort for the dispatch-time error path
// where the error to reply with is already a fully-formed *tcerror.Error
// (carrying transid/line/data), not just a bare code.
func (c *Coordinator) beginAbortWithClientError(ctx context.Context, idx ConnIdx, err *tcerror.Error) NextAction {
	conn := c.conns.Get(uint32(idx))
	conn.lastAbortErr = err
	return c.beginAbort(ctx, idx, err.Code)
}

// continueAbortFanOut walks the op list sending `abort` to each operating
// op's primary replica, breaking every continuationAbortBatch ops
// into a self-posted SigContinueAbort.
func (c *Coordinator) continueAbortFanOut(ctx context.Context, idx ConnIdx, cursor OpIdx, count int, code tcerror.Code) NextAction {
	var emit []Signal
	conn := c.conns.Get(uint32(idx))
	cur := cursor
	outstanding := 0
	for cur != OpIdx(NilIdx) && count < continuationAbortBatch {
		op := c.ops.Get(uint32(cur))
		switch op.State {
		case OpOperating, OpPrepared:
			if op.State == OpPrepared {
				// An OPERATING op's lqh-key-req is still counted in
				// OutstandingPrepareAcks; its aborted reply settles that count.
				outstanding++
			}
			op.State = OpAborting
			target := op.primary()
			sig := Signal{Kind: SigAbort, To: target, Conn: idx, Op: cur, TransId: conn.TransId}
			if flushed := c.hosts.Enqueue(target, sig); flushed != nil {
				emit = append(emit, flushed...)
			} else {
				emit = append(emit, sig)
			}
		case OpWaitingForData:
			// Never reached LQH; mark it done, nothing to acknowledge. Its
			// slot is freed with the rest of the op list in finishAbort.
			op.State = OpDone
		}
		count++
		cur = op.Next
	}
	conn.OutstandingPrepareAcks += outstanding

	if cur != OpIdx(NilIdx) {
		return NextAction{Emit: emit, ContinueLater: &Signal{
			Kind: SigContinueAbort, Continuation: true, Conn: idx, Op: cur, Cursor: uint32(count),
			Err: tcerror.New(code, uint64(conn.TransId), 0),
		}}
	}

	if conn.OutstandingPrepareAcks == 0 {
		return appendAction(emit, c.finishAbort(ctx, idx, code))
	}
	return NextAction{Emit: emit}
}

func (c *Coordinator) onAbortContinue(ctx context.Context, sig Signal) NextAction {
	code := tcerror.AbortError
	if sig.Err != nil {
		code = sig.Err.Code
	}
	return c.continueAbortFanOut(ctx, sig.Conn, sig.Op, int(sig.Cursor), code)
}

// onAborted is the `aborted` reply from LQH acknowledging one op's abort.
func (c *Coordinator) onAborted(ctx context.Context, sig Signal) NextAction {
	op := c.ops.Get(uint32(sig.Op))
	conn := c.conns.Get(uint32(op.Parent))
	if conn.TransId != sig.TransId {
		return NextAction{}
	}
	if op.State != OpAborting {
		log.WithFields(log.Fields{"op": sig.Op, "state": op.State}).
			Warn("duplicate aborted reply in unexpected state")
		return NextAction{}
	}
	op.State = OpDone
	conn.OutstandingPrepareAcks--
	conn.WatchdogMisses = 0
	if conn.OutstandingPrepareAcks == 0 && conn.State == Aborting {
		code := tcerror.AbortError
		if conn.lastAbortErr != nil {
			code = conn.lastAbortErr.Code
		}
		return c.finishAbort(ctx, op.Parent, code)
	}
	return NextAction{}
}

// finishAbort is the terminal step: remove any commit-ack marker seized for
// this transaction (an aborted transaction never reaches commit, so the
// marker must not linger for a later commit-ack that will never arrive),
// reply to the client, and release the connection.
func (c *Coordinator) finishAbort(ctx context.Context, idx ConnIdx, code tcerror.Code) NextAction {
	conn := c.conns.Get(uint32(idx))
	if conn.HasMarker {
		c.markers.Release(conn.TransId)
	}

	var emit []Signal
	errOut := conn.lastAbortErr
	if errOut == nil {
		errOut = tcerror.New(code, uint64(conn.TransId), 0)
	}
	switch conn.Return {
	case ReturnRollbackConf:
		emit = append(emit, Signal{Kind: SigTcRollbackConf, Conn: idx, TransId: conn.TransId})
	default:
		emit = append(emit, Signal{Kind: SigTcKeyRef, Conn: idx, TransId: conn.TransId, Err: errOut})
	}

	c.freeOpList(idx)
	conn.lastAbortErr = nil
	conn.Abort = AbortIdle
	conn.State = Connected
	emit = append(emit, c.releaseConnection(idx)...)
	return NextAction{Emit: emit}
}

// onTimeSignal is the 10ms logical tick: scan the whole connection pool in
// WatchdogBatchSize-sized batches, continuing via SigContinueWatchdog
// (drained within the same Dispatch), looking for transactions stalled
// past their deadline. Every time signal starts a full sweep;
// WatchdogDelayTicks is not consulted.
func (c *Coordinator) onTimeSignal(ctx context.Context, sig Signal) NextAction {
	return c.continueWatchdog(ctx, 0, 0)
}

func (c *Coordinator) onWatchdogContinue(ctx context.Context, sig Signal) NextAction {
	return c.continueWatchdog(ctx, sig.Cursor, 0)
}

// consecutiveMissLimit is how many deadlock-timeout checks a stuck
// commit/complete/abort fan-out may fail to clear by resend alone before
// the watchdog gives up on the replica and reports it dead. complete-phase
// acks are given far more slack: a slow complete never blocks a client
// reply (that already went out at commit), so there is no latency reason
// to be aggressive about declaring the node dead.
func consecutiveMissLimit(state ConnState) int {
	switch state {
	case CompleteSent:
		return 100
	default:
		return 3
	}
}

// continueWatchdog implements the per-state dispatch: a connection idle
// past TransactionInactiveTimeout is aborted outright; one stuck in a
// commit/complete/abort fan-out past a jittered
// TransactionDeadlockDetectionTimeout is resent to the same replica, and
// once that replica has missed consecutiveMissLimit checks in a row it is
// reported dead and the connection's node-failure rebuild is driven the
// same way a peer-TC take-over would drive it.
func (c *Coordinator) continueWatchdog(ctx context.Context, cursor uint32, count int) NextAction {
	var emit []Signal
	now := c.clock.NowTicks()
	total := uint32(c.conns.Capacity())
	idx := cursor
	scanned := 0
	batch := c.cfg.WatchdogBatchSize
	if batch <= 0 {
		batch = continuationWatchdogBatch
	}
	for idx < total && scanned < batch {
		conn := c.conns.Get(idx)
		switch conn.State {
		case Disconnected, Connected:
			// No active transaction; nothing to watch.
		case Receiving, Started:
			if c.ticksElapsed(conn.TimerTicks, now) > durationTicks(c.cfg.TransactionInactiveTimeout) {
				c.metrics.WatchdogActions.WithLabelValues("inactive-timeout").Inc()
				action := c.beginAbort(ctx, ConnIdx(idx), tcerror.TimeOut)
				emit = append(emit, action.Emit...)
				if action.ContinueLater != nil {
					c.pending = append(c.pending, *action.ContinueLater)
				}
			}
		case RecCommitting, StartCommitting, PrepareToCommit, Committing, CommitSent, Completing, CompleteSent, Aborting:
			if c.ticksElapsed(conn.TimerTicks, now) > c.jitteredDeadlockTicks(idx) {
				emit = append(emit, c.watchdogStuckFanOut(ctx, ConnIdx(idx), conn)...)
			}
		}
		idx++
		scanned++
	}

	if idx < total {
		return NextAction{Emit: emit, ContinueLater: &Signal{
			Kind: SigContinueWatchdog, Continuation: true, Cursor: idx,
		}}
	}
	return NextAction{Emit: emit}
}

// watchdogStuckFanOut is reached once per deadlock-timeout-exceeded check
// on a connection stalled mid commit/complete/abort. Up to the miss limit
// it resends the outstanding request to the same replica (idempotent on
// every side of this protocol); past the limit it reports the replica dead
// and immediately drives this connection's own node-failure rebuild,
// rather than waiting for the separate node-fail-rep this TC would
// otherwise only receive once membership notices independently.
func (c *Coordinator) watchdogStuckFanOut(ctx context.Context, idx ConnIdx, conn *ApiConnection) []Signal {
	c.metrics.WatchdogActions.WithLabelValues("deadlock-timeout").Inc()
	conn.WatchdogMisses++
	limit := consecutiveMissLimit(conn.State)
	if conn.WatchdogMisses <= limit {
		log.WithFields(log.Fields{"conn": idx, "state": conn.State, "misses": conn.WatchdogMisses}).
			Warn("watchdog: resending to stalled replica")
		return c.resendFanOut(conn, idx)
	}

	log.WithFields(log.Fields{"conn": idx, "state": conn.State, "misses": conn.WatchdogMisses}).
		Warn("watchdog: replica missed too many checks, reporting dead")
	conn.WatchdogMisses = 0
	var emit []Signal
	for _, n := range c.outstandingTargets(conn) {
		if err := c.membership.ReportDead(ctx, n); err != nil {
			log.WithError(err).WithField("node", n).Warn("report-dead failed")
		}
		action := c.onNodeFailRep(ctx, Signal{Kind: SigNodeFailRep, NodeFail: n})
		emit = append(emit, action.Emit...)
		if action.ContinueLater != nil {
			c.pending = append(c.pending, *action.ContinueLater)
		}
	}
	return emit
}

// resendFanOut re-emits the outstanding request for every op still waiting
// on a reply in this connection's current phase, to the same replica it
// was already sent to.
func (c *Coordinator) resendFanOut(conn *ApiConnection, idx ConnIdx) []Signal {
	var want OpState
	var kind SignalKind
	switch conn.State {
	case CommitSent, Committing, RecCommitting, StartCommitting, PrepareToCommit:
		want, kind = OpCommitting, SigCommit
	case CompleteSent, Completing:
		want, kind = OpCompleting, SigComplete
	case Aborting:
		want, kind = OpAborting, SigAbort
	default:
		return nil
	}

	var emit []Signal
	cur := conn.FirstOp
	for cur != OpIdx(NilIdx) {
		op := c.ops.Get(uint32(cur))
		if op.State == want {
			target := op.primary()
			sig := Signal{Kind: kind, To: target, Conn: idx, Op: cur, TransId: conn.TransId, Gci: conn.Gci}
			if flushed := c.hosts.Enqueue(target, sig); flushed != nil {
				emit = append(emit, flushed...)
			} else {
				emit = append(emit, sig)
			}
		}
		cur = op.Next
	}
	return emit
}

// outstandingTargets returns the distinct nodes this connection is still
// waiting on a reply from, in its current phase.
func (c *Coordinator) outstandingTargets(conn *ApiConnection) []NodeId {
	var want OpState
	switch conn.State {
	case CommitSent, Committing, RecCommitting, StartCommitting, PrepareToCommit:
		want = OpCommitting
	case CompleteSent, Completing:
		want = OpCompleting
	case Aborting:
		want = OpAborting
	default:
		return nil
	}

	var seen NodeSet
	var out []NodeId
	cur := conn.FirstOp
	for cur != OpIdx(NilIdx) {
		op := c.ops.Get(uint32(cur))
		if op.State == want && !seen.Has(op.primary()) {
			seen.Add(op.primary())
			out = append(out, op.primary())
		}
		cur = op.Next
	}
	return out
}

// jitteredDeadlockTicks spreads a batch of simultaneously-stalled
// connections' resends across a window instead of retrying them all on the
// exact same tick, picking a wider modulus as the connection pool grows so
// the spread scales with how many connections can be in flight at once.
func (c *Coordinator) jitteredDeadlockTicks(connIdx uint32) uint64 {
	base := durationTicks(c.cfg.TransactionDeadlockDetectionTimeout)
	mod := uint64(7)
	switch {
	case c.conns.Capacity() >= 4096:
		mod = 63
	case c.conns.Capacity() >= 256:
		mod = 31
	}
	jitter := uint64(connIdx) % mod
	if connIdx%2 == 0 || jitter >= base {
		return base + jitter
	}
	return base - jitter
}

func (c *Coordinator) ticksElapsed(since, now uint64) uint64 {
	if now < since {
		return 0
	}
	return now - since
}

func durationTicks(d time.Duration) uint64 {
	return uint64(d / tickDuration)
}
