package tc

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Coordinator is the single-threaded event-driven state machine: it owns
// every pool and hash table, and processes one inbound Signal to
// completion before looking at the next, emitting outbound signals and
// self-posted continuations along the way.
type Coordinator struct {
	cfg Config

	conns  *Pool[ApiConnection]
	ops    *Pool[TcOperation]
	caches *Pool[OpCache]

	gcis     *gciTable
	markers  *markerTable
	triggers *triggerTable
	scans    *scanPools
	catalog  *Catalog
	hosts    *HostTable
	metrics  *Metrics

	dih        DIH
	lqh        LQH
	membership Membership
	transport  Transport
	clock      Clock

	// authKey is the HS256 signing key open-connection validates bearer
	// tokens against; nil disables the check.
	authKey []byte

	// pending holds self-posted continuation signals queued while handling
	// the current signal; Dispatch drains them after each inbound
	// signal so a long walk never recurses, only re-enters via the queue.
	pending []Signal

	// takeover holds the FIFO queue of further failed nodes plus the
	// in-progress rebuild state for the node currently being taken over.
	takeover takeoverQueueState

	clusterState clusterState
}

// clusterState is the small set of cluster-lifecycle bits open-connection
// consults: system-not-started / cluster-shutdown / node-shutdown /
// single-user-mode.
type clusterState struct {
	SystemStarted       bool
	ClusterShuttingDown bool
	NodeShuttingDown    bool
	SingleUserMode      bool
	SingleUserAPINode   NodeId
}

// NewCoordinator builds a Coordinator with pools sized per cfg.
func NewCoordinator(cfg Config, dih DIH, lqh LQH, membership Membership, transport Transport, clock Clock, hosts *HostTable, metrics *Metrics) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		conns:      NewPool[ApiConnection](cfg.ApiConnectionPoolSize),
		ops:        NewPool[TcOperation](cfg.TcOpPoolSize),
		caches:     NewPool[OpCache](cfg.TcOpPoolSize),
		gcis:       newGciTable(),
		markers:    newMarkerTable(cfg.MarkerPoolSize),
		triggers:   newTriggerTable(cfg.TriggerPoolSize),
		scans:      newScanPools(cfg.ScanPoolSize, cfg.FragScanPoolSize),
		catalog:    NewCatalog(cfg.CatalogCacheSize),
		hosts:      hosts,
		metrics:    metrics,
		dih:        dih,
		lqh:        lqh,
		membership: membership,
		transport:  transport,
		clock:      clock,
		authKey:    []byte(cfg.AuthSigningKey),
		clusterState: clusterState{
			SystemStarted: true,
		},
	}
}

// Dispatch processes one inbound signal to completion: dispatch by type,
// load transaction and operation records by id, validate the transaction
// id, advance state, emit zero or more outbound signals. Any emitted
// signals are sent via Transport; any self-posted continuation is queued
// and drained before the next externally-delivered signal.
func (c *Coordinator) Dispatch(ctx context.Context, sig Signal) {
	action := c.handle(ctx, sig)
	c.apply(ctx, action)
	c.drainPending(ctx)
}

// drainPending processes every self-posted continuation queued during the
// current signal's handling, in FIFO order, until none remain. This keeps
// long walks (abort, commit fan-out, watchdog sweep) bounded per
// continuation batch while never recursing on the Go call stack.
func (c *Coordinator) drainPending(ctx context.Context) {
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		action := c.handle(ctx, next)
		c.apply(ctx, action)
	}
}

func (c *Coordinator) apply(ctx context.Context, action NextAction) {
	for _, out := range action.Emit {
		if err := c.transport.Send(ctx, out.To, out); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"to":   out.To,
				"kind": out.Kind,
			}).Warn("failed to send outbound signal")
		}
	}
	if action.ContinueLater != nil {
		c.pending = append(c.pending, *action.ContinueLater)
	}
}

// handle is the dispatch-by-type switch. Each case delegates to the
// component that owns that signal family; this function only routes.
func (c *Coordinator) handle(ctx context.Context, sig Signal) NextAction {
	switch sig.Kind {
	case SigTcSeizeReq:
		return c.onTcSeizeReq(ctx, sig)
	case SigTcReleaseReq:
		return c.onTcReleaseReq(ctx, sig)
	case SigTcKeyReq, SigKeyInfo, SigAttrInfo:
		return c.onSubmitOp(ctx, sig)
	case SigTcCommitReq:
		return c.onCommitRequest(ctx, sig)
	case SigTcRollbackReq:
		return c.onRollbackRequest(ctx, sig)
	case SigTcHbRep:
		return c.onHeartbeat(ctx, sig)
	case SigTcCommitAck:
		return c.onCommitAck(ctx, sig)
	case SigTcIndxReq, SigIndxKeyInfo, SigIndxAttrInfo:
		return c.onIndexOpSignal(ctx, sig)
	case SigTransIdAi:
		return c.onTransIdAi(ctx, sig)

	case SigLqhKeyConf:
		return c.onLqhKeyConf(ctx, sig)
	case SigLqhKeyRef:
		return c.onLqhKeyRef(ctx, sig)
	case SigCommitted:
		return c.onCommitted(ctx, sig)
	case SigCompleted:
		return c.onCompleted(ctx, sig)
	case SigAborted:
		return c.onAborted(ctx, sig)
	case SigTrigAttrInfo:
		return c.onTrigAttrInfo(ctx, sig)
	case SigFireTrigOrd:
		return c.onFireTrigOrd(ctx, sig)
	case SigLqhTransConf:
		return c.onLqhTransConf(ctx, sig)
	case SigLqhTransConfLast:
		return c.onLqhTransConfLast(ctx, sig)

	case SigScanTabReq:
		return c.onScanTabReq(ctx, sig)
	case SigScanNextReq:
		return c.onScanNextReq(ctx, sig)
	case SigScanFragConf:
		return c.onScanFragConf(ctx, sig)
	case SigScanFragRef:
		return c.onScanFragRef(ctx, sig)

	case SigNodeFailRep:
		return c.onNodeFailRep(ctx, sig)
	case SigTimeSignal:
		return c.onTimeSignal(ctx, sig)
	case SigGcpNoMoreTrans:
		return c.gcpNoMoreTrans(ctx, sig.Gci)

	case SigApiFailReq:
		return c.onApiFailReq(ctx, sig)

	case SigContinueAbort:
		return c.onAbortContinue(ctx, sig)
	case SigContinueCommitFanOut:
		return c.onCommitFanOutContinue(ctx, sig)
	case SigContinueCompleteFanOut:
		return c.onCompleteFanOutContinue(ctx, sig)
	case SigContinueWatchdog:
		return c.onWatchdogContinue(ctx, sig)

	default:
		log.WithField("kind", sig.Kind).Warn("unhandled signal kind")
		return NextAction{}
	}
}

// validateTransId enforces that a newly seized slot must not observe data
// from its previous tenant: any inbound signal whose transid doesn't
// match the addressed connection's current transid is ignored, never
// crashes.
func (c *Coordinator) validateTransId(conn ConnIdx, transid TransId) bool {
	if uint32(conn) >= uint32(c.conns.Capacity()) {
		return false
	}
	return c.conns.Get(uint32(conn)).TransId == transid
}
