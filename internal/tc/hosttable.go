package tc

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// packedBufferLimit is the per-host packed-signal buffer threshold,
// counted in buffered signals, not words: Enqueue flushes a host's buffer
// once it holds this many signals, whatever their size.
const packedBufferLimit = 25

// hostEntry is the host table's per-peer-node record.
type hostEntry struct {
	Alive bool

	// Packed is the pending packed-signal buffer for this host: outbound
	// commit / complete / remove-marker signals are coalesced here and
	// flushed on an explicit send-packed tick or on overflow.
	Packed []Signal
}

// HostTable tracks per-peer-node liveness plus pending packed-signal
// buffers. Liveness is driven two ways, redundantly by design: the
// explicit node-fail-rep signal from the membership service, and an etcd
// lease watch so the TC notices a peer's absence even if the membership
// signal is delayed or lost.
type HostTable struct {
	mu    sync.Mutex
	hosts map[NodeId]*hostEntry

	etcd        *clientv3.Client
	leasePrefix string
	ownLease    clientv3.LeaseID
	ownNode     NodeId
}

// NewHostTable builds an empty host table. etcd may be nil, in which case
// liveness is driven purely by explicit node-fail-rep signals -- the etcd
// path is a redundancy layer, never the sole source of truth.
func NewHostTable(etcd *clientv3.Client, leasePrefix string, ownNode NodeId) *HostTable {
	return &HostTable{
		hosts:       make(map[NodeId]*hostEntry),
		etcd:        etcd,
		leasePrefix: leasePrefix,
		ownNode:     ownNode,
	}
}

func (h *HostTable) entry(n NodeId) *hostEntry {
	e, ok := h.hosts[n]
	if !ok {
		e = &hostEntry{Alive: true}
		h.hosts[n] = e
	}
	return e
}

func (h *HostTable) IsAlive(n NodeId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entry(n).Alive
}

// MarkDead flips a node's liveness bit, e.g. on node-fail-rep or a
// watchdog-driven disconnect-rep.
func (h *HostTable) MarkDead(n NodeId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(n).Alive = false
}

func (h *HostTable) MarkAlive(n NodeId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(n).Alive = true
}

// AliveNodes returns every node this table has ever heard of that is
// currently marked alive, excluding exclude. Used by fail-takeover to fan
// out lqh-trans-req to "every surviving LQH" -- bounded to nodes this TC
// has actually exchanged signals with, since the table has no separate
// cluster-membership roster of its own.
func (h *HostTable) AliveNodes(exclude NodeId) []NodeId {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []NodeId
	for n, e := range h.hosts {
		if e.Alive && n != exclude {
			out = append(out, n)
		}
	}
	return out
}

// Enqueue appends sig to nodeId's packed buffer, flushing and returning the
// flushed batch if this append would overflow the threshold.
func (h *HostTable) Enqueue(nodeId NodeId, sig Signal) (flushed []Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.entry(nodeId)
	e.Packed = append(e.Packed, sig)
	if len(e.Packed) >= packedBufferLimit {
		flushed = e.Packed
		e.Packed = nil
	}
	return flushed
}

// FlushAll drains every host's packed buffer, for the explicit send-packed
// tick.
func (h *HostTable) FlushAll() map[NodeId][]Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[NodeId][]Signal)
	for n, e := range h.hosts {
		if len(e.Packed) > 0 {
			out[n] = e.Packed
			e.Packed = nil
		}
	}
	return out
}

// StartLeaseLoop grants a lease for this node and keeps it alive until ctx
// is cancelled, publishing liveness under leasePrefix/<nodeId>. Callers
// combine this with WatchPeers to learn of peer failures from lease
// expiry, independent of node-fail-rep.
func (h *HostTable) StartLeaseLoop(ctx context.Context, ttlSeconds int64) error {
	if h.etcd == nil {
		return nil
	}
	lease, err := h.etcd.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("granting liveness lease: %w", err)
	}
	h.ownLease = lease.ID
	key := fmt.Sprintf("%s/%d", h.leasePrefix, h.ownNode)
	if _, err := h.etcd.Put(ctx, key, "alive", clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("publishing liveness key: %w", err)
	}
	keepAlive, err := h.etcd.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("starting lease keepalive: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-keepAlive:
				if !ok {
					log.WithField("node", h.ownNode).Warn("liveness lease keepalive channel closed")
					return
				}
			}
		}
	}()
	return nil
}

// WatchPeers watches leasePrefix for peer key deletions (lease expiry) and
// marks the corresponding node dead in the host table.
func (h *HostTable) WatchPeers(ctx context.Context) {
	if h.etcd == nil {
		return
	}
	watch := h.etcd.Watch(ctx, h.leasePrefix, clientv3.WithPrefix())
	go func() {
		for resp := range watch {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypeDelete {
					continue
				}
				var n NodeId
				if _, err := fmt.Sscanf(string(ev.Kv.Key), h.leasePrefix+"/%d", &n); err == nil {
					log.WithField("node", n).Warn("peer liveness lease expired")
					h.MarkDead(n)
				}
			}
		}
	}()
}
