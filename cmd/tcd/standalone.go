package main

import (
	"context"
	"sync/atomic"

	"github.com/estuary/flow-tc/internal/tc"
)

// localCollaborators wires the coordinator's external-collaborator
// interfaces -- LQH, DIH, membership, transport -- to a single-node
// loopback. These four are explicitly out-of-scope collaborators
//: a real deployment
// supplies its own DIH/LQH clients and an inter-node transport. This is
// the same role flowctl-go's temp-data-plane plays for the broker and
// consumer -- an ephemeral, local stand-in good enough to bring a single
// process up end to end, not a production wiring.
type localCollaborators struct {
	ownNode tc.NodeId
	hosts   *tc.HostTable
	frags   map[uint32]uint32
}

func newLocalCollaborators(ownNode tc.NodeId, hosts *tc.HostTable) *localCollaborators {
	return &localCollaborators{ownNode: ownNode, hosts: hosts, frags: make(map[uint32]uint32)}
}

func (l *localCollaborators) fragmentCount(tableId uint32) uint32 {
	if n, ok := l.frags[tableId]; ok && n > 0 {
		return n
	}
	return 1
}

// SeedFragmentCount lets an operator (or cmd/tcctl, via a future admin
// call) declare how many fragments a table has, absent a real DIH to ask.
func (l *localCollaborators) SeedFragmentCount(tableId, count uint32) {
	l.frags[tableId] = count
}

// DIH: every key resolves to this node, fragment id picked by the hash
// value modulo the table's (operator-declared) fragment count.
func (l *localCollaborators) GetNodes(ctx context.Context, tableId uint32, hashValue uint64, distHashHint uint32, hasHint bool) (uint32, tc.NodeList, error) {
	n := l.fragmentCount(tableId)
	return uint32(hashValue % uint64(n)), tc.NodeList{Nodes: []tc.NodeId{l.ownNode}}, nil
}

func (l *localCollaborators) FragmentCount(ctx context.Context, tableId uint32) (uint32, error) {
	return l.fragmentCount(tableId), nil
}

func (l *localCollaborators) PrimaryOf(ctx context.Context, tableId uint32, fragId uint32) (tc.NodeId, error) {
	return l.ownNode, nil
}

// Verify stands in for di-verify-req: a single-node deployment has no
// distributed GCP to wait on, so it hands back the next logical gci
// immediately. gciClock is owned by the caller so every Verify call in a
// process sees a monotonically advancing value.
func (l *localCollaborators) Verify(ctx context.Context, transid tc.TransId, gciClock *uint64) (tc.Gci, error) {
	return tc.Gci(atomic.AddUint64(gciClock, 1)), nil
}

func (l *localCollaborators) GcpTcFinished(ctx context.Context, gci tc.Gci) error {
	return nil
}

func (l *localCollaborators) IsAlive(n tc.NodeId) bool          { return l.hosts.IsAlive(n) }
func (l *localCollaborators) IsMaster() bool                    { return true }
func (l *localCollaborators) TakeOverEnabled(n tc.NodeId) bool  { return true }
func (l *localCollaborators) ReportDead(ctx context.Context, n tc.NodeId) error {
	l.hosts.MarkDead(n)
	return nil
}

// dihAdapter binds the gciClock counter Verify needs without widening the
// tc.DIH interface itself.
type dihAdapter struct {
	*localCollaborators
	gciClock uint64
}

func (d *dihAdapter) Verify(ctx context.Context, transid tc.TransId) (tc.Gci, error) {
	return d.localCollaborators.Verify(ctx, transid, &d.gciClock)
}

// loopbackTransport delivers every outbound signal straight back into the
// owning Coordinator's Dispatch, since in a one-node deployment "the
// peer" is this process. deliver is set after the Coordinator exists
// (main.go wires the cycle).
type loopbackTransport struct {
	deliver func(context.Context, tc.Signal)
}

func (t *loopbackTransport) Send(ctx context.Context, to tc.NodeId, sig tc.Signal) error {
	sig.From = to
	t.deliver(ctx, sig)
	return nil
}

// loopbackLQH forwards every LQH call through the same loopback
// transport. The coordinator sends LQH-bound traffic through Transport
// directly and never calls this adapter; it exists so NewCoordinator has a complete,
// non-nil LQH to hold, and so a future split of LQH-bound vs DIH-bound
// sends has somewhere real to land.
type loopbackLQH struct {
	transport tc.Transport
}

func (l *loopbackLQH) SendLqhKeyReq(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendKeyInfo(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendAttrInfo(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendCommit(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendComplete(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendAbort(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendScanFragReq(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendScanFragNextReq(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendRemoveMarker(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}
func (l *loopbackLQH) SendLqhTransReq(ctx context.Context, nodeId tc.NodeId, sig tc.Signal) error {
	return l.transport.Send(ctx, nodeId, sig)
}

// tickingClock is a free-running 10ms logical clock driven by a background goroutine in main.go.
type tickingClock struct {
	ticks uint64
}

func (c *tickingClock) NowTicks() uint64 { return atomic.LoadUint64(&c.ticks) }
func (c *tickingClock) advance()         { atomic.AddUint64(&c.ticks, 1) }
