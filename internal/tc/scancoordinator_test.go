package tc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScanSingleFragmentCompletesAndReleases drives scan-tab-req through
// its single fragment's scan-frag-conf and confirms the scan record is
// released once every fragment is delivered.
func TestScanSingleFragmentCompletesAndReleases(t *testing.T) {
	coord, _, transport := newTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	connIdx := transport.last().Conn
	const transId = TransId(200)

	coord.Dispatch(ctx, Signal{
		Kind: SigScanTabReq, Conn: connIdx, TransId: transId,
		ScanReq: &ScanTabReq{TableId: 1, SchemaVersion: 1, Parallelism: 4, BatchRows: 64, BatchBytes: 4096},
	})

	kinds := transport.kindsSince(0)
	require.Contains(t, kinds, SigScanTabConf)
	require.Contains(t, kinds, SigScanFragReq)

	var fragReq Signal
	for _, s := range transport.sent {
		if s.Kind == SigScanFragReq {
			fragReq = s
		}
	}
	require.Equal(t, NodeId(2), fragReq.To)
	require.Equal(t, 1, coord.scans.scans.InUse())

	coord.Dispatch(ctx, Signal{
		Kind: SigScanFragConf, Scan: fragReq.Scan, Frag: fragReq.Frag,
		ScanFragConf: &ScanFragConfPayload{Completed: true, OpCount: 3, ByteCount: 128},
	})

	require.Equal(t, 0, coord.scans.scans.InUse(), "the only fragment delivered completes and releases the scan")
	require.Equal(t, 0, coord.scans.frags.InUse())

	conn := coord.conns.Get(uint32(connIdx))
	require.False(t, conn.HasScan)
}

// TestScanFragRefFailsWholeScan exercises the all-or-nothing error path: a
// single fragment error closes the entire scan rather than delivering
// partial results.
func TestScanFragRefFailsWholeScan(t *testing.T) {
	coord, _, transport := newTestCoordinator(t)
	ctx := context.Background()

	coord.Dispatch(ctx, Signal{Kind: SigTcSeizeReq, From: NodeId(9), Client: ClientRef{BlockRef: 9}})
	connIdx := transport.last().Conn
	const transId = TransId(201)

	coord.Dispatch(ctx, Signal{
		Kind: SigScanTabReq, Conn: connIdx, TransId: transId,
		ScanReq: &ScanTabReq{TableId: 1, SchemaVersion: 1, Parallelism: 1},
	})
	var fragReq Signal
	for _, s := range transport.sent {
		if s.Kind == SigScanFragReq {
			fragReq = s
		}
	}

	coord.Dispatch(ctx, Signal{Kind: SigScanFragRef, Scan: fragReq.Scan, Frag: fragReq.Frag})
	kinds := transport.kindsSince(len(transport.sent) - 2)
	require.Contains(t, kinds, SigScanTabRef, "the client is told the scan failed")
	require.Contains(t, kinds, SigScanFragNextReq, "the still-outstanding fragment is told to stop")

	scan := coord.scans.scans.Get(uint32(fragReq.Scan))
	require.True(t, scan.CloseReq)
}
