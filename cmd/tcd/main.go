package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estuary/flow-tc/internal/tc"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"
)

const iniFilename = "tc.ini"

// TcdConfig is the top-level go-flags struct tree, grouped the way
// FlowIngesterConfig groups mbp.ServiceConfig/EtcdConfig/LogConfig/
// DiagnosticsConfig alongside an application-specific group.
type TcdConfig struct {
	TC struct {
		mbp.ServiceConfig

		ApiConnectionPoolSize int           `long:"api-connection-pool-size" default:"4096" description:"Maximum concurrent transactions"`
		TcOpPoolSize          int           `long:"op-pool-size" default:"16384" description:"Maximum concurrent operations across all transactions"`
		TableCount            int           `long:"table-count" default:"256" description:"Maximum number of distinct tables the catalog tracks"`
		ScanPoolSize          int           `long:"scan-pool-size" default:"256" description:"Maximum concurrent open scans"`
		FragScanPoolSize      int           `long:"frag-scan-pool-size" default:"1024" description:"Maximum concurrent in-flight scan fragments"`
		MarkerPoolSize        int           `long:"marker-pool-size" default:"4096" description:"Maximum outstanding commit-ack markers"`
		TriggerPoolSize       int           `long:"trigger-pool-size" default:"4096" description:"Maximum outstanding fired-trigger records"`
		TxnBufferMemoryBytes  int64         `long:"txn-buffer-memory-bytes" default:"67108864" description:"Soft cap on per-transaction key/attrinfo/trigger buffer memory"`
		MaxIndexes            int           `long:"max-indexes" default:"128" description:"Maximum secondary indexes tracked by the catalog"`
		MaxIndexOperations    int           `long:"max-index-operations" default:"1024" description:"Maximum concurrent in-flight index-qualified operations"`
		MaxTriggers           int           `long:"max-triggers" default:"256" description:"Maximum distinct triggers tracked"`
		MaxFiredTriggers      int           `long:"max-fired-triggers" default:"4096" description:"Maximum concurrent in-flight fired-trigger accumulations"`
		NoParallelTakeOver    int           `long:"no-parallel-take-over" default:"4" description:"Transactions driven concurrently during fail-takeover"`
		CatalogCacheSize      int           `long:"catalog-cache-size" default:"1024" description:"LRU front-cache size for table/index lookups"`
		WatchdogBatchSize     int           `long:"watchdog-batch-size" default:"1024" description:"Connection slots scanned per watchdog continuation"`
		WatchdogDelayTicks    uint64        `long:"watchdog-delay-ticks" default:"50" description:"Accepted but not read; the watchdog sweeps on every 10ms tick"`
		InactiveTimeout       time.Duration `long:"inactive-timeout" default:"1h" description:"Idle-transaction abort timeout"`
		DeadlockTimeout       time.Duration `long:"deadlock-timeout" default:"1200ms" description:"Deadlock-detection timeout"`
		HeartbeatInterval     time.Duration `long:"heartbeat-interval" default:"5s" description:"API heartbeat interval"`
		OwnNode               uint32        `long:"own-node" required:"true" env:"TC_OWN_NODE" description:"This coordinator's cluster node id"`
		AuthSigningKey        string        `long:"auth-signing-key" env:"TC_AUTH_SIGNING_KEY" description:"HS256 key required on tc-seize-req bearer tokens; empty disables auth"`
		EtcdLeasePrefix       string        `long:"etcd-lease-prefix" default:"/tc/hosts" description:"Etcd key prefix for per-node liveness leases"`
		EtcdLeaseTTLSeconds   int64         `long:"etcd-lease-ttl" default:"10" description:"Liveness lease TTL, in seconds"`
	} `group:"TC" namespace:"tc" env-namespace:"TC"`

	Etcd        mbp.EtcdConfig        `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

var Config = new(TcdConfig)

func (c *TcdConfig) toCoreConfig() tc.Config {
	return tc.Config{
		ApiConnectionPoolSize:               c.TC.ApiConnectionPoolSize,
		TcOpPoolSize:                        c.TC.TcOpPoolSize,
		TableCount:                          c.TC.TableCount,
		ScanPoolSize:                        c.TC.ScanPoolSize,
		FragScanPoolSize:                    c.TC.FragScanPoolSize,
		MarkerPoolSize:                      c.TC.MarkerPoolSize,
		TriggerPoolSize:                     c.TC.TriggerPoolSize,
		TxnBufferMemoryBytes:                c.TC.TxnBufferMemoryBytes,
		MaxIndexes:                          c.TC.MaxIndexes,
		MaxIndexOperations:                  c.TC.MaxIndexOperations,
		MaxTriggers:                         c.TC.MaxTriggers,
		MaxFiredTriggers:                    c.TC.MaxFiredTriggers,
		TransactionDeadlockDetectionTimeout: c.TC.DeadlockTimeout,
		TransactionInactiveTimeout:          c.TC.InactiveTimeout,
		HeartbeatInterval:                   c.TC.HeartbeatInterval,
		NoParallelTakeOver:                  c.TC.NoParallelTakeOver,
		CatalogCacheSize:                    c.TC.CatalogCacheSize,
		WatchdogBatchSize:                   c.TC.WatchdogBatchSize,
		WatchdogDelayTicks:                  c.TC.WatchdogDelayTicks,
		OwnNode:                             tc.NodeId(c.TC.OwnNode),
		AuthSigningKey:                      c.TC.AuthSigningKey,
	}
}

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("tcd configuration")

	var srv, err = server.New("", Config.TC.Port)
	if err != nil {
		return err
	}

	var tasks = task.NewGroup(context.Background())
	var etcd = Config.Etcd.MustDial()
	var ownNode = tc.NodeId(Config.TC.OwnNode)

	var hosts = tc.NewHostTable(etcd, Config.TC.EtcdLeasePrefix, ownNode)
	if err := hosts.StartLeaseLoop(tasks.Context(), Config.TC.EtcdLeaseTTLSeconds); err != nil {
		return err
	}
	hosts.WatchPeers(tasks.Context())

	var metrics = tc.NewMetrics(prometheus.DefaultRegisterer)
	var clock = &tickingClock{}
	var collab = newLocalCollaborators(ownNode, hosts)
	var dih = &dihAdapter{localCollaborators: collab}
	var transport = &loopbackTransport{}
	var lqh = &loopbackLQH{transport: transport}

	var coord = tc.NewCoordinator(Config.toCoreConfig(), dih, lqh, collab, transport, clock, hosts, metrics)
	transport.deliver = func(ctx context.Context, sig tc.Signal) {
		coord.Dispatch(ctx, sig)
	}

	// Drive the watchdog's logical clock and the timer signal that starts
	// its sweep: the watchdog is timer-driven rather than client-driven.
	tasks.Queue("watchdog-ticker", func() error {
		var ticker = time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
				clock.advance()
				coord.Dispatch(tasks.Context(), tc.Signal{Kind: tc.SigTimeSignal})
			}
		}
	})

	srv.HTTPMux.Handle("/metrics", promhttp.Handler())
	srv.QueueTasks(tasks)

	log.WithFields(log.Fields{
		"ownNode": ownNode,
		"zone":    Config.TC.Zone,
	}).Info("starting tcd")

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})

	tasks.GoRun()
	if err := tasks.Wait(); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as the transaction coordinator", `
Serve a transaction coordinator with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
