package tc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the reporting set: the small collection of counters and
// gauges exposed beyond the core signal path. Registered via promauto
// the way go/flow/mapping.go and go/bindings/metrics.go do.
type Metrics struct {
	OpenConnections   prometheus.Gauge
	OpsInFlight       prometheus.Gauge // registered, never updated by the coordinator: always reads zero
	Commits           prometheus.Counter
	Aborts            prometheus.Counter
	Takeovers         prometheus.Counter
	ScanFragsInFlight prometheus.Gauge
	WatchdogActions   *prometheus.CounterVec
	ClientErrors      *prometheus.CounterVec
}

// NewMetrics registers the reporting set against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tc",
			Name:      "open_connections",
			Help:      "Number of non-free ApiConnection records.",
		}),
		OpsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tc",
			Name:      "ops_in_flight",
			Help:      "Number of TcOperation records in OPERATING or later states.",
		}),
		Commits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tc",
			Name:      "commits_total",
			Help:      "Transactions that reached the commit point.",
		}),
		Aborts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tc",
			Name:      "aborts_total",
			Help:      "Transactions driven through the abort path.",
		}),
		Takeovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tc",
			Name:      "takeovers_total",
			Help:      "Transactions rebuilt via node-failure take-over.",
		}),
		ScanFragsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tc",
			Name:      "scan_fragments_in_flight",
			Help:      "FragmentScan records not yet FragCompleted.",
		}),
		WatchdogActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tc",
			Name:      "watchdog_actions_total",
			Help:      "Actions taken by the timeout watchdog, by kind.",
		}, []string{"action"}),
		ClientErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tc",
			Name:      "client_errors_total",
			Help:      "Client-visible error replies, by code.",
		}, []string{"code"}),
	}
}
