package tc

import "time"

// Config carries every tunable read once at boot. cmd/tcd wires this into
// a go-flags struct tree; this type is the plain domain value the CLI
// layer parses into.
type Config struct {
	ApiConnectionPoolSize int
	TcOpPoolSize          int
	TableCount            int
	ScanPoolSize          int
	FragScanPoolSize      int
	MarkerPoolSize        int
	TriggerPoolSize       int
	TxnBufferMemoryBytes  int64
	MaxIndexes            int
	MaxIndexOperations    int
	MaxTriggers           int
	MaxFiredTriggers      int

	TransactionDeadlockDetectionTimeout time.Duration
	TransactionInactiveTimeout          time.Duration
	HeartbeatInterval                   time.Duration

	// NoParallelTakeOver bounds how many FAIL_* transactions are driven to
	// completion concurrently during fail-takeover.
	NoParallelTakeOver int

	// CatalogCacheSize bounds the catalog's LRU front-cache.
	CatalogCacheSize int

	// WatchdogBatchSize is how many connection slots one watchdog run walks
	// before posting a continuation; zero or less uses
	// continuationWatchdogBatch.
	WatchdogBatchSize int
	// WatchdogDelayTicks is carried in the configuration but not read by
	// the coordinator: a watchdog sweep starts on every time signal.
	WatchdogDelayTicks uint64

	OwnNode NodeId

	// AuthSigningKey, if non-empty, makes open-connection require a valid
	// HS256-signed bearer token on tc-seize-req. Empty disables the check.
	AuthSigningKey string
}

// DefaultConfig returns reasonable pool sizes for a single-process
// deployment; production deployments override every field via cmd/tcd's
// flags.
func DefaultConfig() Config {
	return Config{
		ApiConnectionPoolSize: 4096,
		TcOpPoolSize:          16384,
		TableCount:            256,
		ScanPoolSize:          256,
		FragScanPoolSize:      1024,
		MarkerPoolSize:        4096,
		TriggerPoolSize:       4096,
		TxnBufferMemoryBytes:  64 << 20,
		MaxIndexes:            128,
		MaxIndexOperations:    1024,
		MaxTriggers:           256,
		MaxFiredTriggers:      4096,

		TransactionDeadlockDetectionTimeout: 1200 * time.Millisecond,
		TransactionInactiveTimeout:          3600 * time.Second,
		HeartbeatInterval:                   5 * time.Second,

		NoParallelTakeOver: 4,
		CatalogCacheSize:   1024,

		WatchdogBatchSize:  1024,
		WatchdogDelayTicks: 50,
	}
}
