package memgo

import (
	"log/slog"
	"time"

	"github.com/hupe1980/memgo/backup"
	"github.com/hupe1980/memgo/blobstore"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/engine"
	"github.com/hupe1980/memgo/graph"
	"github.com/hupe1980/memgo/resource"
	"github.com/hupe1980/memgo/wal"
)

type options struct {
	codec            codec.Codec
	dir              string
	walEnabled       bool
	walOptions       []func(*wal.Options)
	inferrer         graph.Inferrer
	observers        []engine.Observer
	backupStore      blobstore.Store
	compression      backup.Compression
	scanLimits       resource.Config
	metricsCollector MetricsCollector
	logger           *Logger
	clock            func() time.Time
}

// Option configures MemoryDB constructor behavior.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. codec-specific constructor variants).
type Option func(*options)

// WithCodec configures the codec used for snapshots, backups, and exports.
//
// If nil is passed, codec.Default is used. Backup checksums require a
// deterministic codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithDir configures a data directory for persistence. On Open, an
// existing snapshot is loaded and verified; on Close (without WAL) a
// fresh snapshot is written.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithWAL enables Write-Ahead Logging for durability. Requires WithDir.
// WAL is immutable after database creation - it cannot be enabled or
// disabled at runtime.
//
// Example:
//
//	memgo.Open(
//	    memgo.WithDir("./data"),
//	    memgo.WithWAL(func(o *wal.Options) {
//	        o.DurabilityMode = wal.DurabilitySync
//	    }),
//	)
func WithWAL(optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walEnabled = true
		o.walOptions = optFns
	}
}

// WithInferrer configures a relationship inferrer invoked after every
// store. The default is a no-op; graph.SimilarityInferrer proposes edges
// between records with similar payloads.
func WithInferrer(inf graph.Inferrer) Option {
	return func(o *options) {
		o.inferrer = inf
	}
}

// WithObserver registers an additional observer for committed mutations.
// The analytics recorder is always registered first.
func WithObserver(obs engine.Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithBackupStore configures where CreateBackup persists snapshots, e.g.
// a local directory, S3, or MinIO. Defaults to an in-memory store that
// does not survive the process.
func WithBackupStore(store blobstore.Store) Option {
	return func(o *options) {
		o.backupStore = store
	}
}

// WithCompression selects the backup compression codec.
// Defaults to zstd.
func WithCompression(c backup.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithScanLimits bounds long-running scans (statistics, export): a cap on
// concurrent scans and an optional records-per-second pace.
func WithScanLimits(cfg resource.Config) Option {
	return func(o *options) {
		o.scanLimits = cfg
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &memgo.BasicMetricsCollector{}
//	db, _ := memgo.Open(memgo.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Stores: %d, Avg latency: %dns\n", stats.StoreCount, stats.StoreAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := memgo.NewJSONLogger(slog.LevelInfo)
//	db, _ := memgo.Open(memgo.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		clock:            time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	return o
}
