// Package memgo provides an embedded, indexed memory database for Go.
//
// Memgo stores typed "memory" records with secondary indices, a typed
// relationship graph between records, an ad-hoc query engine, and a
// checksum-verified backup/restore mechanism. Production-ready features
// include:
//
//   - Atomic mutations: record write, index maintenance, and relationship
//     cascade commit as one unit
//   - Roaring Bitmap secondary indices on type, importance, timestamp, and tags
//   - Query planning that seeds from the most selective index
//   - Pluggable relationship inference after every store
//   - Write-Ahead Logging (WAL) with zstd compression for durability
//   - Checksummed snapshots and SHA-256 verified backups
//   - Blob storage backends: local filesystem, S3, MinIO
//
// # Quick Start
//
//	ctx := context.Background()
//	db, err := memgo.Open()
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	id, _ := db.Store(ctx, map[string]any{"text": "Buy milk"}, func(o *memgo.StoreOptions) {
//	    o.Type = "task"
//	    o.Importance = 9
//	    o.Tags = []string{"shopping"}
//	})
//
//	tasks, _ := db.Query(ctx, query.Filter{Type: "task"})
//
//	relID, _ := db.Relate(ctx, id, otherID, "related")
//
// # Durability
//
// Open with a data directory to persist state across restarts:
//
//	db, err := memgo.Open(
//	    memgo.WithDir("./data"),
//	    memgo.WithWAL(func(o *wal.Options) {
//	        o.DurabilityMode = wal.DurabilitySync
//	    }),
//	)
//
// # Backups
//
//	backupID, _ := db.CreateBackup(ctx, "nightly")
//	report, _ := db.RestoreFromBackup(ctx, backupID, backup.ImportOptions{})
//
// Backups can be stored on S3 or any S3-compatible store via WithBackupStore.
package memgo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/memgo/analytics"
	"github.com/hupe1980/memgo/backup"
	"github.com/hupe1980/memgo/engine"
	"github.com/hupe1980/memgo/graph"
	"github.com/hupe1980/memgo/query"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/resource"
)

// MemoryDB is an embedded memory database. All methods are safe for
// concurrent use.
type MemoryDB struct {
	engine   *engine.Engine
	recorder *analytics.Recorder
	backups  *backup.Manager
	metrics  MetricsCollector
	logger   *Logger
	clock    func() time.Time
	newID    func() string
}

// Open creates a MemoryDB. Without WithDir the database is purely
// in-memory; with it, state is persisted via snapshot and optional WAL.
func Open(optFns ...Option) (*MemoryDB, error) {
	opts := applyOptions(optFns)

	ctrl := resource.NewController(opts.scanLimits)
	recorder := analytics.NewRecorder(func(o *analytics.Options) {
		o.Controller = ctrl
		o.Clock = opts.clock
	})

	observers := append([]engine.Observer{recorder}, opts.observers...)

	eng, err := engine.Open(engine.Options{
		Dir:        opts.dir,
		WAL:        opts.walEnabled,
		WALOptions: opts.walOptions,
		Codec:      opts.codec,
		Inferrer:   opts.inferrer,
		Observer:   fanout(observers),
		Clock:      opts.clock,
	})
	if err != nil {
		return nil, translateError(err)
	}

	backups := backup.NewManager(eng, func(o *backup.Options) {
		o.Store = opts.backupStore
		o.Recorder = recorder
		o.Codec = opts.codec
		if opts.compression != "" {
			o.Compression = opts.compression
		}
	})

	return &MemoryDB{
		engine:   eng,
		recorder: recorder,
		backups:  backups,
		metrics:  opts.metricsCollector,
		logger:   opts.logger,
		clock:    opts.clock,
		newID:    uuid.NewString,
	}, nil
}

// StoreOptions classify a stored payload.
type StoreOptions struct {
	// Type is the record's category. Defaults to "memory".
	Type string

	// Importance on the 0 to 10 scale. Out-of-range values are clamped.
	// Defaults to 5.
	Importance float64

	// Tags attached to the record. Deduplicated and sorted.
	Tags []string

	// Context is free-form situational text stored with the record, for
	// example where or why the memory was captured.
	Context string
}

// Store saves a payload as a new memory record and returns its id. The
// payload is serialized to JSON; pass json.RawMessage to store raw bytes.
func (db *MemoryDB) Store(ctx context.Context, data any, optFns ...func(o *StoreOptions)) (string, error) {
	start := time.Now()
	opts := StoreOptions{
		Type:       "memory",
		Importance: 5,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	payload, err := marshalPayload(data)
	if err != nil {
		db.metrics.RecordStore(time.Since(start), err)
		return "", err
	}

	rec := record.New(db.newID(), opts.Type, payload, opts.Importance, opts.Tags, db.clock())
	rec.Context = opts.Context
	stored, err := db.engine.Store(ctx, rec)
	err = translateError(err)
	db.metrics.RecordStore(time.Since(start), err)
	db.logger.LogStore(ctx, rec.ID, rec.Type, err)
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// Get retrieves a record by id. As a side effect it bumps the record's
// accessCount and lastAccessed, atomically with concurrent writers.
func (db *MemoryDB) Get(ctx context.Context, id string) (record.Record, error) {
	start := time.Now()
	rec, err := db.engine.Get(ctx, id)
	err = translateError(err)
	db.metrics.RecordGet(time.Since(start), err)
	return rec, err
}

// Update merges patch into the record, increments its version, and sets
// lastModified strictly later than before.
func (db *MemoryDB) Update(ctx context.Context, id string, patch record.Patch) (record.Record, error) {
	start := time.Now()
	rec, err := db.engine.Update(ctx, id, patch)
	err = translateError(err)
	db.metrics.RecordUpdate(time.Since(start), err)
	db.logger.LogUpdate(ctx, id, err)
	return rec, err
}

// Delete removes a record, all of its index entries, and every
// relationship touching it. Deleting an absent id returns false, not an
// error: deletion is idempotent.
func (db *MemoryDB) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := db.engine.Delete(ctx, id)
	err = translateError(err)
	db.metrics.RecordDelete(time.Since(start), err)
	db.logger.LogDelete(ctx, id, ok, err)
	return ok, err
}

// Query resolves a filter/sort/paginate request. Unlike Get, matching a
// record in a query does not bump its access metadata.
func (db *MemoryDB) Query(ctx context.Context, f query.Filter) ([]record.Record, error) {
	start := time.Now()
	recs, err := query.Execute(ctx, db.engine, f)
	err = translateError(err)
	db.metrics.RecordQuery(len(recs), time.Since(start), err)
	db.logger.LogQuery(ctx, len(recs), err)
	return recs, err
}

// QueryExplain is Query plus the execution plan, for diagnosing
// selectivity problems.
func (db *MemoryDB) QueryExplain(ctx context.Context, f query.Filter) ([]record.Record, query.Plan, error) {
	recs, plan, err := query.ExecuteExplain(ctx, db.engine, f)
	return recs, plan, translateError(err)
}

// RelateOptions tune a new relationship.
type RelateOptions struct {
	// Strength on an application-defined scale. Defaults to 1.0.
	Strength float64

	// Metadata attached to the relationship.
	Metadata map[string]any
}

// Relate creates a typed, directed relationship between two records and
// returns its id. Both endpoints must resolve to live records; otherwise
// a *ValidationError is returned and nothing is created.
func (db *MemoryDB) Relate(ctx context.Context, fromID, toID, relType string, optFns ...func(o *RelateOptions)) (string, error) {
	start := time.Now()
	opts := RelateOptions{Strength: 1.0}
	for _, fn := range optFns {
		fn(&opts)
	}

	now := db.clock()
	rel := record.Relationship{
		ID:           db.newID(),
		FromMemory:   fromID,
		ToMemory:     toID,
		Type:         relType,
		Strength:     opts.Strength,
		Metadata:     opts.Metadata,
		Created:      now,
		LastAccessed: now,
	}

	created, err := db.engine.Relate(ctx, rel)
	err = translateError(err)
	db.metrics.RecordRelate(time.Since(start), err)
	db.logger.LogRelate(ctx, fromID, toID, relType, err)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// Unrelate removes a relationship by id. Returns false if it was already
// gone.
func (db *MemoryDB) Unrelate(ctx context.Context, relationshipID string) (bool, error) {
	ok, err := db.engine.Unrelate(ctx, relationshipID)
	return ok, translateError(err)
}

// GetRelationships lists the relationships touching a record in the given
// direction, tracking access on each returned edge.
func (db *MemoryDB) GetRelationships(ctx context.Context, id string, dir graph.Direction) ([]record.Relationship, error) {
	rels, err := db.engine.Relationships(ctx, id, dir)
	return rels, translateError(err)
}

// GetStatistics computes store-wide statistics by full enumeration. The
// scan is chunked and paced so it cannot starve writers; cost is O(n) by
// design, exact rather than incremental.
func (db *MemoryDB) GetStatistics(ctx context.Context) (analytics.Stats, error) {
	stats, err := db.recorder.Statistics(ctx, db.engine)
	return stats, translateError(err)
}

// OperationsOn reports the mutation counts observed on the day containing t.
func (db *MemoryDB) OperationsOn(t time.Time) analytics.DayCounts {
	return db.recorder.OpsOn(t)
}

// ExportMemories serializes store state into a document, optionally
// filtered by record type.
func (db *MemoryDB) ExportMemories(ctx context.Context, opts backup.ExportOptions) (backup.Document, error) {
	doc, err := db.backups.Export(ctx, opts)
	return doc, translateError(err)
}

// ImportMemories loads a document into the store as a best-effort batch:
// per-item failures are reported, not fatal.
func (db *MemoryDB) ImportMemories(ctx context.Context, doc backup.Document, opts backup.ImportOptions) (backup.Report, error) {
	report, err := db.backups.Import(ctx, doc, opts)
	return report, translateError(err)
}

// CreateBackup exports the full store into an immutable, checksummed
// snapshot, persists it, and returns the backup id.
func (db *MemoryDB) CreateBackup(ctx context.Context, name string) (string, error) {
	start := time.Now()
	b, err := db.backups.Create(ctx, name)
	err = translateError(err)
	db.metrics.RecordBackup(time.Since(start), err)
	db.logger.LogBackup(ctx, b.ID, b.Name, b.Size, err)
	if err != nil {
		return "", err
	}
	return b.ID, nil
}

// RestoreFromBackup verifies a snapshot's checksum and imports its
// contents. A checksum mismatch fails with *IntegrityError before any
// write reaches the store.
func (db *MemoryDB) RestoreFromBackup(ctx context.Context, backupID string, opts backup.ImportOptions) (backup.Report, error) {
	start := time.Now()
	report, err := db.backups.Restore(ctx, backupID, opts)
	err = translateError(err)
	db.metrics.RecordRestore(time.Since(start), err)
	db.logger.LogRestore(ctx, backupID, report, err)
	return report, err
}

// ListBackups returns the ids of all persisted snapshots.
func (db *MemoryDB) ListBackups(ctx context.Context) ([]string, error) {
	ids, err := db.backups.List(ctx)
	return ids, translateError(err)
}

// Backups exposes the backup manager for advanced use (replication,
// loading raw snapshots).
func (db *MemoryDB) Backups() *backup.Manager {
	return db.backups
}

// Checkpoint writes a snapshot and truncates the WAL. Only meaningful
// when the database was opened with a data directory.
func (db *MemoryDB) Checkpoint(ctx context.Context) error {
	return translateError(db.engine.Checkpoint(ctx))
}

// Close releases resources. When a data directory is configured and no
// WAL is in use, a final snapshot is written first.
func (db *MemoryDB) Close() error {
	if db == nil {
		return nil
	}
	return db.engine.Close()
}

func marshalPayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(data)
	}
}

type fanoutObserver []engine.Observer

func (f fanoutObserver) Notify(ev engine.Event) {
	for _, o := range f {
		o.Notify(ev)
	}
}

func fanout(observers []engine.Observer) engine.Observer {
	if len(observers) == 1 {
		return observers[0]
	}
	return fanoutObserver(observers)
}
