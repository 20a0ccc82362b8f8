// Package backup serializes full store state into checksummed, immutable
// snapshots and restores them. Export/import are the underlying primitives;
// Create/Restore wrap them with canonical serialization, a cryptographic
// digest, compression, and blob storage.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memgo/analytics"
	"github.com/hupe1980/memgo/blobstore"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/engine"
	"github.com/hupe1980/memgo/record"
)

// DocumentVersion is the export document format version.
const DocumentVersion = 1

// TypeFull marks a snapshot of the complete store.
const TypeFull = "full"

// Document is the export file format: the full store state plus aggregate
// statistics at export time.
type Document struct {
	Version       int                   `json:"version"`
	Timestamp     time.Time             `json:"timestamp"`
	Memories      []record.Record       `json:"memories"`
	Relationships []record.Relationship `json:"relationships"`
	Metadata      analytics.Stats       `json:"metadata"`
}

// Backup wraps a serialized Document as an immutable snapshot. Checksum is
// the hex-encoded SHA-256 digest of the canonical (uncompressed) document
// bytes; Size is their length. Data holds the compressed document.
type Backup struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Timestamp   time.Time   `json:"timestamp"`
	Type        string      `json:"type"`
	Data        []byte      `json:"data"`
	Size        int64       `json:"size"`
	Checksum    string      `json:"checksum"`
	Compression Compression `json:"compression"`
}

// IntegrityError is returned when a snapshot's recomputed digest does not
// match its stored checksum. No writes happen in that case.
type IntegrityError struct {
	BackupID string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("backup %s failed integrity check: checksum %s, computed %s", e.BackupID, e.Expected, e.Actual)
}

// Options configures a Manager.
type Options struct {
	// Store persists snapshots. Defaults to an in-memory store.
	Store blobstore.Store

	// Recorder supplies the aggregate statistics embedded in exports.
	// Defaults to a fresh recorder.
	Recorder *analytics.Recorder

	// Codec produces the canonical document serialization. It must be
	// deterministic for checksums to be reproducible. Defaults to
	// codec.Default.
	Codec codec.Codec

	// Compression applied to snapshot data. Defaults to zstd.
	Compression Compression

	// ChunkSize is the number of records exported between cancellation
	// checks. If 0, defaults to 256.
	ChunkSize int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager composes export/import with snapshot persistence.
type Manager struct {
	engine   *engine.Engine
	store    blobstore.Store
	recorder *analytics.Recorder
	codec    codec.Codec
	comp     Compression
	chunk    int
	clock    func() time.Time
}

// NewManager creates a backup manager for the given engine.
func NewManager(e *engine.Engine, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Compression: CompressionZstd,
		ChunkSize:   256,
		Clock:       time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = blobstore.NewMemoryStore()
	}
	if opts.Recorder == nil {
		opts.Recorder = analytics.NewRecorder()
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Manager{
		engine:   e,
		store:    opts.Store,
		recorder: opts.Recorder,
		codec:    opts.Codec,
		comp:     opts.Compression,
		chunk:    opts.ChunkSize,
		clock:    opts.Clock,
	}
}

// Create exports the full store and persists it as a checksummed snapshot.
// The snapshot is immutable once written.
func (m *Manager) Create(ctx context.Context, name string) (Backup, error) {
	doc, err := m.Export(ctx, ExportOptions{})
	if err != nil {
		return Backup{}, err
	}

	data, err := m.codec.Marshal(doc)
	if err != nil {
		return Backup{}, fmt.Errorf("backup: encode document: %w", err)
	}

	compressed, err := compress(m.comp, data)
	if err != nil {
		return Backup{}, err
	}

	b := Backup{
		ID:          uuid.NewString(),
		Name:        name,
		Timestamp:   m.clock(),
		Type:        TypeFull,
		Data:        compressed,
		Size:        int64(len(data)),
		Checksum:    digest(data),
		Compression: m.comp,
	}
	if b.Name == "" {
		b.Name = "backup-" + b.Timestamp.UTC().Format("20060102-150405")
	}

	blob, err := m.codec.Marshal(b)
	if err != nil {
		return Backup{}, fmt.Errorf("backup: encode snapshot: %w", err)
	}
	if err := writeBlob(ctx, m.store, blobName(b.ID), blob); err != nil {
		return Backup{}, fmt.Errorf("backup: persist snapshot: %w", err)
	}
	return b, nil
}

// Restore loads a snapshot by id, verifies its checksum, and imports its
// contents. A checksum mismatch fails with *IntegrityError before any write.
func (m *Manager) Restore(ctx context.Context, backupID string, opts ImportOptions) (Report, error) {
	b, err := m.Load(ctx, backupID)
	if err != nil {
		return Report{}, err
	}
	return m.RestoreSnapshot(ctx, b, opts)
}

// RestoreSnapshot verifies and imports an already loaded snapshot.
func (m *Manager) RestoreSnapshot(ctx context.Context, b Backup, opts ImportOptions) (Report, error) {
	data, err := decompress(b.Compression, b.Data)
	if err != nil {
		return Report{}, err
	}

	if sum := digest(data); sum != b.Checksum {
		return Report{}, &IntegrityError{BackupID: b.ID, Expected: b.Checksum, Actual: sum}
	}

	var doc Document
	if err := m.codec.Unmarshal(data, &doc); err != nil {
		return Report{}, fmt.Errorf("backup: decode document: %w", err)
	}
	return m.Import(ctx, doc, opts)
}

// Load fetches a snapshot by id from the blob store.
func (m *Manager) Load(ctx context.Context, backupID string) (Backup, error) {
	blob, err := m.store.Open(ctx, blobName(backupID))
	if err != nil {
		return Backup{}, fmt.Errorf("backup: open snapshot %s: %w", backupID, err)
	}
	data, err := blobstore.ReadAll(blob)
	if err != nil {
		return Backup{}, fmt.Errorf("backup: read snapshot %s: %w", backupID, err)
	}

	var b Backup
	if err := m.codec.Unmarshal(data, &b); err != nil {
		return Backup{}, fmt.Errorf("backup: decode snapshot %s: %w", backupID, err)
	}
	return b, nil
}

// List returns the ids of all persisted snapshots, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	names, err := m.store.List(ctx, blobPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		ids = append(ids, name[len(blobPrefix):])
	}
	return ids, nil
}

// Replicate uploads a snapshot to additional stores in parallel, for
// offsite copies. It fails on the first store error but lets in-flight
// uploads finish.
func (m *Manager) Replicate(ctx context.Context, b Backup, stores ...blobstore.Store) error {
	blob, err := m.codec.Marshal(b)
	if err != nil {
		return fmt.Errorf("backup: encode snapshot: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, store := range stores {
		g.Go(func() error {
			return writeBlob(ctx, store, blobName(b.ID), blob)
		})
	}
	return g.Wait()
}

// writeBlob streams data through the store's writer, so backends that upload
// through a pipe (S3, MinIO) never have to buffer the whole snapshot.
func writeBlob(ctx context.Context, store blobstore.Store, name string, data []byte) error {
	w, err := store.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Verify recomputes a snapshot's digest without importing anything.
func Verify(b Backup) error {
	data, err := decompress(b.Compression, b.Data)
	if err != nil {
		return err
	}
	if sum := digest(data); sum != b.Checksum {
		return &IntegrityError{BackupID: b.ID, Expected: b.Checksum, Actual: sum}
	}
	return nil
}

const blobPrefix = "backups/"

func blobName(id string) string {
	return blobPrefix + id
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
