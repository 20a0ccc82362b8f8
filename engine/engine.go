// Package engine implements the storage engine: the primary record store,
// secondary index maintenance, the relationship graph, write-ahead logging,
// and checksummed snapshots.
//
// Concurrency model: every mutating operation (Store, Update, Delete,
// Relate, Unrelate) runs under one write lock spanning the record store, all
// secondary indices, and the graph, so either all of a mutation is visible
// or none of it. Reads run under a read lock and receive copies. Get takes
// the write path because it mutates access metadata.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/graph"
	"github.com/hupe1980/memgo/index"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/wal"
)

// Options configures an Engine.
type Options struct {
	// Dir is the data directory for snapshots and the WAL. Empty means a
	// purely in-memory engine with no durability.
	Dir string

	// WAL enables write-ahead logging. Requires Dir.
	WAL bool

	// WALOptions tune the log (compression, durability mode).
	WALOptions []func(*wal.Options)

	// Codec encodes snapshot sections. Defaults to codec.Default.
	Codec codec.Codec

	// Inferrer proposes relationships after a store. Defaults to no-op.
	Inferrer graph.Inferrer

	// InferenceCandidates caps how many recent records the inferrer sees.
	// Zero means 256.
	InferenceCandidates int

	// Observer receives mutation events. Defaults to a no-op observer.
	Observer Observer

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Engine is the storage engine.
type Engine struct {
	mu sync.RWMutex

	records map[string]record.Record
	iids    map[string]uint32 // public id -> internal id
	pubs    map[uint32]string // internal id -> public id
	nextIID uint32

	idx *index.Manager
	g   *graph.Graph
	log *wal.WAL

	codec    codec.Codec
	inferrer graph.Inferrer
	inferCap int
	observer Observer
	clock    func() time.Time
	dir      string
	closed   bool
}

// Open creates or reopens an engine. When Dir holds a snapshot it is loaded
// and verified; when WAL is enabled, entries written since the last
// checkpoint are replayed on top.
func Open(opts Options) (*Engine, error) {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Inferrer == nil {
		opts.Inferrer = graph.NoopInferrer{}
	}
	if opts.InferenceCandidates <= 0 {
		opts.InferenceCandidates = 256
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.WAL && opts.Dir == "" {
		return nil, fmt.Errorf("engine: WAL requires a data directory")
	}

	e := &Engine{
		records:  make(map[string]record.Record),
		iids:     make(map[string]uint32),
		pubs:     make(map[uint32]string),
		idx:      index.NewManager(),
		g:        graph.New(),
		codec:    opts.Codec,
		inferrer: opts.Inferrer,
		inferCap: opts.InferenceCandidates,
		observer: opts.Observer,
		clock:    opts.Clock,
		dir:      opts.Dir,
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("engine: create directory: %w", err)
		}
		path := e.snapshotPath()
		if _, err := os.Stat(path); err == nil {
			if err := e.loadSnapshotFile(path); err != nil {
				return nil, err
			}
		}
	}

	if opts.WAL {
		walOpts := append([]func(*wal.Options){func(o *wal.Options) {
			o.Path = filepath.Join(opts.Dir, "wal")
		}}, opts.WALOptions...)
		log, err := wal.New(walOpts...)
		if err != nil {
			return nil, err
		}
		if err := log.Replay(e.applyEntry); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("engine: replay: %w", err)
		}
		e.log = log
	}

	return e, nil
}

func (e *Engine) snapshotPath() string {
	return filepath.Join(e.dir, "memgo.snap")
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// Store inserts rec, or replaces the existing record wholesale when rec.ID
// already exists (version stays monotonic, LastModified moves strictly
// forward). The record write, every index update, and any inferred
// relationships commit as one unit.
func (e *Engine) Store(ctx context.Context, rec record.Record) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return record.Record{}, ErrClosed
	}

	now := e.now()
	var events []Event

	if existing, ok := e.records[rec.ID]; ok {
		updated, err := e.replaceLocked(existing, rec, now)
		if err != nil {
			e.mu.Unlock()
			return record.Record{}, err
		}
		e.mu.Unlock()
		e.observer.Notify(storeEvent(EventUpdate, &updated, now))
		return updated, nil
	}

	if err := e.logEntry(wal.Entry{Type: wal.OpStore, Record: &rec}); err != nil {
		e.mu.Unlock()
		return record.Record{}, err
	}
	e.insertLocked(rec)
	events = append(events, storeEvent(EventStore, &rec, now))

	// Relationship inference runs inside the same transaction so inferred
	// edges commit atomically with the record.
	if sugs := e.inferLocked(ctx, rec); len(sugs) > 0 {
		for _, s := range sugs {
			rel := record.Relationship{
				ID:           uuid.NewString(),
				FromMemory:   rec.ID,
				ToMemory:     s.ToMemory,
				Type:         s.Type,
				Strength:     s.Strength,
				Created:      now,
				LastAccessed: now,
			}
			if _, ok := e.records[rel.ToMemory]; !ok {
				continue
			}
			if err := e.logEntry(wal.Entry{Type: wal.OpRelate, Relationship: &rel}); err != nil {
				continue
			}
			e.g.Add(rel)
			events = append(events, Event{Kind: EventRelate, RecordID: rec.ID, Relationship: rel.ID, Time: now})
		}
	}
	e.mu.Unlock()

	for _, ev := range events {
		e.observer.Notify(ev)
	}
	return rec, nil
}

// Get returns a copy of the record and bumps its access metadata. The bump
// is atomic with respect to concurrent writers of the same record.
func (e *Engine) Get(ctx context.Context, id string) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return record.Record{}, ErrClosed
	}

	rec, ok := e.records[id]
	if !ok {
		return record.Record{}, fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	rec.Touch(e.now())
	e.records[id] = rec
	return rec.Clone(), nil
}

// Update merges patch into the record, bumps the version, and refreshes
// LastModified.
func (e *Engine) Update(ctx context.Context, id string, patch record.Patch) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return record.Record{}, ErrClosed
	}

	existing, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return record.Record{}, fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	now := e.now()
	updated, err := e.updateLocked(existing, patch, now)
	e.mu.Unlock()
	if err != nil {
		return record.Record{}, err
	}
	e.observer.Notify(storeEvent(EventUpdate, &updated, now))
	return updated, nil
}

// Delete removes the record, every index entry referencing it, and cascades
// relationship deletion, all in one transaction. Deleting an absent id is
// not an error; it reports false.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}

	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return false, nil
	}

	if err := e.logEntry(wal.Entry{Type: wal.OpDelete, ID: id}); err != nil {
		e.mu.Unlock()
		return false, err
	}

	now := e.now()
	iid := e.iids[id]
	e.idx.Remove(iid, &rec)
	delete(e.records, id)
	delete(e.iids, id)
	delete(e.pubs, iid)

	removed := e.g.Cascade(id)
	e.mu.Unlock()

	e.observer.Notify(storeEvent(EventDelete, &rec, now))
	for _, rel := range removed {
		e.observer.Notify(Event{Kind: EventUnrelate, RecordID: id, Relationship: rel.ID, Time: now})
	}
	return true, nil
}

// Relate creates a typed, directed relationship. Both endpoints must resolve
// to live records; otherwise an EndpointError is returned and nothing is
// created.
func (e *Engine) Relate(ctx context.Context, rel record.Relationship) (record.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return record.Relationship{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return record.Relationship{}, ErrClosed
	}

	if _, ok := e.records[rel.FromMemory]; !ok {
		e.mu.Unlock()
		return record.Relationship{}, &EndpointError{ID: rel.FromMemory}
	}
	if _, ok := e.records[rel.ToMemory]; !ok {
		e.mu.Unlock()
		return record.Relationship{}, &EndpointError{ID: rel.ToMemory}
	}

	now := e.now()
	if rel.Created.IsZero() {
		rel.Created = now
		rel.LastAccessed = now
	}
	if err := e.logEntry(wal.Entry{Type: wal.OpRelate, Relationship: &rel}); err != nil {
		e.mu.Unlock()
		return record.Relationship{}, err
	}
	e.g.Add(rel)
	e.mu.Unlock()

	e.observer.Notify(Event{Kind: EventRelate, RecordID: rel.FromMemory, Relationship: rel.ID, Time: now})
	return rel.Clone(), nil
}

// Unrelate removes a single relationship by id. Removing an absent edge
// reports false.
func (e *Engine) Unrelate(ctx context.Context, relID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrClosed
	}

	rel, ok := e.g.Get(relID)
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	if err := e.logEntry(wal.Entry{Type: wal.OpUnrelate, ID: relID}); err != nil {
		e.mu.Unlock()
		return false, err
	}
	now := e.now()
	e.g.Remove(relID)
	e.mu.Unlock()

	e.observer.Notify(Event{Kind: EventUnrelate, RecordID: rel.FromMemory, Relationship: relID, Time: now})
	return true, nil
}

// Relationships returns the edges touching id in the given direction and
// records a read access on each.
func (e *Engine) Relationships(ctx context.Context, id string, dir graph.Direction) ([]record.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	rels := e.g.Relationships(id, dir)
	now := e.now()
	for i := range rels {
		e.g.Touch(rels[i].ID, now)
		rels[i].AccessCount++
		rels[i].LastAccessed = now
	}
	return rels, nil
}

// Checkpoint saves a snapshot and truncates the WAL. It blocks writers for
// the duration: a mutation landing between the snapshot and the truncate
// would otherwise be lost.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.dir == "" {
		return fmt.Errorf("engine: no data directory configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	if err := e.saveSnapshotLocked(e.snapshotPath()); err != nil {
		return err
	}
	if e.log != nil {
		return e.log.Checkpoint()
	}
	return nil
}

// Close releases the engine. When a data directory is configured but no WAL
// is running, the final snapshot is written inside the same critical section
// that rejects further mutations, so every acknowledged write is persisted.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true

	var saveErr error
	if e.dir != "" && e.log == nil {
		saveErr = e.saveSnapshotLocked(e.snapshotPath())
	}
	e.mu.Unlock()

	if e.log != nil {
		if err := e.log.Close(); err != nil {
			return err
		}
	}
	return saveErr
}

// updateLocked applies patch, maintains indices, and logs the update.
// Caller holds the write lock.
func (e *Engine) updateLocked(existing record.Record, patch record.Patch, now time.Time) (record.Record, error) {
	// LastModified must be strictly later than before, even at coarse
	// clock granularity.
	if !now.After(existing.LastModified) {
		now = existing.LastModified.Add(time.Nanosecond)
	}

	updated := existing.Clone()
	updated.ApplyPatch(patch, now)

	if err := e.logEntry(wal.Entry{Type: wal.OpUpdate, Record: &updated}); err != nil {
		return record.Record{}, err
	}

	iid := e.iids[existing.ID]
	e.idx.Update(iid, &existing, &updated)
	e.records[existing.ID] = updated
	return updated.Clone(), nil
}

// replaceLocked swaps in rec wholesale: every content field takes the
// incoming value, including zero ones, so re-storing an id converges to
// exactly the given state. Only the version (monotonic) and LastModified
// (strictly forward) are derived from the existing record. Caller holds the
// write lock.
func (e *Engine) replaceLocked(existing record.Record, rec record.Record, now time.Time) (record.Record, error) {
	if !now.After(existing.LastModified) {
		now = existing.LastModified.Add(time.Nanosecond)
	}

	updated := rec.Clone()
	updated.Importance = record.ClampImportance(updated.Importance)
	updated.Tags = record.NormalizeTags(updated.Tags)
	if updated.Timestamp.IsZero() {
		updated.Timestamp = existing.Timestamp
	}
	updated.Meta.Version = existing.Meta.Version + 1
	updated.Meta.Hash = record.ContentHash(updated.Data)
	updated.LastModified = now

	if err := e.logEntry(wal.Entry{Type: wal.OpUpdate, Record: &updated}); err != nil {
		return record.Record{}, err
	}

	iid := e.iids[existing.ID]
	e.idx.Update(iid, &existing, &updated)
	e.records[existing.ID] = updated
	return updated.Clone(), nil
}

// insertLocked adds a new record to the primary store and all indices.
// Caller holds the write lock.
func (e *Engine) insertLocked(rec record.Record) uint32 {
	e.nextIID++
	iid := e.nextIID
	e.records[rec.ID] = rec.Clone()
	e.iids[rec.ID] = iid
	e.pubs[iid] = rec.ID
	e.idx.Add(iid, &rec)
	return iid
}

// inferLocked gathers candidates and runs the inferrer. Caller holds the
// write lock.
func (e *Engine) inferLocked(ctx context.Context, rec record.Record) []graph.Suggestion {
	if _, ok := e.inferrer.(graph.NoopInferrer); ok {
		return nil
	}
	recent := e.idx.RecentIDs(e.inferCap)
	candidates := make([]record.Record, 0, len(recent))
	for _, iid := range recent {
		pub, ok := e.pubs[iid]
		if !ok || pub == rec.ID {
			continue
		}
		candidates = append(candidates, e.records[pub].Clone())
	}
	return e.inferrer.Infer(ctx, rec, candidates)
}

// logEntry appends to the WAL when one is configured. Caller holds the write
// lock; the mutation must not be applied when logging fails.
func (e *Engine) logEntry(entry wal.Entry) error {
	if e.log == nil {
		return nil
	}
	if _, err := e.log.Append(entry); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	return nil
}

// applyEntry replays one WAL entry into in-memory state. Replay is
// idempotent: entries describe resulting state, and the delete cascade is
// re-derived rather than logged.
func (e *Engine) applyEntry(entry wal.Entry) error {
	switch entry.Type {
	case wal.OpStore, wal.OpUpdate:
		if entry.Record == nil {
			return nil
		}
		rec := *entry.Record
		if iid, ok := e.iids[rec.ID]; ok {
			old := e.records[rec.ID]
			e.idx.Update(iid, &old, &rec)
			e.records[rec.ID] = rec
			return nil
		}
		e.insertLocked(rec)
	case wal.OpDelete:
		rec, ok := e.records[entry.ID]
		if !ok {
			return nil
		}
		iid := e.iids[entry.ID]
		e.idx.Remove(iid, &rec)
		delete(e.records, entry.ID)
		delete(e.iids, entry.ID)
		delete(e.pubs, iid)
		e.g.Cascade(entry.ID)
	case wal.OpRelate:
		if entry.Relationship == nil {
			return nil
		}
		if _, ok := e.g.Get(entry.Relationship.ID); ok {
			return nil
		}
		e.g.Add(*entry.Relationship)
	case wal.OpUnrelate:
		e.g.Remove(entry.ID)
	case wal.OpCheckpoint:
		// Marker only.
	}
	return nil
}
