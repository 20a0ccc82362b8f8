// Package analytics observes committed mutations and derives store-wide
// statistics. The recorder is strictly passive: it never mutates the store,
// and its statistics scan is chunked and paced so it cannot starve writers.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/memgo/engine"
	"github.com/hupe1980/memgo/index"
	"github.com/hupe1980/memgo/record"
	"github.com/hupe1980/memgo/resource"
)

// DayCounts aggregates mutation counts for one calendar day (UTC).
type DayCounts struct {
	Stores    int `json:"stores"`
	Updates   int `json:"updates"`
	Deletes   int `json:"deletes"`
	Relates   int `json:"relates"`
	Unrelates int `json:"unrelates"`
}

// Stats is a point-in-time summary of the whole store.
type Stats struct {
	TotalMemories      int            `json:"totalMemories"`
	TotalRelationships int            `json:"totalRelationships"`
	MemoryTypes        map[string]int `json:"memoryTypes"`
	// ImportanceDistribution has one counter per integer importance bucket,
	// 0 through 10.
	ImportanceDistribution []int     `json:"importanceDistribution"`
	AverageImportance      float64   `json:"averageImportance"`
	StorageSize            int64     `json:"storageSize"`
	OldestMemory           time.Time `json:"oldestMemory,omitzero"`
	NewestMemory           time.Time `json:"newestMemory,omitzero"`
	GeneratedAt            time.Time `json:"generatedAt"`
}

// Options configures a Recorder.
type Options struct {
	// Controller paces the statistics scan. Nil means unpaced.
	Controller *resource.Controller

	// ChunkSize is the number of records visited between pacing and
	// cancellation checks. If 0, defaults to 256.
	ChunkSize int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Recorder implements engine.Observer and keeps per-day mutation counters.
// All methods are safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	days map[string]*DayCounts

	ctrl  *resource.Controller
	chunk int
	clock func() time.Time
}

// NewRecorder creates a recorder.
func NewRecorder(optFns ...func(o *Options)) *Recorder {
	opts := Options{
		ChunkSize: 256,
		Clock:     time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Recorder{
		days:  make(map[string]*DayCounts),
		ctrl:  opts.Controller,
		chunk: opts.ChunkSize,
		clock: opts.Clock,
	}
}

// Notify records a committed mutation under its calendar day.
func (r *Recorder) Notify(ev engine.Event) {
	day := dayKey(ev.Time)

	r.mu.Lock()
	defer r.mu.Unlock()

	counts, ok := r.days[day]
	if !ok {
		counts = &DayCounts{}
		r.days[day] = counts
	}

	switch ev.Kind {
	case engine.EventStore:
		counts.Stores++
	case engine.EventUpdate:
		counts.Updates++
	case engine.EventDelete:
		counts.Deletes++
	case engine.EventRelate:
		counts.Relates++
	case engine.EventUnrelate:
		counts.Unrelates++
	}
}

// OpsOn returns the mutation counts recorded for the day containing t.
func (r *Recorder) OpsOn(t time.Time) DayCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	if counts, ok := r.days[dayKey(t)]; ok {
		return *counts
	}
	return DayCounts{}
}

// Statistics computes a full summary of the store.
//
// The scan takes a cursor of record ids up front, then visits them in chunks
// under short read transactions, yielding to the pacing controller between
// chunks. Records deleted mid-scan are skipped; records created mid-scan are
// not visited. ctx cancellation is honored between chunks.
func (r *Recorder) Statistics(ctx context.Context, e *engine.Engine) (Stats, error) {
	if err := r.ctrl.AcquireScan(ctx); err != nil {
		return Stats{}, err
	}
	defer r.ctrl.ReleaseScan()

	stats := Stats{
		MemoryTypes:            make(map[string]int),
		ImportanceDistribution: make([]int, index.Buckets),
		GeneratedAt:            r.clock(),
	}

	var cursor []string
	err := e.View(ctx, func(v *engine.View) error {
		cursor = v.IDs()
		stats.TotalRelationships = v.RelationshipLen()
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	var importanceSum float64
	for len(cursor) > 0 {
		n := min(r.chunk, len(cursor))
		if err := r.ctrl.WaitChunk(ctx, n); err != nil {
			return Stats{}, err
		}

		chunk := cursor[:n]
		cursor = cursor[n:]

		err := e.View(ctx, func(v *engine.View) error {
			for _, id := range chunk {
				rec, ok := v.Lookup(id)
				if !ok {
					continue
				}
				accumulate(&stats, &rec)
				importanceSum += rec.Importance
			}
			return nil
		})
		if err != nil {
			return Stats{}, err
		}
	}

	if stats.TotalMemories > 0 {
		stats.AverageImportance = importanceSum / float64(stats.TotalMemories)
	}
	return stats, nil
}

func accumulate(stats *Stats, rec *record.Record) {
	stats.TotalMemories++
	stats.MemoryTypes[rec.Type]++
	stats.ImportanceDistribution[index.Bucket(rec.Importance)]++
	stats.StorageSize += rec.EstimatedSize()

	if stats.OldestMemory.IsZero() || rec.Timestamp.Before(stats.OldestMemory) {
		stats.OldestMemory = rec.Timestamp
	}
	if rec.Timestamp.After(stats.NewestMemory) {
		stats.NewestMemory = rec.Timestamp
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
