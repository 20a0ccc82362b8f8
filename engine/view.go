package engine

import (
	"context"

	"github.com/hupe1980/memgo/graph"
	"github.com/hupe1980/memgo/index"
	"github.com/hupe1980/memgo/record"
)

// View is a consistent read transaction. It is only valid inside the
// callback passed to Engine.View; every record it hands out is a copy.
type View struct {
	e *Engine
}

// View runs fn under the engine's read lock. Readers observe a consistent
// snapshot and do not block each other; they do block writers for the
// duration of fn, so callbacks must stay short (chunked scans re-enter).
func (e *Engine) View(ctx context.Context, fn func(*View) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return fn(&View{e: e})
}

// Index exposes the secondary indices for query planning. The returned
// manager must not be mutated and must not escape the view.
func (v *View) Index() *index.Manager {
	return v.e.idx
}

// Len returns the number of live records.
func (v *View) Len() int {
	return len(v.e.records)
}

// RelationshipLen returns the number of live relationships.
func (v *View) RelationshipLen() int {
	return v.e.g.Len()
}

// Lookup returns a copy of the record with the given public id. It does not
// bump access metadata; that is Get's job.
func (v *View) Lookup(id string) (record.Record, bool) {
	rec, ok := v.e.records[id]
	if !ok {
		return record.Record{}, false
	}
	return rec.Clone(), true
}

// Resolve returns a copy of the record with the given internal id.
func (v *View) Resolve(iid uint32) (record.Record, bool) {
	pub, ok := v.e.pubs[iid]
	if !ok {
		return record.Record{}, false
	}
	return v.e.records[pub].Clone(), true
}

// IDs returns every live public id. The slice is a fresh copy and safe to
// keep as a scan cursor after the view ends.
func (v *View) IDs() []string {
	out := make([]string, 0, len(v.e.records))
	for id := range v.e.records {
		out = append(out, id)
	}
	return out
}

// HasRelationship reports whether a relationship with the given id exists.
func (v *View) HasRelationship(id string) bool {
	_, ok := v.e.g.Get(id)
	return ok
}

// Relationships returns copies of the edges touching id, without access
// tracking.
func (v *View) Relationships(id string, dir graph.Direction) []record.Relationship {
	return v.e.g.Relationships(id, dir)
}

// AllRelationships returns copies of every relationship.
func (v *View) AllRelationships() []record.Relationship {
	return v.e.g.All()
}
