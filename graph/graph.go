// Package graph stores the directed, typed relationships between memory
// records and maintains per-direction lookup indices.
//
// The Graph holds no locks of its own: mutations run inside the engine's
// write transaction and reads under the engine's read lock. The cascade on
// record delete therefore commits atomically with the record removal, so a
// relationship can never outlive either endpoint.
package graph

import (
	"time"

	"github.com/hupe1980/memgo/index"
	"github.com/hupe1980/memgo/record"
)

// Direction selects which edges Relationships returns.
type Direction int

const (
	// Outgoing returns edges where the record is the source.
	Outgoing Direction = iota
	// Incoming returns edges where the record is the target.
	Incoming
	// Both returns the union of outgoing and incoming edges.
	Both
)

// Graph is the relationship store plus its direction indices.
type Graph struct {
	edges  map[uint32]record.Relationship
	byID   map[string]uint32
	byFrom map[string]*index.Bitmap // record id -> edge iids
	byTo   map[string]*index.Bitmap
	nextID uint32
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		edges:  make(map[uint32]record.Relationship),
		byID:   make(map[string]uint32),
		byFrom: make(map[string]*index.Bitmap),
		byTo:   make(map[string]*index.Bitmap),
	}
}

// Add inserts a relationship. Endpoint validation is the engine's job; the
// graph itself only maintains edge state and indices.
func (g *Graph) Add(rel record.Relationship) {
	g.nextID++
	iid := g.nextID
	g.edges[iid] = rel
	g.byID[rel.ID] = iid
	g.addTo(g.byFrom, rel.FromMemory, iid)
	g.addTo(g.byTo, rel.ToMemory, iid)
}

// Get returns a copy of the relationship with the given id.
func (g *Graph) Get(id string) (record.Relationship, bool) {
	iid, ok := g.byID[id]
	if !ok {
		return record.Relationship{}, false
	}
	return g.edges[iid].Clone(), true
}

// Remove deletes a single relationship by id. It reports whether the edge
// existed; removing an absent edge is a no-op.
func (g *Graph) Remove(id string) bool {
	iid, ok := g.byID[id]
	if !ok {
		return false
	}
	g.removeEdge(iid)
	return true
}

// Touch records a read access on a relationship.
func (g *Graph) Touch(id string, now time.Time) {
	iid, ok := g.byID[id]
	if !ok {
		return
	}
	rel := g.edges[iid]
	rel.AccessCount++
	rel.LastAccessed = now
	g.edges[iid] = rel
}

// Relationships returns copies of the edges touching the record in the given
// direction. Both is the deduplicated union (self-loops appear once).
func (g *Graph) Relationships(recordID string, dir Direction) []record.Relationship {
	var out []record.Relationship
	seen := make(map[uint32]struct{})

	collect := func(idx map[string]*index.Bitmap) {
		bm, ok := idx[recordID]
		if !ok {
			return
		}
		for iid := range bm.Iterator() {
			if _, dup := seen[iid]; dup {
				continue
			}
			seen[iid] = struct{}{}
			out = append(out, g.edges[iid].Clone())
		}
	}

	if dir == Outgoing || dir == Both {
		collect(g.byFrom)
	}
	if dir == Incoming || dir == Both {
		collect(g.byTo)
	}
	return out
}

// Cascade removes every edge where recordID appears as either endpoint and
// returns the removed relationships. Two index lookups, one per direction.
func (g *Graph) Cascade(recordID string) []record.Relationship {
	var removed []record.Relationship
	seen := make(map[uint32]struct{})

	for _, idx := range []map[string]*index.Bitmap{g.byFrom, g.byTo} {
		bm, ok := idx[recordID]
		if !ok {
			continue
		}
		// Materialize first: removeEdge mutates the bitmap being iterated.
		for _, iid := range bm.ToSlice() {
			if _, dup := seen[iid]; dup {
				continue
			}
			seen[iid] = struct{}{}
			removed = append(removed, g.edges[iid])
			g.removeEdge(iid)
		}
	}
	return removed
}

// All returns copies of every relationship. Used by export and statistics.
func (g *Graph) All() []record.Relationship {
	out := make([]record.Relationship, 0, len(g.edges))
	for _, rel := range g.edges {
		out = append(out, rel.Clone())
	}
	return out
}

// Len returns the number of live relationships.
func (g *Graph) Len() int {
	return len(g.edges)
}

// Clear drops every edge. Used when restoring with overwrite.
func (g *Graph) Clear() {
	g.edges = make(map[uint32]record.Relationship)
	g.byID = make(map[string]uint32)
	g.byFrom = make(map[string]*index.Bitmap)
	g.byTo = make(map[string]*index.Bitmap)
}

func (g *Graph) addTo(idx map[string]*index.Bitmap, key string, iid uint32) {
	bm, ok := idx[key]
	if !ok {
		bm = index.NewBitmap()
		idx[key] = bm
	}
	bm.Add(iid)
}

func (g *Graph) removeEdge(iid uint32) {
	rel, ok := g.edges[iid]
	if !ok {
		return
	}
	delete(g.edges, iid)
	delete(g.byID, rel.ID)
	g.removeFrom(g.byFrom, rel.FromMemory, iid)
	g.removeFrom(g.byTo, rel.ToMemory, iid)
}

func (g *Graph) removeFrom(idx map[string]*index.Bitmap, key string, iid uint32) {
	bm, ok := idx[key]
	if !ok {
		return
	}
	bm.Remove(iid)
	if bm.IsEmpty() {
		delete(idx, key)
	}
}
