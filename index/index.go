// Package index maintains the secondary lookup structures for memory records:
// type and tag posting lists (roaring bitmaps), importance buckets, an
// ordered creation-timestamp index, and a content-hash map.
//
// The Manager holds no locks of its own. All mutations happen inside the
// engine's write transaction, and all reads under the engine's read lock, so
// an index entry can never be observed out of sync with the record store.
package index

import (
	"math"
	"slices"
	"time"

	"github.com/hupe1980/memgo/record"
)

// Buckets is the number of importance buckets. Importance is clamped to
// [0,10], so floor(importance) yields bucket 0..10.
const Buckets = 11

// tsEntry is one entry in the ordered timestamp index.
type tsEntry struct {
	ts time.Time
	id uint32
}

// Manager keeps every secondary index for the record store.
type Manager struct {
	byType       map[string]*Bitmap
	byTag        map[string]*Bitmap
	byImportance [Buckets]*Bitmap
	byTime       []tsEntry // ordered by (ts, id)
	byHash       map[string]uint32
}

// NewManager creates an empty index manager.
func NewManager() *Manager {
	m := &Manager{
		byType: make(map[string]*Bitmap),
		byTag:  make(map[string]*Bitmap),
		byHash: make(map[string]uint32),
	}
	for i := range m.byImportance {
		m.byImportance[i] = NewBitmap()
	}
	return m
}

// Bucket returns the importance bucket for the given (clamped) importance.
func Bucket(importance float64) int {
	b := int(math.Floor(record.ClampImportance(importance)))
	if b >= Buckets {
		b = Buckets - 1
	}
	return b
}

// Add indexes a newly stored record under the internal id.
func (m *Manager) Add(id uint32, rec *record.Record) {
	m.bitmapFor(m.byType, rec.Type).Add(id)
	for _, tag := range rec.Tags {
		m.bitmapFor(m.byTag, tag).Add(id)
	}
	m.byImportance[Bucket(rec.Importance)].Add(id)
	m.insertTime(rec.Timestamp, id)
	m.byHash[rec.Meta.Hash] = id
}

// Remove drops every index entry referencing the record.
func (m *Manager) Remove(id uint32, rec *record.Record) {
	m.removeFrom(m.byType, rec.Type, id)
	for _, tag := range rec.Tags {
		m.removeFrom(m.byTag, tag, id)
	}
	m.byImportance[Bucket(rec.Importance)].Remove(id)
	m.removeTime(rec.Timestamp, id)
	if m.byHash[rec.Meta.Hash] == id {
		delete(m.byHash, rec.Meta.Hash)
	}
}

// Update re-indexes a record whose fields changed. The creation timestamp is
// immutable, so the timestamp index is left alone.
func (m *Manager) Update(id uint32, old, updated *record.Record) {
	if old.Type != updated.Type {
		m.removeFrom(m.byType, old.Type, id)
		m.bitmapFor(m.byType, updated.Type).Add(id)
	}
	if !slices.Equal(old.Tags, updated.Tags) {
		for _, tag := range old.Tags {
			m.removeFrom(m.byTag, tag, id)
		}
		for _, tag := range updated.Tags {
			m.bitmapFor(m.byTag, tag).Add(id)
		}
	}
	if ob, nb := Bucket(old.Importance), Bucket(updated.Importance); ob != nb {
		m.byImportance[ob].Remove(id)
		m.byImportance[nb].Add(id)
	}
	if old.Meta.Hash != updated.Meta.Hash {
		if m.byHash[old.Meta.Hash] == id {
			delete(m.byHash, old.Meta.Hash)
		}
		m.byHash[updated.Meta.Hash] = id
	}
}

// ByType returns the posting list for an exact type match, or nil when the
// type is unknown.
func (m *Manager) ByType(typ string) *Bitmap {
	return m.byType[typ]
}

// ByTag returns the posting list for a tag, or nil when the tag is unknown.
func (m *Manager) ByTag(tag string) *Bitmap {
	return m.byTag[tag]
}

// ByMinImportance returns the union of all buckets at or above the floor of
// min. The result is a fresh bitmap owned by the caller.
func (m *Manager) ByMinImportance(min float64) *Bitmap {
	out := NewBitmap()
	for b := Bucket(min); b < Buckets; b++ {
		out.Or(m.byImportance[b])
	}
	return out
}

// ByTimeRange returns the internal ids of records created within the
// inclusive [since, until] range, in creation order.
func (m *Manager) ByTimeRange(since, until time.Time) []uint32 {
	lo, _ := slices.BinarySearchFunc(m.byTime, tsEntry{ts: since}, compareTs)
	var out []uint32
	for i := lo; i < len(m.byTime); i++ {
		if !until.IsZero() && m.byTime[i].ts.After(until) {
			break
		}
		out = append(out, m.byTime[i].id)
	}
	return out
}

// ByHash returns the internal id of the record with the given content hash.
func (m *Manager) ByHash(hash string) (uint32, bool) {
	id, ok := m.byHash[hash]
	return id, ok
}

// RecentIDs returns up to n internal ids in reverse creation order.
func (m *Manager) RecentIDs(n int) []uint32 {
	if n > len(m.byTime) {
		n = len(m.byTime)
	}
	out := make([]uint32, 0, n)
	for i := len(m.byTime) - 1; i >= len(m.byTime)-n; i-- {
		out = append(out, m.byTime[i].id)
	}
	return out
}

// Len returns the number of entries in the timestamp index, which equals the
// number of indexed records.
func (m *Manager) Len() int {
	return len(m.byTime)
}

// Clear drops every index entry. Used when restoring with overwrite.
func (m *Manager) Clear() {
	m.byType = make(map[string]*Bitmap)
	m.byTag = make(map[string]*Bitmap)
	for i := range m.byImportance {
		m.byImportance[i] = NewBitmap()
	}
	m.byTime = m.byTime[:0]
	m.byHash = make(map[string]uint32)
}

func (m *Manager) bitmapFor(idx map[string]*Bitmap, key string) *Bitmap {
	bm, ok := idx[key]
	if !ok {
		bm = NewBitmap()
		idx[key] = bm
	}
	return bm
}

func (m *Manager) removeFrom(idx map[string]*Bitmap, key string, id uint32) {
	bm, ok := idx[key]
	if !ok {
		return
	}
	bm.Remove(id)
	if bm.IsEmpty() {
		delete(idx, key)
	}
}

func compareTs(a, b tsEntry) int {
	if c := a.ts.Compare(b.ts); c != 0 {
		return c
	}
	switch {
	case a.id < b.id:
		return -1
	case a.id > b.id:
		return 1
	default:
		return 0
	}
}

func (m *Manager) insertTime(ts time.Time, id uint32) {
	e := tsEntry{ts: ts, id: id}
	pos, _ := slices.BinarySearchFunc(m.byTime, e, compareTs)
	m.byTime = slices.Insert(m.byTime, pos, e)
}

func (m *Manager) removeTime(ts time.Time, id uint32) {
	e := tsEntry{ts: ts, id: id}
	pos, ok := slices.BinarySearchFunc(m.byTime, e, compareTs)
	if ok {
		m.byTime = slices.Delete(m.byTime, pos, pos+1)
	}
}
