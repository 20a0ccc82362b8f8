// Package query resolves filter/sort/paginate requests against the storage
// engine.
//
// Execution order is fixed: seed the candidate set from the single most
// selective index, apply the remaining predicates in memory, sort with the
// record id as deterministic tie-breaker, then paginate. Query cost tracks
// index selectivity instead of store size whenever an index applies.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/memgo/engine"
	"github.com/hupe1980/memgo/record"
)

// SortKey selects the sort dimension.
type SortKey string

const (
	// SortTimestamp sorts by creation time. It is the default.
	SortTimestamp SortKey = "timestamp"
	// SortImportance sorts by importance.
	SortImportance SortKey = "importance"
	// SortAccessCount sorts by access count.
	SortAccessCount SortKey = "accessCount"
	// SortRelevance sorts by a text-match score against Filter.Text.
	SortRelevance SortKey = "relevance"
)

// SortOrder selects ascending or descending order.
type SortOrder string

const (
	// Asc sorts ascending.
	Asc SortOrder = "asc"
	// Desc sorts descending. It is the default.
	Desc SortOrder = "desc"
)

// Filter describes an ad-hoc query.
type Filter struct {
	// Text matches case-insensitively against the serialized payload.
	Text string
	// Type requires an exact type match.
	Type string
	// Tags requires every listed tag to be present (AND semantics).
	Tags []string
	// MinImportance is an inclusive lower bound. Zero means no bound.
	MinImportance float64
	// Since/Until bound the creation timestamp, inclusive. Zero values
	// leave the corresponding side open.
	Since time.Time
	Until time.Time

	Limit  int
	Offset int

	SortBy    SortKey
	SortOrder SortOrder
}

// Seed identifies which index seeded the candidate set.
type Seed string

const (
	// SeedType means the exact-type index was used.
	SeedType Seed = "type"
	// SeedImportance means the importance buckets were used.
	SeedImportance Seed = "importance"
	// SeedTimestamp means the timestamp range index was used.
	SeedTimestamp Seed = "timestamp"
	// SeedScan means no index applied and the full store was scanned.
	SeedScan Seed = "scan"
)

// Plan reports how a query executed.
type Plan struct {
	Seed       Seed
	Candidates int
	Matched    int
}

// Execute runs the query and returns matching records in order.
func Execute(ctx context.Context, e *engine.Engine, f Filter) ([]record.Record, error) {
	recs, _, err := ExecuteExplain(ctx, e, f)
	return recs, err
}

// ExecuteExplain runs the query and additionally reports the execution plan.
func ExecuteExplain(ctx context.Context, e *engine.Engine, f Filter) ([]record.Record, Plan, error) {
	var out []record.Record
	var plan Plan

	err := e.View(ctx, func(v *engine.View) error {
		candidates := seed(v, f, &plan)
		plan.Candidates = len(candidates)

		matched := candidates[:0]
		for _, rec := range candidates {
			if matches(&rec, f) {
				matched = append(matched, rec)
			}
		}
		plan.Matched = len(matched)

		sortRecords(matched, f)
		out = paginate(matched, f)
		return nil
	})
	if err != nil {
		return nil, Plan{}, err
	}
	return out, plan, nil
}

// seed picks the most selective available index, in priority order: exact
// type, importance lower bound, timestamp range, full scan.
func seed(v *engine.View, f Filter, plan *Plan) []record.Record {
	idx := v.Index()

	resolve := func(iids []uint32) []record.Record {
		out := make([]record.Record, 0, len(iids))
		for _, iid := range iids {
			if rec, ok := v.Resolve(iid); ok {
				out = append(out, rec)
			}
		}
		return out
	}

	switch {
	case f.Type != "":
		plan.Seed = SeedType
		bm := idx.ByType(f.Type)
		if bm == nil {
			return nil
		}
		return resolve(bm.ToSlice())

	case f.MinImportance > 0:
		plan.Seed = SeedImportance
		return resolve(idx.ByMinImportance(f.MinImportance).ToSlice())

	case !f.Since.IsZero() || !f.Until.IsZero():
		plan.Seed = SeedTimestamp
		return resolve(idx.ByTimeRange(f.Since, f.Until))

	default:
		plan.Seed = SeedScan
		out := make([]record.Record, 0, v.Len())
		for _, id := range v.IDs() {
			if rec, ok := v.Lookup(id); ok {
				out = append(out, rec)
			}
		}
		return out
	}
}

// matches applies every predicate not already guaranteed by the seed index.
// Re-checking the seed predicate is harmless and keeps this exhaustive.
func matches(rec *record.Record, f Filter) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if rec.Importance < f.MinImportance {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	for _, tag := range f.Tags {
		if !rec.HasTag(tag) {
			return false
		}
	}
	if f.Text != "" && !strings.Contains(strings.ToLower(string(rec.Data)), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

func sortRecords(recs []record.Record, f Filter) {
	key := f.SortBy
	if key == "" {
		key = SortTimestamp
	}
	order := f.SortOrder
	if order == "" {
		order = Desc
	}

	less := func(a, b *record.Record) bool {
		switch key {
		case SortImportance:
			if a.Importance != b.Importance {
				return a.Importance < b.Importance
			}
		case SortAccessCount:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
		case SortRelevance:
			ra, rb := relevance(a, f.Text), relevance(b, f.Text)
			if ra != rb {
				return ra < rb
			}
		default:
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
		}
		// Deterministic tie-breaker, independent of sort order.
		return a.ID < b.ID
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if order == Desc {
			return less(&recs[j], &recs[i])
		}
		return less(&recs[i], &recs[j])
	})
}

// relevance scores a record against the query text: term frequency of query
// tokens in the payload, with importance as a weak secondary component.
func relevance(rec *record.Record, text string) float64 {
	if text == "" {
		return rec.Importance
	}
	payload := strings.ToLower(string(rec.Data))
	var score float64
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		score += float64(strings.Count(payload, tok))
	}
	return score + rec.Importance/record.MaxImportance
}

func paginate(recs []record.Record, f Filter) []record.Record {
	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return nil
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(recs) {
		recs = recs[:f.Limit]
	}
	return recs
}
