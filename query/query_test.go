package query

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo/engine"
	"github.com/hupe1980/memgo/record"
)

func seedEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fixtures := []struct {
		id         string
		typ        string
		data       string
		importance float64
		tags       []string
		offset     time.Duration
	}{
		{"m1", "task", `{"text":"Buy milk"}`, 9, []string{"shopping"}, 0},
		{"m2", "task", `{"text":"Buy eggs and milk"}`, 4, []string{"shopping", "food"}, time.Hour},
		{"m3", "note", `{"text":"Meeting notes"}`, 5, []string{"work"}, 2 * time.Hour},
		{"m4", "note", `{"text":"Milk the process for insights"}`, 8, []string{"work", "food"}, 3 * time.Hour},
		{"m5", "journal", `{"text":"Quiet day"}`, 1, nil, 4 * time.Hour},
	}
	for _, fx := range fixtures {
		rec := record.New(fx.id, fx.typ, json.RawMessage(fx.data), fx.importance, fx.tags, base.Add(fx.offset))
		_, err := e.Store(context.Background(), rec)
		require.NoError(t, err)
	}
	return e
}

func ids(recs []record.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestTypeFilterUsesTypeIndex(t *testing.T) {
	e := seedEngine(t)

	recs, plan, err := ExecuteExplain(context.Background(), e, Filter{Type: "task", SortOrder: Asc})
	require.NoError(t, err)
	require.Equal(t, SeedType, plan.Seed)
	require.Equal(t, []string{"m1", "m2"}, ids(recs))
	for _, r := range recs {
		require.Equal(t, "task", r.Type)
	}
}

func TestUnknownTypeReturnsEmpty(t *testing.T) {
	e := seedEngine(t)

	recs, plan, err := ExecuteExplain(context.Background(), e, Filter{Type: "ghost"})
	require.NoError(t, err)
	require.Empty(t, recs)
	require.Equal(t, SeedType, plan.Seed)
	require.Zero(t, plan.Candidates)
}

func TestTagsAreANDSemantics(t *testing.T) {
	e := seedEngine(t)

	recs, err := Execute(context.Background(), e, Filter{Tags: []string{"work", "food"}})
	require.NoError(t, err)
	require.Equal(t, []string{"m4"}, ids(recs))
}

func TestMinImportanceSeedsImportanceIndex(t *testing.T) {
	e := seedEngine(t)

	recs, plan, err := ExecuteExplain(context.Background(), e, Filter{MinImportance: 8, SortOrder: Asc})
	require.NoError(t, err)
	require.Equal(t, SeedImportance, plan.Seed)
	require.ElementsMatch(t, []string{"m1", "m4"}, ids(recs))
}

func TestTypeIndexBeatsImportance(t *testing.T) {
	e := seedEngine(t)

	_, plan, err := ExecuteExplain(context.Background(), e, Filter{Type: "task", MinImportance: 8})
	require.NoError(t, err)
	require.Equal(t, SeedType, plan.Seed, "exact type must be the preferred seed")
	require.Equal(t, 2, plan.Candidates)
	require.Equal(t, 1, plan.Matched)
}

func TestTimestampRangeSeed(t *testing.T) {
	e := seedEngine(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	recs, plan, err := ExecuteExplain(context.Background(), e, Filter{
		Since:     base.Add(time.Hour),
		Until:     base.Add(3 * time.Hour),
		SortOrder: Asc,
	})
	require.NoError(t, err)
	require.Equal(t, SeedTimestamp, plan.Seed)
	require.Equal(t, []string{"m2", "m3", "m4"}, ids(recs), "range is inclusive on both ends")
}

func TestFullScanFallback(t *testing.T) {
	e := seedEngine(t)

	recs, plan, err := ExecuteExplain(context.Background(), e, Filter{Text: "milk"})
	require.NoError(t, err)
	require.Equal(t, SeedScan, plan.Seed)
	require.ElementsMatch(t, []string{"m1", "m2", "m4"}, ids(recs))
}

func TestSortByImportanceDesc(t *testing.T) {
	e := seedEngine(t)

	recs, err := Execute(context.Background(), e, Filter{SortBy: SortImportance, SortOrder: Desc})
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m4", "m3", "m2", "m5"}, ids(recs))
}

func TestSortByRelevance(t *testing.T) {
	e := seedEngine(t)

	recs, err := Execute(context.Background(), e, Filter{
		Text:      "milk",
		SortBy:    SortRelevance,
		SortOrder: Desc,
	})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// m1 (importance 9) outranks m2 (4) at equal term frequency.
	require.Equal(t, "m1", recs[0].ID)
}

func TestDeterministicTieBreak(t *testing.T) {
	e, err := engine.Open(engine.Options{})
	require.NoError(t, err)
	defer e.Close()

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := record.New(fmt.Sprintf("r%d", i), "t", json.RawMessage(`{}`), 5, nil, ts)
		_, err := e.Store(context.Background(), rec)
		require.NoError(t, err)
	}

	recs, err := Execute(context.Background(), e, Filter{SortBy: SortTimestamp, SortOrder: Asc})
	require.NoError(t, err)
	require.Equal(t, []string{"r0", "r1", "r2", "r3", "r4"}, ids(recs),
		"equal sort keys must fall back to id order")
}

func TestPagination(t *testing.T) {
	e := seedEngine(t)
	f := Filter{SortBy: SortTimestamp, SortOrder: Asc}

	f.Limit, f.Offset = 2, 0
	page1, err := Execute(context.Background(), e, f)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, ids(page1))

	f.Offset = 2
	page2, err := Execute(context.Background(), e, f)
	require.NoError(t, err)
	require.Equal(t, []string{"m3", "m4"}, ids(page2))

	f.Offset = 99
	empty, err := Execute(context.Background(), e, f)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestQueryDoesNotBumpAccessCount(t *testing.T) {
	e := seedEngine(t)

	_, err := Execute(context.Background(), e, Filter{Type: "task"})
	require.NoError(t, err)

	err = e.View(context.Background(), func(v *engine.View) error {
		rec, ok := v.Lookup("m1")
		require.True(t, ok)
		require.Zero(t, rec.AccessCount)
		return nil
	})
	require.NoError(t, err)
}
