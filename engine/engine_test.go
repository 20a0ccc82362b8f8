package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo/graph"
	"github.com/hupe1980/memgo/record"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func storeRecord(t *testing.T, e *Engine, typ string, data string, importance float64, tags ...string) record.Record {
	t.Helper()
	rec := record.New(uuid.NewString(), typ, json.RawMessage(data), importance, tags, time.Now())
	stored, err := e.Store(context.Background(), rec)
	require.NoError(t, err)
	return stored
}

func TestStoreThenGet(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	stored := storeRecord(t, e, "task", `{"text":"Buy milk"}`, 9, "shopping")
	require.Equal(t, int64(1), stored.Meta.Version)

	got, err := e.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, stored.ID, got.ID)
	require.JSONEq(t, `{"text":"Buy milk"}`, string(got.Data))
	require.Equal(t, int64(1), got.AccessCount, "get must bump access count")
	require.False(t, got.LastAccessed.Before(stored.LastAccessed))
}

func TestGetNotFound(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreExistingIDReplacesWholesale(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	stored := storeRecord(t, e, "task", `{"n":1}`, 7, "keep", "stale")

	again := record.New(stored.ID, "note", json.RawMessage(`{"n":2}`), 3, nil, time.Now())
	updated, err := e.Store(ctx, again)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Meta.Version, "re-store of existing id must bump version")
	require.JSONEq(t, `{"n":2}`, string(updated.Data))
	require.Equal(t, "note", updated.Type)
	require.Equal(t, 3.0, updated.Importance)
	require.Empty(t, updated.Tags, "zero fields of the incoming record must win")
	require.True(t, updated.LastModified.After(stored.LastModified))

	// The type index must follow the replacement.
	got, err := e.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, "note", got.Type)
}

func TestUpdate(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	stored := storeRecord(t, e, "task", `{"n":1}`, 5)

	imp := 8.0
	updated, err := e.Update(ctx, stored.ID, record.Patch{Importance: &imp})
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Meta.Version)
	require.Equal(t, 8.0, updated.Importance)
	require.True(t, updated.LastModified.After(stored.LastModified),
		"LastModified must be strictly later")

	_, err = e.Update(ctx, "missing", record.Patch{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVersionIncrementsByExactlyOne(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	stored := storeRecord(t, e, "task", `{"n":0}`, 5)
	for i := 1; i <= 5; i++ {
		updated, err := e.Update(ctx, stored.ID, record.Patch{})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), updated.Meta.Version)
	}
}

func TestDeleteIdempotentAndCascades(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	a := storeRecord(t, e, "task", `{"t":"a"}`, 5)
	b := storeRecord(t, e, "note", `{"t":"b"}`, 5)

	rel := record.Relationship{ID: uuid.NewString(), FromMemory: a.ID, ToMemory: b.ID, Type: "related", Strength: 1}
	_, err := e.Relate(ctx, rel)
	require.NoError(t, err)

	ok, err := e.Delete(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Delete(ctx, b.ID)
	require.NoError(t, err)
	require.False(t, ok, "second delete must report false")

	_, err = e.Get(ctx, b.ID)
	require.ErrorIs(t, err, ErrNotFound)

	rels, err := e.Relationships(ctx, a.ID, graph.Both)
	require.NoError(t, err)
	require.Empty(t, rels, "cascade must remove edges touching the deleted record")
}

func TestRelateValidatesEndpoints(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	a := storeRecord(t, e, "task", `{}`, 5)

	rel := record.Relationship{ID: uuid.NewString(), FromMemory: a.ID, ToMemory: "ghost", Type: "related"}
	_, err := e.Relate(ctx, rel)

	var epErr *EndpointError
	require.ErrorAs(t, err, &epErr)
	require.Equal(t, "ghost", epErr.ID)

	rels, err := e.Relationships(ctx, a.ID, graph.Both)
	require.NoError(t, err)
	require.Empty(t, rels, "failed relate must create nothing")
}

func TestRelationshipsDirections(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	a := storeRecord(t, e, "task", `{}`, 5)
	b := storeRecord(t, e, "note", `{}`, 5)

	rel := record.Relationship{ID: uuid.NewString(), FromMemory: a.ID, ToMemory: b.ID, Type: "related", Strength: 1}
	created, err := e.Relate(ctx, rel)
	require.NoError(t, err)

	out, err := e.Relationships(ctx, a.ID, graph.Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, created.ID, out[0].ID)
	require.Equal(t, int64(1), out[0].AccessCount, "listing must track access")

	in, err := e.Relationships(ctx, a.ID, graph.Incoming)
	require.NoError(t, err)
	require.Empty(t, in)

	err = e.View(ctx, func(v *View) error {
		require.True(t, v.HasRelationship(created.ID))
		require.False(t, v.HasRelationship("nope"))
		return nil
	})
	require.NoError(t, err)
}

func TestUnrelate(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	a := storeRecord(t, e, "task", `{}`, 5)
	b := storeRecord(t, e, "note", `{}`, 5)
	rel, err := e.Relate(ctx, record.Relationship{ID: uuid.NewString(), FromMemory: a.ID, ToMemory: b.ID, Type: "related"})
	require.NoError(t, err)

	ok, err := e.Unrelate(ctx, rel.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Unrelate(ctx, rel.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClosedEngine(t *testing.T) {
	e, err := Open(Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Get(context.Background(), "x")
	require.ErrorIs(t, err, ErrClosed)

	_, err = e.Store(context.Background(), record.New("x", "t", json.RawMessage(`{}`), 5, nil, time.Now()))
	require.ErrorIs(t, err, ErrClosed)
}

type captureObserver struct {
	events []Event
}

func (c *captureObserver) Notify(ev Event) { c.events = append(c.events, ev) }

func TestObserverSeesMutations(t *testing.T) {
	obs := &captureObserver{}
	e := newEngine(t, Options{Observer: obs})
	ctx := context.Background()

	a := storeRecord(t, e, "task", `{}`, 5)
	_, err := e.Update(ctx, a.ID, record.Patch{})
	require.NoError(t, err)
	_, err = e.Delete(ctx, a.ID)
	require.NoError(t, err)

	kinds := make([]EventKind, 0, len(obs.events))
	for _, ev := range obs.events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []EventKind{EventStore, EventUpdate, EventDelete}, kinds)
}

func TestInferenceCreatesEdges(t *testing.T) {
	e := newEngine(t, Options{Inferrer: graph.SimilarityInferrer{Threshold: 0.5}})
	ctx := context.Background()

	first := storeRecord(t, e, "note", `{"text":"weekly grocery shopping list"}`, 5)
	second := storeRecord(t, e, "note", `{"text":"weekly grocery shopping list"}`, 5)

	rels, err := e.Relationships(ctx, second.ID, graph.Outgoing)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, first.ID, rels[0].ToMemory)
	require.Equal(t, "similar", rels[0].Type)
}

func TestWALRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Open(Options{Dir: dir, WAL: true})
	require.NoError(t, err)

	a := storeRecord(t, e, "task", `{"text":"persisted"}`, 7, "x")
	b := storeRecord(t, e, "note", `{"text":"gone"}`, 3)
	_, err = e.Relate(ctx, record.Relationship{ID: uuid.NewString(), FromMemory: a.ID, ToMemory: b.ID, Type: "related"})
	require.NoError(t, err)
	_, err = e.Delete(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(Options{Dir: dir, WAL: true})
	require.NoError(t, err)
	defer e2.Close()

	got, err := e2.Get(ctx, a.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"persisted"}`, string(got.Data))

	_, err = e2.Get(ctx, b.ID)
	require.ErrorIs(t, err, ErrNotFound)

	rels, err := e2.Relationships(ctx, a.ID, graph.Both)
	require.NoError(t, err)
	require.Empty(t, rels, "cascade must be re-derived on replay")
}

func TestCheckpointThenReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Open(Options{Dir: dir, WAL: true})
	require.NoError(t, err)

	a := storeRecord(t, e, "task", `{"text":"snap"}`, 7)
	require.NoError(t, err)
	require.NoError(t, e.Checkpoint(ctx))

	// A post-checkpoint mutation lands in the WAL only.
	b := storeRecord(t, e, "note", `{"text":"walled"}`, 3)
	require.NoError(t, e.Close())

	e2, err := Open(Options{Dir: dir, WAL: true})
	require.NoError(t, err)
	defer e2.Close()

	for _, id := range []string{a.ID, b.ID} {
		_, err := e2.Get(ctx, id)
		require.NoError(t, err, "record %s must survive checkpoint+reopen", id)
	}
}

func TestSnapshotPersistsWithoutWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	a := storeRecord(t, e, "task", `{"text":"kept"}`, 7)
	require.NoError(t, e.Close())

	e2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	got, err := e2.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Meta.Hash, got.Meta.Hash)
}

func TestCloseDoesNotDropAcknowledgedWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e, err := Open(Options{Dir: dir})
	require.NoError(t, err)

	// Writers race the shutdown; every store acknowledged with a nil error
	// must be present after reopen.
	var mu sync.Mutex
	var acked []string
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec := record.New(uuid.NewString(), "task", json.RawMessage(`{}`), 5, nil, time.Now())
				if _, err := e.Store(ctx, rec); err != nil {
					return
				}
				mu.Lock()
				acked = append(acked, rec.ID)
				mu.Unlock()
			}
		}()
	}

	time.Sleep(time.Millisecond)
	require.NoError(t, e.Close())
	wg.Wait()

	e2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	for _, id := range acked {
		_, err := e2.Get(ctx, id)
		require.NoError(t, err, "acknowledged store %s missing after close", id)
	}
}

func TestContextCancellation(t *testing.T) {
	e := newEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Get(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)

	err = e.View(ctx, func(*View) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestViewConsistency(t *testing.T) {
	e := newEngine(t, Options{})
	a := storeRecord(t, e, "task", `{}`, 5)

	err := e.View(context.Background(), func(v *View) error {
		require.Equal(t, 1, v.Len())
		rec, ok := v.Lookup(a.ID)
		require.True(t, ok)
		require.Zero(t, rec.AccessCount, "view lookups must not bump access count")

		if !errors.Is(context.Background().Err(), nil) {
			t.Fatal("unexpected context state")
		}
		return nil
	})
	require.NoError(t, err)
}
