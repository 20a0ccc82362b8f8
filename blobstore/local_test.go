package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Open(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound) || err != nil)

	require.NoError(t, store.Put(ctx, "backups/a", []byte("alpha")))
	require.NoError(t, store.Put(ctx, "backups/b", []byte("beta")))
	require.NoError(t, store.Put(ctx, "exports/c", []byte("gamma")))

	blob, err := store.Open(ctx, "backups/a")
	require.NoError(t, err)
	require.Equal(t, int64(5), blob.Size())
	data, err := ReadAll(blob)
	require.NoError(t, err)
	require.Equal(t, "alpha", string(data))

	names, err := store.List(ctx, "backups/")
	require.NoError(t, err)
	require.Equal(t, []string{"backups/a", "backups/b"}, names)

	// Overwrite is atomic from the reader's point of view.
	require.NoError(t, store.Put(ctx, "backups/a", []byte("alpha2")))
	blob, err = store.Open(ctx, "backups/a")
	require.NoError(t, err)
	data, err = ReadAll(blob)
	require.NoError(t, err)
	require.Equal(t, "alpha2", string(data))

	require.NoError(t, store.Delete(ctx, "backups/a"))
	require.NoError(t, store.Delete(ctx, "backups/a"), "delete must be idempotent")
	_, err = store.Open(ctx, "backups/a")
	require.Error(t, err)
}

func testStreamingCreate(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	w, err := store.Create(ctx, "stream/blob")
	require.NoError(t, err)
	_, err = io.WriteString(w, "part one ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "part two")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	blob, err := store.Open(ctx, "stream/blob")
	require.NoError(t, err)
	data, err := ReadAll(blob)
	require.NoError(t, err)
	require.Equal(t, "part one part two", string(data))
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
	testStreamingCreate(t, store)
}

func TestLocalStoreTempFilesHidden(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	w, err := store.Create(ctx, "pending")
	require.NoError(t, err)
	_, err = io.WriteString(w, "half")
	require.NoError(t, err)

	// Before Close the blob must not be listed or readable.
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, names)
	_, err = store.Open(ctx, "pending")
	require.Error(t, err)

	require.NoError(t, w.Close())
	names, err = store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"pending"}, names)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStore(t, store)
	testStreamingCreate(t, store)
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data := []byte("original")
	require.NoError(t, store.Put(ctx, "x", data))
	data[0] = 'X'

	blob, err := store.Open(ctx, "x")
	require.NoError(t, err)
	got, err := ReadAll(blob)
	require.NoError(t, err)
	require.Equal(t, "original", string(got))
}

func TestContextCancellation(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, store.Put(ctx, "x", nil), context.Canceled)
	_, err := store.Open(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	_, err = store.List(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
}
