package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/memgo/record"
)

func testRecord(id string) *record.Record {
	r := record.New(id, "task", json.RawMessage(`{"text":"x"}`), 5, nil, time.Now())
	return &r
}

func replayAll(t *testing.T, w *WAL) []Entry {
	t.Helper()
	var got []Entry
	if err := w.Replay(func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	return got
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) { o.Path = dir })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := w.Append(Entry{Type: OpStore, Record: testRecord("a")}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := w.Append(Entry{Type: OpDelete, ID: "a"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got := replayAll(t, w)
	if len(got) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(got))
	}
	if got[0].Type != OpStore || got[0].Record == nil || got[0].Record.ID != "a" {
		t.Fatalf("entry 0 wrong: %+v", got[0])
	}
	if got[1].Type != OpDelete || got[1].ID != "a" {
		t.Fatalf("entry 1 wrong: %+v", got[1])
	}
	if got[0].SeqNum != 1 || got[1].SeqNum != 2 {
		t.Fatal("sequence numbers not monotonic from 1")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) { o.Path = dir })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	seq, err := w.Append(Entry{Type: OpStore, Record: testRecord("a")})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq = %d, want 1", seq)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	w2, err := New(func(o *Options) { o.Path = dir })
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer w2.Close()

	seq, err = w2.Append(Entry{Type: OpStore, Record: testRecord("b")})
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if seq != 2 {
		t.Fatalf("seq after reopen = %d, want 2", seq)
	}
	if got := replayAll(t, w2); len(got) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(got))
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) {
		o.Path = dir
		o.Compress = true
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	for i := 0; i < 10; i++ {
		if _, err := w.Append(Entry{Type: OpStore, Record: testRecord("r")}); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	if got := replayAll(t, w); len(got) != 10 {
		t.Fatalf("replayed %d entries, want 10", len(got))
	}
}

func TestCheckpointTruncates(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) { o.Path = dir })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(Entry{Type: OpStore, Record: testRecord("a")}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := w.Checkpoint(); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if got := replayAll(t, w); len(got) != 0 {
		t.Fatalf("replayed %d entries after checkpoint, want 0", len(got))
	}

	// The log keeps working after a checkpoint.
	if _, err := w.Append(Entry{Type: OpStore, Record: testRecord("b")}); err != nil {
		t.Fatalf("append after checkpoint failed: %v", err)
	}
	if got := replayAll(t, w); len(got) != 1 {
		t.Fatalf("replayed %d entries, want 1", len(got))
	}
}

func TestTruncatedTailIgnored(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) { o.Path = dir })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := w.Append(Entry{Type: OpStore, Record: testRecord("a")}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Chop a few bytes off the end, simulating a crash mid-write.
	path := filepath.Join(dir, fileName)
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if err := os.Truncate(path, st.Size()-3); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	w2, err := New(func(o *Options) { o.Path = dir })
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer w2.Close()

	if got := replayAll(t, w2); len(got) != 0 {
		t.Fatalf("replayed %d entries from truncated log, want 0", len(got))
	}
}
