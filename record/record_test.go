package record

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClampImportance(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"below range", -3, 0},
		{"lower bound", 0, 0},
		{"in range", 7.5, 7.5},
		{"upper bound", 10, 10},
		{"above range", 42, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampImportance(tt.in); got != tt.want {
				t.Fatalf("ClampImportance(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("NormalizeTags returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NormalizeTags returned %v, want %v", got, want)
		}
	}

	if NormalizeTags(nil) != nil {
		t.Fatal("NormalizeTags(nil) should return nil")
	}
}

func TestNew(t *testing.T) {
	now := time.Now()
	data := json.RawMessage(`{"text":"Buy milk"}`)
	r := New("id1", "task", data, 15, []string{"shopping"}, now)

	if r.Meta.Version != 1 {
		t.Fatalf("new record version = %d, want 1", r.Meta.Version)
	}
	if r.Importance != 10 {
		t.Fatalf("importance not clamped: %v", r.Importance)
	}
	if r.Meta.Hash != ContentHash(data) {
		t.Fatal("content hash mismatch")
	}
	if !r.Timestamp.Equal(now) || !r.LastModified.Equal(now) || !r.LastAccessed.Equal(now) {
		t.Fatal("timestamps not initialized to now")
	}
}

func TestApplyPatch(t *testing.T) {
	now := time.Now()
	r := New("id1", "task", json.RawMessage(`{"a":1}`), 5, []string{"x"}, now)
	oldHash := r.Meta.Hash

	imp := 20.0
	typ := "note"
	later := now.Add(time.Second)
	r.ApplyPatch(Patch{
		Type:       &typ,
		Data:       json.RawMessage(`{"a":2}`),
		Importance: &imp,
		Tags:       []string{"y", "x"},
	}, later)

	if r.Meta.Version != 2 {
		t.Fatalf("version = %d, want 2", r.Meta.Version)
	}
	if r.Type != "note" {
		t.Fatalf("type = %q, want note", r.Type)
	}
	if r.Importance != 10 {
		t.Fatalf("importance not clamped on patch: %v", r.Importance)
	}
	if r.Meta.Hash == oldHash {
		t.Fatal("hash not recomputed after payload change")
	}
	if !r.LastModified.After(now) {
		t.Fatal("LastModified not refreshed")
	}
	if !r.HasTag("x") || !r.HasTag("y") || r.HasTag("z") {
		t.Fatal("tags not merged correctly")
	}
}

func TestApplyPatchPartial(t *testing.T) {
	now := time.Now()
	r := New("id1", "task", json.RawMessage(`{"a":1}`), 5, []string{"x"}, now)
	hash := r.Meta.Hash

	r.ApplyPatch(Patch{}, now.Add(time.Millisecond))

	if r.Meta.Version != 2 {
		t.Fatalf("empty patch must still bump version, got %d", r.Meta.Version)
	}
	if r.Type != "task" || r.Importance != 5 || r.Meta.Hash != hash {
		t.Fatal("empty patch must not change fields")
	}
}

func TestCloneIsolation(t *testing.T) {
	now := time.Now()
	r := New("id1", "task", json.RawMessage(`{"a":1}`), 5, []string{"x"}, now)

	c := r.Clone()
	c.Data[0] = '!'
	c.Tags[0] = "mutated"

	if r.Data[0] == '!' || r.Tags[0] == "mutated" {
		t.Fatal("Clone must not share backing arrays")
	}
}

func TestTouch(t *testing.T) {
	now := time.Now()
	r := New("id1", "task", json.RawMessage(`{}`), 5, nil, now)

	later := now.Add(time.Minute)
	r.Touch(later)
	r.Touch(later)

	if r.AccessCount != 2 {
		t.Fatalf("access count = %d, want 2", r.AccessCount)
	}
	if !r.LastAccessed.Equal(later) {
		t.Fatal("LastAccessed not refreshed")
	}
}
