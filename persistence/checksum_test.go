package persistence

import (
	"bytes"
	"io"
	"testing"
)

func TestChecksumRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox")

	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)
	if _, err := cw.Write(data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if cw.Sum() != Checksum(data) {
		t.Fatal("writer checksum disagrees with one-shot checksum")
	}

	cr := NewChecksumReader(&buf)
	if _, err := io.ReadAll(cr); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := cr.Verify(Checksum(data)); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestChecksumMismatch(t *testing.T) {
	cr := NewChecksumReader(bytes.NewReader([]byte("corrupted")))
	if _, err := io.ReadAll(cr); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	err := cr.Verify(0xdeadbeef)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !IsChecksumMismatch(err) {
		t.Fatalf("expected ChecksumMismatchError, got %T", err)
	}
}
