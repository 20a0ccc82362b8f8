package wal

import "github.com/hupe1980/memgo/record"

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes, data loss possible
	// on crash. Use when an external mechanism provides durability.
	DurabilityAsync DurabilityMode = iota

	// DurabilitySync fsyncs after every operation. Slowest but strongest
	// guarantee. Use for critical data.
	DurabilitySync
)

// OperationType identifies the mutation recorded by a WAL entry.
type OperationType uint8

const (
	// OpStore records a record insert.
	OpStore OperationType = iota
	// OpUpdate records a record update.
	OpUpdate
	// OpDelete records a record delete (cascade is re-derived on replay).
	OpDelete
	// OpRelate records a relationship insert.
	OpRelate
	// OpUnrelate records an explicit relationship delete.
	OpUnrelate
	// OpCheckpoint marks a snapshot boundary.
	OpCheckpoint
)

// Entry is a single WAL entry. Exactly one of Record / Relationship / ID is
// meaningful, depending on Type.
type Entry struct {
	Type         OperationType        `json:"op"`
	SeqNum       uint64               `json:"seq"`
	Record       *record.Record       `json:"record,omitempty"`
	Relationship *record.Relationship `json:"relationship,omitempty"`
	ID           string               `json:"id,omitempty"`
}

// Options contains configuration for the WAL.
type Options struct {
	// Path is the directory where the WAL file is stored.
	Path string

	// Compress enables zstd compression of the entry stream.
	Compress bool

	// CompressionLevel is the zstd level (1-19). Zero means 3.
	CompressionLevel int

	// DurabilityMode controls fsync behavior.
	DurabilityMode DurabilityMode
}

// DefaultOptions are the options used when none are supplied.
var DefaultOptions = Options{
	CompressionLevel: 3,
	DurabilityMode:   DurabilityAsync,
}
