// Package record defines the domain types stored by memgo: memory records
// and the typed relationships between them.
//
// Records are value types. The engine hands out copies, never aliases, so a
// Record held by a caller stays stable while the store mutates.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"
)

const (
	// MinImportance is the lower bound of the importance scale.
	MinImportance = 0
	// MaxImportance is the upper bound of the importance scale.
	MaxImportance = 10
)

// Meta carries bookkeeping metadata for a record.
type Meta struct {
	// Version increases by exactly one on every committed update.
	Version int64 `json:"version"`
	// Hash is the hex sha256 fingerprint of the payload bytes.
	Hash string `json:"hash"`
}

// Record is a single stored unit of information.
type Record struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Importance float64         `json:"importance"`
	Tags       []string        `json:"tags,omitempty"`
	// Context is free-form situational text captured at store time, for
	// example where or why the memory was recorded.
	Context      string    `json:"context,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	LastModified time.Time `json:"lastModified"`
	LastAccessed time.Time `json:"lastAccessed"`
	AccessCount  int64     `json:"accessCount"`
	Meta         Meta      `json:"metadata"`
}

// Patch describes a partial update applied by the update path.
// Nil fields are left untouched.
type Patch struct {
	Type       *string         `json:"type,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Importance *float64        `json:"importance,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Context    *string         `json:"context,omitempty"`
}

// Relationship is a directed, typed edge between two records.
type Relationship struct {
	ID           string         `json:"id"`
	FromMemory   string         `json:"fromMemory"`
	ToMemory     string         `json:"toMemory"`
	Type         string         `json:"type"`
	Strength     float64        `json:"strength"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Created      time.Time      `json:"created"`
	LastAccessed time.Time      `json:"lastAccessed"`
	AccessCount  int64          `json:"accessCount"`
}

// ClampImportance clamps v into [MinImportance, MaxImportance].
func ClampImportance(v float64) float64 {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// ContentHash returns the hex sha256 fingerprint of the payload bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeTags deduplicates and sorts tags so that tag order never leaks
// into equality checks, hashes, or exports.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}

// New builds a fresh record with version 1 and all timestamps set to now.
func New(id, typ string, data json.RawMessage, importance float64, tags []string, now time.Time) Record {
	return Record{
		ID:           id,
		Type:         typ,
		Data:         data,
		Importance:   ClampImportance(importance),
		Tags:         NormalizeTags(tags),
		Timestamp:    now,
		LastModified: now,
		LastAccessed: now,
		Meta: Meta{
			Version: 1,
			Hash:    ContentHash(data),
		},
	}
}

// ApplyPatch shallow-merges p into r, bumps the version, and refreshes
// LastModified. The payload hash is recomputed when the payload changes.
func (r *Record) ApplyPatch(p Patch, now time.Time) {
	if p.Type != nil {
		r.Type = *p.Type
	}
	if p.Data != nil {
		r.Data = p.Data
		r.Meta.Hash = ContentHash(p.Data)
	}
	if p.Importance != nil {
		r.Importance = ClampImportance(*p.Importance)
	}
	if p.Tags != nil {
		r.Tags = NormalizeTags(p.Tags)
	}
	if p.Context != nil {
		r.Context = *p.Context
	}
	r.Meta.Version++
	r.LastModified = now
}

// Touch records a read access.
func (r *Record) Touch(now time.Time) {
	r.AccessCount++
	r.LastAccessed = now
}

// HasTag reports whether the record carries the given tag.
// Tags are kept sorted, so a binary search suffices.
func (r *Record) HasTag(tag string) bool {
	_, ok := slices.BinarySearch(r.Tags, tag)
	return ok
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Data = slices.Clone(r.Data)
	out.Tags = slices.Clone(r.Tags)
	return out
}

// Clone returns a deep copy of the relationship.
func (rel Relationship) Clone() Relationship {
	out := rel
	if rel.Metadata != nil {
		out.Metadata = make(map[string]any, len(rel.Metadata))
		for k, v := range rel.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// EstimatedSize returns a rough byte-size estimate of the record as stored.
// Used for the storageSize statistic; not an accounting-grade number.
func (r *Record) EstimatedSize() int64 {
	n := int64(len(r.ID) + len(r.Type) + len(r.Data) + len(r.Context) + len(r.Meta.Hash))
	for _, t := range r.Tags {
		n += int64(len(t))
	}
	// Fixed-width fields: timestamps, counters, importance.
	return n + 64
}
