package backup

import (
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/memgo/engine"
	"github.com/hupe1980/memgo/record"
)

// ExportOptions filters an export.
type ExportOptions struct {
	// Type restricts the export to one record type. Empty exports all.
	// Relationships are included only when both endpoints are exported.
	Type string
}

// MergeStrategy controls what happens when an imported id already exists.
type MergeStrategy string

const (
	// MergeSkip keeps the existing record untouched. It is the default.
	MergeSkip MergeStrategy = "skip"
	// MergeMerge shallow-merges the imported fields into the existing
	// record, bumping its version. Last writer wins per field.
	MergeMerge MergeStrategy = "merge"
)

// ImportOptions controls a best-effort import.
type ImportOptions struct {
	// Overwrite replaces existing records wholesale. Takes precedence
	// over MergeStrategy.
	Overwrite bool

	// MergeStrategy applies when Overwrite is false.
	MergeStrategy MergeStrategy
}

// Report summarizes a best-effort import. Per-item failures are collected
// in Errors rather than aborting the batch.
type Report struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Export serializes the store into a Document.
//
// The scan takes an id cursor up front and visits it in chunks under short
// read transactions, so a large export never holds one transaction open
// long enough to starve writers. Output ordering is canonical (sorted by
// id) so identical states serialize identically.
func (m *Manager) Export(ctx context.Context, opts ExportOptions) (Document, error) {
	stats, err := m.recorder.Statistics(ctx, m.engine)
	if err != nil {
		return Document{}, err
	}

	doc := Document{
		Version:   DocumentVersion,
		Timestamp: m.clock(),
		Metadata:  stats,
	}

	var cursor []string
	var rels []record.Relationship
	err = m.engine.View(ctx, func(v *engine.View) error {
		cursor = v.IDs()
		rels = v.AllRelationships()
		return nil
	})
	if err != nil {
		return Document{}, err
	}

	exported := make(map[string]struct{}, len(cursor))
	for len(cursor) > 0 {
		if err := ctx.Err(); err != nil {
			return Document{}, err
		}

		n := min(m.chunk, len(cursor))
		chunk := cursor[:n]
		cursor = cursor[n:]

		err := m.engine.View(ctx, func(v *engine.View) error {
			for _, id := range chunk {
				rec, ok := v.Lookup(id)
				if !ok {
					continue
				}
				if opts.Type != "" && rec.Type != opts.Type {
					continue
				}
				doc.Memories = append(doc.Memories, rec)
				exported[rec.ID] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return Document{}, err
		}
	}

	for _, rel := range rels {
		if _, ok := exported[rel.FromMemory]; !ok {
			continue
		}
		if _, ok := exported[rel.ToMemory]; !ok {
			continue
		}
		doc.Relationships = append(doc.Relationships, rel)
	}

	sort.Slice(doc.Memories, func(i, j int) bool { return doc.Memories[i].ID < doc.Memories[j].ID })
	sort.Slice(doc.Relationships, func(i, j int) bool { return doc.Relationships[i].ID < doc.Relationships[j].ID })
	return doc, nil
}

// Import loads a document into the store, one record at a time. Invalid or
// failing items are counted and reported, not fatal: the operation is a
// best-effort batch, not an all-or-nothing transaction. Callers that need a
// rollback point should Create a snapshot first.
func (m *Manager) Import(ctx context.Context, doc Document, opts ImportOptions) (Report, error) {
	var report Report

	for _, rec := range doc.Memories {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if rec.ID == "" {
			report.Errors = append(report.Errors, "memory with empty id")
			continue
		}
		if rec.Type == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("memory %s: empty type", rec.ID))
			continue
		}
		rec.Importance = record.ClampImportance(rec.Importance)
		rec.Tags = record.NormalizeTags(rec.Tags)

		if err := m.importRecord(ctx, rec, opts, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("memory %s: %v", rec.ID, err))
		}
	}

	for _, rel := range doc.Relationships {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if rel.ID == "" {
			report.Errors = append(report.Errors, "relationship with empty id")
			continue
		}
		if err := m.importRelationship(ctx, rel); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("relationship %s: %v", rel.ID, err))
		}
	}

	return report, nil
}

func (m *Manager) importRecord(ctx context.Context, rec record.Record, opts ImportOptions, report *Report) error {
	exists := false
	err := m.engine.View(ctx, func(v *engine.View) error {
		_, exists = v.Lookup(rec.ID)
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case !exists:
		if _, err := m.engine.Store(ctx, rec); err != nil {
			return err
		}
		report.Imported++

	case opts.Overwrite:
		if _, err := m.engine.Store(ctx, rec); err != nil {
			return err
		}
		report.Imported++

	case opts.MergeStrategy == MergeMerge:
		patch := record.Patch{Data: rec.Data, Tags: rec.Tags}
		if rec.Type != "" {
			typ := rec.Type
			patch.Type = &typ
		}
		imp := rec.Importance
		patch.Importance = &imp
		if _, err := m.engine.Update(ctx, rec.ID, patch); err != nil {
			return err
		}
		report.Imported++

	default:
		report.Skipped++
	}
	return nil
}

func (m *Manager) importRelationship(ctx context.Context, rel record.Relationship) error {
	exists := false
	err := m.engine.View(ctx, func(v *engine.View) error {
		exists = v.HasRelationship(rel.ID)
		return nil
	})
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = m.engine.Relate(ctx, rel)
	return err
}
