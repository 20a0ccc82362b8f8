package graph

import (
	"context"
	"strings"

	"github.com/hupe1980/memgo/record"
)

// Suggestion is a relationship proposed by an Inferrer after a store.
type Suggestion struct {
	ToMemory string
	Type     string
	Strength float64
}

// Inferrer proposes relationships for a freshly stored record.
//
// Implementations must not mutate the store; the engine materializes
// accepted suggestions inside the triggering transaction. The default is
// NoopInferrer; swap it via the WithInferrer option.
type Inferrer interface {
	Infer(ctx context.Context, rec record.Record, candidates []record.Record) []Suggestion
}

// NoopInferrer proposes nothing. It is the default.
type NoopInferrer struct{}

// Infer implements Inferrer.
func (NoopInferrer) Infer(context.Context, record.Record, []record.Record) []Suggestion {
	return nil
}

// SimilarityInferrer proposes "similar" edges based on token overlap
// (Jaccard similarity) between serialized payloads.
type SimilarityInferrer struct {
	// Threshold is the minimum Jaccard similarity for a suggestion.
	// Zero means 0.3.
	Threshold float64
	// MaxSuggestions caps the number of proposed edges per store.
	// Zero means 3.
	MaxSuggestions int
}

// Infer implements Inferrer.
func (s SimilarityInferrer) Infer(ctx context.Context, rec record.Record, candidates []record.Record) []Suggestion {
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = 0.3
	}
	max := s.MaxSuggestions
	if max <= 0 {
		max = 3
	}

	base := tokenize(string(rec.Data))
	if len(base) == 0 {
		return nil
	}

	var out []Suggestion
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return out
		}
		if cand.ID == rec.ID {
			continue
		}
		sim := jaccard(base, tokenize(string(cand.Data)))
		if sim < threshold {
			continue
		}
		out = append(out, Suggestion{ToMemory: cand.ID, Type: "similar", Strength: sim})
		if len(out) >= max {
			break
		}
	}
	return out
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) < 3 {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
