// Package similarity implements the approximate-semantic fallback matcher:
// cosine ranking over stored concept embeddings, used only when a record's
// exact fingerprint has no match.
//
// Matching policy: a candidate counts as the same business concept when its
// cosine similarity meets the configured threshold (default 0.88). False
// positives only cause benign reuse of an existing profile, so the threshold
// trades dedup rate against profile-quality risk and is deliberately tunable
// rather than hard-coded.
package similarity

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/opportunity-engine/internal/model"
)

// Cosine returns the cosine similarity of two vectors, or 0 when either has
// zero magnitude or the dimensions disagree.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank scores candidates against query and returns up to topK matches at or
// above threshold, ordered by similarity descending. Ties break toward the
// smallest concept ID so the oldest canonical concept wins deterministically.
func Rank(candidates []model.ConceptEmbedding, query []float64, threshold float64, topK int) []model.ConceptMatch {
	matches := make([]model.ConceptMatch, 0, topK)
	for _, c := range candidates {
		sim := Cosine(c.Embedding, query)
		if sim >= threshold {
			matches = append(matches, model.ConceptMatch{ConceptID: c.ConceptID, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ConceptID < matches[j].ConceptID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Searcher is the storage-collaborator capability the index is a thin client
// over.
type Searcher interface {
	FindSimilar(ctx context.Context, embedding []float64, threshold float64, limit int) ([]model.ConceptMatch, error)
	SetConceptEmbedding(ctx context.Context, conceptID string, embedding []float64) error
}

// Index is the thin similarity client used by the concept registry.
type Index struct {
	searcher  Searcher
	threshold float64
	topK      int
}

// NewIndex creates an Index over the given searcher.
func NewIndex(searcher Searcher, threshold float64, topK int) *Index {
	if topK <= 0 {
		topK = 5
	}
	return &Index{searcher: searcher, threshold: threshold, topK: topK}
}

// Upsert records a concept's embedding for future queries.
func (ix *Index) Upsert(ctx context.Context, conceptID string, embedding []float64) error {
	if len(embedding) == 0 {
		return nil
	}
	if err := ix.searcher.SetConceptEmbedding(ctx, conceptID, embedding); err != nil {
		return eris.Wrap(err, "similarity: upsert embedding")
	}
	return nil
}

// Query returns candidate concepts for the embedding, best first.
func (ix *Index) Query(ctx context.Context, embedding []float64) ([]model.ConceptMatch, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	matches, err := ix.searcher.FindSimilar(ctx, embedding, ix.threshold, ix.topK)
	if err != nil {
		return nil, eris.Wrap(err, "similarity: query")
	}
	return matches, nil
}
