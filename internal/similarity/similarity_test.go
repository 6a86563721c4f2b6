package similarity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-engine/internal/model"
)

func TestCosine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"scaled", []float64{1, 1}, []float64{5, 5}, 1},
		{"dimension mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 2}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestRank(t *testing.T) {
	t.Parallel()

	candidates := []model.ConceptEmbedding{
		{ConceptID: "c-far", Embedding: []float64{0, 1}},
		{ConceptID: "c-close", Embedding: []float64{1, 0.1}},
		{ConceptID: "c-exact", Embedding: []float64{1, 0}},
	}
	query := []float64{1, 0}

	matches := Rank(candidates, query, 0.9, 5)
	require.Len(t, matches, 2)
	assert.Equal(t, "c-exact", matches[0].ConceptID)
	assert.Equal(t, "c-close", matches[1].ConceptID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestRankTopK(t *testing.T) {
	t.Parallel()

	candidates := []model.ConceptEmbedding{
		{ConceptID: "a", Embedding: []float64{1, 0}},
		{ConceptID: "b", Embedding: []float64{1, 0}},
		{ConceptID: "c", Embedding: []float64{1, 0}},
	}

	matches := Rank(candidates, []float64{1, 0}, 0.5, 2)
	assert.Len(t, matches, 2)
}

func TestRankTieBreaksOnSmallestID(t *testing.T) {
	t.Parallel()

	candidates := []model.ConceptEmbedding{
		{ConceptID: "zzz", Embedding: []float64{2, 0}},
		{ConceptID: "aaa", Embedding: []float64{1, 0}},
	}

	matches := Rank(candidates, []float64{1, 0}, 0.5, 5)
	require.Len(t, matches, 2)
	assert.Equal(t, "aaa", matches[0].ConceptID)
}

func TestRankNothingAboveThreshold(t *testing.T) {
	t.Parallel()

	candidates := []model.ConceptEmbedding{
		{ConceptID: "a", Embedding: []float64{0, 1}},
	}
	assert.Empty(t, Rank(candidates, []float64{1, 0}, 0.88, 5))
}

type fakeSearcher struct {
	matches  []model.ConceptMatch
	upserted map[string][]float64

	lastThreshold float64
	lastLimit     int
}

func (f *fakeSearcher) FindSimilar(_ context.Context, _ []float64, threshold float64, limit int) ([]model.ConceptMatch, error) {
	f.lastThreshold = threshold
	f.lastLimit = limit
	return f.matches, nil
}

func (f *fakeSearcher) SetConceptEmbedding(_ context.Context, conceptID string, embedding []float64) error {
	if f.upserted == nil {
		f.upserted = make(map[string][]float64)
	}
	f.upserted[conceptID] = embedding
	return nil
}

func TestIndexQueryPassesConfig(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{matches: []model.ConceptMatch{{ConceptID: "c1", Similarity: 0.95}}}
	ix := NewIndex(s, 0.88, 3)

	matches, err := ix.Query(context.Background(), []float64{1, 0})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.88, s.lastThreshold, 1e-9)
	assert.Equal(t, 3, s.lastLimit)
}

func TestIndexQueryEmptyEmbedding(t *testing.T) {
	t.Parallel()

	ix := NewIndex(&fakeSearcher{}, 0.88, 3)
	matches, err := ix.Query(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, matches)
}

func TestIndexUpsert(t *testing.T) {
	t.Parallel()

	s := &fakeSearcher{}
	ix := NewIndex(s, 0.88, 3)

	require.NoError(t, ix.Upsert(context.Background(), "c1", []float64{1, 2}))
	assert.Equal(t, []float64{1, 2}, s.upserted["c1"])

	// Empty embeddings are silently skipped.
	require.NoError(t, ix.Upsert(context.Background(), "c2", nil))
	assert.NotContains(t, s.upserted, "c2")
}
