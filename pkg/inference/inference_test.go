package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnStore_NoSimilaritySearch(t *testing.T) {
	e := New(nil)
	suggestions, err := e.OnStore(context.Background(), "n1", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

func TestOnStore_EmptyEmbeddingSkipsLookup(t *testing.T) {
	e := New(nil)
	called := false
	e.SetSimilaritySearch(func(ctx context.Context, embedding []float32, k int) ([]SimilarityResult, error) {
		called = true
		return nil, nil
	})
	suggestions, err := e.OnStore(context.Background(), "n1", nil)
	require.NoError(t, err)
	assert.Empty(t, suggestions)
	assert.False(t, called, "similarity search should not be invoked for an empty embedding")
}

func TestOnStore_FiltersBySelfAndThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.8
	e := New(cfg)
	e.SetSimilaritySearch(func(ctx context.Context, embedding []float32, k int) ([]SimilarityResult, error) {
		return []SimilarityResult{
			{ID: "self", Score: 0.99},
			{ID: "weak", Score: 0.5},
			{ID: "strong", Score: 0.9},
		}, nil
	})

	suggestions, err := e.OnStore(context.Background(), "self", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "strong", suggestions[0].TargetID)
	assert.Equal(t, "self", suggestions[0].SourceID)
	assert.Equal(t, "SIMILAR_TO", suggestions[0].Type)
	assert.InDelta(t, 0.9, suggestions[0].Confidence, 1e-9)
	assert.Equal(t, "similarity", suggestions[0].Method)
}

func TestOnStore_SearchErrorNeverFailsStore(t *testing.T) {
	e := New(nil)
	e.SetSimilaritySearch(func(ctx context.Context, embedding []float32, k int) ([]SimilarityResult, error) {
		return nil, assertErr{}
	})
	suggestions, err := e.OnStore(context.Background(), "n1", []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Empty(t, suggestions)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestGetStats_AccumulatesSuggestions(t *testing.T) {
	e := New(nil)
	e.SetSimilaritySearch(func(ctx context.Context, embedding []float32, k int) ([]SimilarityResult, error) {
		return []SimilarityResult{{ID: "a", Score: 0.95}}, nil
	})
	_, _ = e.OnStore(context.Background(), "n1", []float32{1, 0, 0, 0})
	_, _ = e.OnStore(context.Background(), "n2", []float32{1, 0, 0, 0})

	assert.EqualValues(t, 2, e.GetStats().TotalSuggestions)
}
