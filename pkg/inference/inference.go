// Package inference proposes similarity edges at write time.
//
// When a node is stored with a non-empty embedding, the engine asks an
// injected SimilarityIndex capability for the top-K nearest neighbours and
// turns every neighbour above a confidence threshold into an EdgeSuggestion.
// The engine never touches storage directly: the dependency runs one way,
// from inference to an abstract similarity lookup, so storage never needs to
// know inference exists.
//
// Example Usage:
//
//	engine := inference.New(inference.DefaultConfig())
//	engine.SetSimilaritySearch(func(ctx context.Context, embedding []float32, k int) ([]inference.SimilarityResult, error) {
//		return nearestByCosine(ctx, embedding, k) // any k-NN lookup scoring by cosine similarity
//	})
//
//	suggestions, _ := engine.OnStore(ctx, node.ID, node.Embedding)
//	for _, sug := range suggestions {
//		db.CreateEdge(ctx, sug.SourceID, sug.TargetID, sug.Type, map[string]interface{}{"confidence": sug.Confidence})
//	}
package inference

import (
	"context"
	"fmt"
	"sync"
)

// EdgeSuggestion is a candidate edge proposed by the inference engine.
type EdgeSuggestion struct {
	SourceID   string
	TargetID   string
	Type       string
	Confidence float64
	Reason     string
	Method     string
}

// Config holds inference engine configuration.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a suggestion.
	SimilarityThreshold float64
	// SimilarityTopK is how many nearest neighbours to request per store.
	SimilarityTopK int
	// EdgeType is the relationship type assigned to suggested edges.
	EdgeType string
}

// DefaultConfig returns the spec's default thresholds (0.82 similarity, K=10).
func DefaultConfig() *Config {
	return &Config{
		SimilarityThreshold: 0.82,
		SimilarityTopK:      10,
		EdgeType:            "SIMILAR_TO",
	}
}

// SimilarityResult is a single neighbour returned by a similarity lookup.
type SimilarityResult struct {
	ID    string
	Score float64
}

// Engine suggests similarity edges at write time.
//
// Engine holds no reference to storage; it is driven purely by the
// SimilaritySearch function injected via SetSimilaritySearch, which the
// façade wires to DB.similaritySearch, a vector-only query against the
// search service.
type Engine struct {
	config *Config
	mu     sync.RWMutex

	similaritySearch func(ctx context.Context, embedding []float32, k int) ([]SimilarityResult, error)

	suggested int64
}

// New creates an inference Engine. A nil config uses DefaultConfig().
func New(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{config: config}
}

// SetSimilaritySearch injects the similarity lookup the engine queries on
// every OnStore call. Passing nil disables suggestions.
func (e *Engine) SetSimilaritySearch(fn func(ctx context.Context, embedding []float32, k int) ([]SimilarityResult, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.similaritySearch = fn
}

// OnStore proposes similarity edges for a newly stored node.
//
// It never returns an error that should fail the caller's store operation:
// a failing or unset similarity search simply yields zero suggestions.
func (e *Engine) OnStore(ctx context.Context, nodeID string, embedding []float32) ([]EdgeSuggestion, error) {
	e.mu.RLock()
	search := e.similaritySearch
	threshold := e.config.SimilarityThreshold
	topK := e.config.SimilarityTopK
	edgeType := e.config.EdgeType
	e.mu.RUnlock()

	suggestions := make([]EdgeSuggestion, 0)
	if search == nil || len(embedding) == 0 {
		return suggestions, nil
	}

	neighbours, err := search(ctx, embedding, topK)
	if err != nil {
		return suggestions, nil
	}

	for _, n := range neighbours {
		if n.ID == nodeID {
			continue
		}
		if n.Score <= threshold {
			continue
		}
		suggestions = append(suggestions, EdgeSuggestion{
			SourceID:   nodeID,
			TargetID:   n.ID,
			Type:       edgeType,
			Confidence: n.Score,
			Reason:     fmt.Sprintf("cosine similarity %.4f exceeds threshold %.2f", n.Score, threshold),
			Method:     "similarity",
		})
	}

	e.mu.Lock()
	e.suggested += int64(len(suggestions))
	e.mu.Unlock()

	return suggestions, nil
}

// Stats reports cumulative inference activity.
type Stats struct {
	TotalSuggestions int64
}

// GetStats returns current inference statistics.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{TotalSuggestions: e.suggested}
}
