// Vector index: brute-force exact cosine similarity search over stored node
// embeddings, used by the search service's vector leg and by the
// inference engine's SimilarityIndex callback.
//
// Vectors are normalized on insert so that search reduces to a dot
// product. The index maintains an online top-k as it scans rather than
// scoring every vector and sorting afterward: a candidate is only
// inserted into the bounded result set when it beats the current worst
// kept score, so the working set never exceeds limit entries regardless
// of how many vectors are indexed.
package search

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ashgrove-labs/graphdb/pkg/math/vector"
)

// ErrDimensionMismatch is returned when a vector's length doesn't match
// the index's configured dimensionality.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// VectorIndex is a thread-safe flat cosine-similarity index: O(d) insert,
// O(n*d) search, exact (non-approximate) results.
type VectorIndex struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[string][]float32
}

// NewVectorIndex creates an empty index for vectors of the given
// dimensionality; every vector later added or searched must match it.
func NewVectorIndex(dimensions int) *VectorIndex {
	return &VectorIndex{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Add normalizes vec and stores it under id, replacing any existing
// vector with that ID.
func (v *VectorIndex) Add(id string, vec []float32) error {
	if len(vec) != v.dimensions {
		return ErrDimensionMismatch
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[id] = vector.Normalize(vec)
	return nil
}

// Remove deletes the vector stored under id, if any.
func (v *VectorIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
}

// Search scores query against every indexed vector by cosine similarity
// (a dot product, since both sides are pre-normalized), keeps entries
// scoring at least minSimilarity, and returns at most limit results sorted
// by score descending.
//
// The candidate set is bounded to limit throughout the scan: a new
// candidate is inserted in sorted position only if it beats the current
// worst kept score or the set hasn't reached limit yet, and the worst
// entry is evicted when the set overflows. This keeps per-query working
// memory at O(limit) instead of O(n) regardless of index size.
func (v *VectorIndex) Search(ctx context.Context, query []float32, limit int, minSimilarity float64) ([]indexResult, error) {
	if len(query) != v.dimensions {
		return nil, ErrDimensionMismatch
	}
	if limit <= 0 {
		return nil, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	normalizedQuery := vector.Normalize(query)

	var kept []indexResult
	for id, vec := range v.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		sim := vector.DotProduct(normalizedQuery, vec)
		if sim < minSimilarity {
			continue
		}
		if len(kept) >= limit && sim <= kept[len(kept)-1].Score {
			continue
		}

		pos := sort.Search(len(kept), func(i int) bool { return kept[i].Score < sim })
		kept = append(kept, indexResult{})
		copy(kept[pos+1:], kept[pos:])
		kept[pos] = indexResult{ID: id, Score: sim}
		if len(kept) > limit {
			kept = kept[:limit]
		}
	}

	return kept, nil
}

// Count returns the number of vectors currently indexed.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// HasVector reports whether a vector is stored under id.
func (v *VectorIndex) HasVector(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, exists := v.vectors[id]
	return exists
}

// GetDimensions returns the index's configured vector dimensionality.
func (v *VectorIndex) GetDimensions() int {
	return v.dimensions
}
