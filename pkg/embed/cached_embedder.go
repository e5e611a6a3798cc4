package embed

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// CachedEmbedder wraps an Embedder with an LRU cache keyed by an xxHash of
// the input text, so repeated embedding requests for the same text (a
// common case for frequently re-stored or re-queried content) skip the
// underlying provider call entirely. Safe for concurrent use.
type CachedEmbedder struct {
	base Embedder

	mu      sync.RWMutex
	cache   map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key       string
	embedding []float32
}

// NewCachedEmbedder wraps base with an LRU cache holding up to maxSize
// embeddings (0 defaults to 10000, roughly 40MB at 1024 dimensions).
func NewCachedEmbedder(base Embedder, maxSize int) *CachedEmbedder {
	if maxSize <= 0 {
		maxSize = 10000
	}

	return &CachedEmbedder{
		base:    base,
		cache:   make(map[string]*list.Element, maxSize),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func hashText(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 36)
}

// Embed returns a cached embedding for text if one exists, promoting it to
// most-recently-used; otherwise it calls the base embedder and caches the
// result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := hashText(text)

	c.mu.RLock()
	if elem, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		atomic.AddUint64(&c.hits, 1)

		c.mu.Lock()
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		c.mu.Unlock()

		return entry.embedding, nil
	}
	c.mu.RUnlock()

	atomic.AddUint64(&c.misses, 1)

	embedding, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).embedding, nil
	}

	for c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry{key: key, embedding: embedding}
	elem := c.lru.PushFront(entry)
	c.cache[key] = elem

	return embedding, nil
}

// EmbedBatch checks the cache for each text individually and sends only
// the misses to the base embedder in one batched call, splicing the
// results back into their original positions.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var misses []int
	var missTexts []string

	for i, text := range texts {
		key := hashText(text)

		c.mu.RLock()
		if elem, ok := c.cache[key]; ok {
			entry := elem.Value.(*cacheEntry)
			results[i] = entry.embedding
			atomic.AddUint64(&c.hits, 1)
			c.mu.RUnlock()

			c.mu.Lock()
			c.lru.MoveToFront(elem)
			c.mu.Unlock()
		} else {
			c.mu.RUnlock()
			atomic.AddUint64(&c.misses, 1)
			misses = append(misses, i)
			missTexts = append(missTexts, text)
		}
	}

	if len(missTexts) > 0 {
		embeddings, err := c.base.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		for j, embedding := range embeddings {
			i := misses[j]
			results[i] = embedding

			key := hashText(missTexts[j])
			if _, ok := c.cache[key]; !ok {
				for c.lru.Len() >= c.maxSize {
					c.evictOldest()
				}
				entry := &cacheEntry{key: key, embedding: embedding}
				elem := c.lru.PushFront(entry)
				c.cache[key] = elem
			}
		}
		c.mu.Unlock()
	}

	return results, nil
}

// Dimensions returns the base embedder's vector length.
func (c *CachedEmbedder) Dimensions() int { return c.base.Dimensions() }

// Model returns the base embedder's model name.
func (c *CachedEmbedder) Model() string { return c.base.Model() }

// Stats returns the cache's current size and hit/miss counters.
func (c *CachedEmbedder) Stats() CacheStats {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	c.mu.RLock()
	size := c.lru.Len()
	c.mu.RUnlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return CacheStats{Size: size, MaxSize: c.maxSize, Hits: hits, Misses: misses, HitRate: hitRate}
}

// CacheStats reports CachedEmbedder's hit/miss performance.
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Clear empties the cache and resets nothing else (hit/miss counters are
// cumulative across the embedder's lifetime).
func (c *CachedEmbedder) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*list.Element, c.maxSize)
	c.lru.Init()
}

// evictOldest removes the least recently used entry. Caller must hold mu.
func (c *CachedEmbedder) evictOldest() {
	elem := c.lru.Back()
	if elem != nil {
		entry := elem.Value.(*cacheEntry)
		delete(c.cache, entry.key)
		c.lru.Remove(elem)
	}
}
