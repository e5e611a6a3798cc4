// Package graphdb implements an embedded graph-based memory store.
//
// A DB holds typed nodes ("memories") and typed edges in an in-memory graph,
// optionally backed by a write-ahead log for durability. On top of that it
// layers three things a plain graph store doesn't give you for free:
//
//   - Tiered decay: every memory belongs to an episodic, semantic, or
//     procedural tier with its own half-life, so relevance fades at a rate
//     that matches how long the fact is expected to matter.
//   - Write-time similarity inference: storing a memory with an embedding
//     triggers a nearest-neighbor lookup and proposes SIMILAR_TO edges to
//     existing memories above a confidence threshold.
//   - Hybrid search: BM25 full-text and cosine vector search are fused with
//     Reciprocal Rank Fusion so a single query can match on both wording and
//     meaning.
//
// Embeddings themselves are never computed synchronously on the write path.
// A caller either supplies a pre-computed embedding or relies on the
// background embedding worker (see embed_queue.go) to fill it in once an
// Embedder has been wired in via SetEmbedder.
package graphdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashgrove-labs/graphdb/pkg/cache"
	"github.com/ashgrove-labs/graphdb/pkg/decay"
	"github.com/ashgrove-labs/graphdb/pkg/embed"
	"github.com/ashgrove-labs/graphdb/pkg/inference"
	"github.com/ashgrove-labs/graphdb/pkg/log"
	"github.com/ashgrove-labs/graphdb/pkg/math/vector"
	"github.com/ashgrove-labs/graphdb/pkg/metrics"
	"github.com/ashgrove-labs/graphdb/pkg/search"
	"github.com/ashgrove-labs/graphdb/pkg/storage"
)

var dbLog = log.WithComponent("graphdb")

// Errors returned by DB operations.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidID    = errors.New("invalid id")
	ErrClosed       = errors.New("database is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// MemoryTier classifies a memory by how quickly its relevance should decay.
type MemoryTier string

const (
	// TierEpisodic covers short-lived, context-specific memories (7-day half-life).
	TierEpisodic MemoryTier = "EPISODIC"
	// TierSemantic covers durable facts and knowledge (69-day half-life).
	TierSemantic MemoryTier = "SEMANTIC"
	// TierProcedural covers long-lived skills and patterns (693-day half-life).
	TierProcedural MemoryTier = "PROCEDURAL"
)

// Memory is the domain-level view of a stored node: content plus the tier,
// decay, and access-pattern metadata that distinguishes it from a bare graph
// node.
type Memory struct {
	ID           string
	Content      string
	Title        string
	Tier         MemoryTier
	DecayScore   float64
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	Embedding    []float32
	Tags         []string
	Source       string
	Properties   map[string]any
}

// Edge is the domain-level view of a relationship between two memories,
// including whether it was proposed by similarity inference.
type Edge struct {
	ID            string
	SourceID      string
	TargetID      string
	Type          string
	Confidence    float64
	AutoGenerated bool
	Reason        string
	CreatedAt     time.Time
	Properties    map[string]any
}

// Config controls how Open constructs a DB.
type Config struct {
	// DataDir is the directory used for the write-ahead log. Empty means
	// in-memory only: data does not survive process restart.
	DataDir string

	// WALEnabled controls whether writes are journaled to DataDir before
	// being applied. Ignored when DataDir is empty.
	WALEnabled bool
	// WALSyncOnWrite fsyncs after every WAL append instead of batching on a
	// timer. Safer, slower.
	WALSyncOnWrite bool

	// DecayEnabled turns on the periodic decay-recalculation sweep.
	DecayEnabled             bool
	DecayRecalculateInterval time.Duration
	DecayArchiveThreshold    float64

	// AutoLinksEnabled turns on write-time similarity-edge suggestion.
	AutoLinksEnabled             bool
	AutoLinksSimilarityThreshold float64
	AutoLinksTopK                int

	// AsyncWritesEnabled buffers writes through storage.AsyncEngine instead
	// of applying them to the underlying engine synchronously.
	AsyncWritesEnabled bool
	AsyncFlushInterval time.Duration

	// QueryCacheEnabled caches Search/HybridSearch responses by query text,
	// label filter, limit and query embedding.
	QueryCacheEnabled bool
	QueryCacheSize    int
	QueryCacheTTL     time.Duration

	// SearchRRFK is the Reciprocal Rank Fusion constant used to blend
	// vector and BM25 rankings.
	SearchRRFK float64
}

// DefaultConfig returns sensible defaults for development and small-scale
// deployments: in-memory decay, auto-linking at a 0.82 similarity threshold,
// and asynchronous writes for low store latency.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                      "./data",
		WALEnabled:                   true,
		WALSyncOnWrite:               false,
		DecayEnabled:                 true,
		DecayRecalculateInterval:     time.Hour,
		DecayArchiveThreshold:        0.05,
		AutoLinksEnabled:             true,
		AutoLinksSimilarityThreshold: 0.82,
		AutoLinksTopK:                10,
		AsyncWritesEnabled:           true,
		AsyncFlushInterval:           50 * time.Millisecond,
		QueryCacheEnabled:            true,
		QueryCacheSize:               1000,
		QueryCacheTTL:                5 * time.Minute,
		SearchRRFK:                   60,
	}
}

// DB is a graph-based memory store. All methods are safe for concurrent use.
type DB struct {
	config *Config
	mu     sync.RWMutex
	closed bool

	storage storage.Engine
	wal     *storage.WAL

	decay      *decay.Manager
	inference  *inference.Engine
	search     *search.Service
	queryCache *cache.QueryCache

	embedQueue        *EmbedWorker
	embedWorkerConfig *EmbedWorkerConfig

	bgWg sync.WaitGroup
}

// Open opens or creates a DB. A nil config uses DefaultConfig(). An empty
// config.DataDir opens an in-memory store that does not persist.
func Open(dataDir string, config *Config) (*DB, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.DataDir = dataDir

	db := &DB{config: config}

	baseEngine := storage.Engine(storage.NewMemoryEngine())

	if dataDir != "" && config.WALEnabled {
		walConfig := storage.DefaultWALConfig()
		walConfig.Dir = dataDir + "/wal"
		if config.WALSyncOnWrite {
			walConfig.SyncMode = "sync"
		}

		wal, err := storage.NewWAL(walConfig.Dir, walConfig)
		if err != nil {
			return nil, fmt.Errorf("initializing WAL: %w", err)
		}
		db.wal = wal
		baseEngine = storage.NewWALEngine(baseEngine, wal)
		dbLog.Info().Str("dir", dataDir).Msg("opened database with WAL durability")
	} else {
		dbLog.Info().Bool("persistent", dataDir != "").Msg("opened database")
	}

	if config.AsyncWritesEnabled {
		asyncConfig := &storage.AsyncEngineConfig{FlushInterval: config.AsyncFlushInterval}
		db.storage = storage.NewAsyncEngine(baseEngine, asyncConfig)
	} else {
		db.storage = baseEngine
	}

	if config.DecayEnabled {
		decayConfig := &decay.Config{
			RecalculateInterval: config.DecayRecalculateInterval,
			ArchiveThreshold:    config.DecayArchiveThreshold,
			RecencyWeight:       0.4,
			FrequencyWeight:     0.3,
			ImportanceWeight:    0.3,
		}
		db.decay = decay.New(decayConfig)
	}

	if config.AutoLinksEnabled {
		inferConfig := &inference.Config{
			SimilarityThreshold: config.AutoLinksSimilarityThreshold,
			SimilarityTopK:      config.AutoLinksTopK,
			EdgeType:            "SIMILAR_TO",
		}
		db.inference = inference.New(inferConfig)
		db.inference.SetSimilaritySearch(db.similaritySearch)
	}

	if config.QueryCacheEnabled {
		db.queryCache = cache.NewQueryCache(config.QueryCacheSize, config.QueryCacheTTL)
	}

	db.search = search.NewService(db.storage)

	if db.decay != nil {
		db.decay.Start(db.RecalculateDecayScores)
	}

	db.bgWg.Add(1)
	go func() {
		defer db.bgWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := db.search.BuildIndexes(ctx); err != nil {
			dbLog.Warn().Err(err).Msg("failed to build search indexes from existing data")
		} else {
			dbLog.Info().Msg("search indexes built from existing data")
		}
	}()

	// The embedding worker is started lazily by SetEmbedder, once a caller
	// has a working Embedder to hand it.

	return db, nil
}

// similaritySearch adapts the search service's vector index to the shape
// the inference engine expects.
func (db *DB) similaritySearch(ctx context.Context, embedding []float32, k int) ([]inference.SimilarityResult, error) {
	opts := &search.SearchOptions{Limit: k}
	resp, err := db.search.Search(ctx, "", embedding, opts)
	if err != nil {
		return nil, err
	}
	results := make([]inference.SimilarityResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = inference.SimilarityResult{ID: r.ID, Score: r.Similarity}
	}
	return results, nil
}

// SetEmbedder wires an embedder into the background embedding worker, so
// nodes stored without an embedding get one filled in asynchronously.
// Calling it more than once is a no-op after the first call.
//
// If any node already carries an embedding whose length disagrees with
// embedder.Dimensions(), this refuses with ErrInvalidInput rather than
// silently mixing dimensionalities: the spec leaves the choice between
// refusing and clearing open, and a loud failure is easier to recover from
// than vectors that silently stop comparing against each other.
func (db *DB) SetEmbedder(embedder embed.Embedder) error {
	if embedder == nil {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.embedQueue != nil {
		return nil
	}
	if db.closed {
		return ErrClosed
	}

	dims := embedder.Dimensions()
	var mismatch int
	err := storage.StreamNodesWithFallback(context.Background(), db.storage, 1000, func(n *storage.Node) error {
		if len(n.Embedding) > 0 && len(n.Embedding) != dims {
			mismatch = len(n.Embedding)
			return storage.ErrIterationStopped
		}
		return nil
	})
	if err != nil && err != storage.ErrIterationStopped {
		return fmt.Errorf("checking existing embedding dimensions: %w", err)
	}
	if mismatch != 0 {
		return fmt.Errorf("%w: store has existing embeddings of dimension %d, embedder produces %d", ErrInvalidInput, mismatch, dims)
	}

	db.embedQueue = NewEmbedWorker(embedder, db.storage, db.embedWorkerConfig)
	db.embedQueue.SetOnEmbedded(func(node *storage.Node) {
		if db.search != nil {
			_ = db.search.IndexNode(node)
		}
	})

	dbLog.Info().Str("model", embedder.Model()).Int("dims", dims).Msg("auto-embed worker started")
	return nil
}

// BuildSearchIndexes rebuilds the search indexes from whatever is currently
// in storage. Open() already does this once in the background; call this
// again after a bulk load.
func (db *DB) BuildSearchIndexes(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.search == nil {
		return fmt.Errorf("search service not initialized")
	}
	return db.search.BuildIndexes(ctx)
}

// Close flushes and closes the database. Safe to call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	db.bgWg.Wait()

	var errs []error

	if db.decay != nil {
		db.decay.Stop()
	}
	if db.embedQueue != nil {
		db.embedQueue.Close()
	}
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("WAL close: %w", err))
		}
	}
	if db.storage != nil {
		if err := db.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EmbedQueueStats returns statistics about the async embedding worker, or
// nil if no embedder has been set.
func (db *DB) EmbedQueueStats() *WorkerStats {
	if db.embedQueue == nil {
		return nil
	}
	stats := db.embedQueue.Stats()
	return &stats
}

// EmbedExisting triggers an immediate scan for nodes missing an embedding.
// The worker always runs on its own schedule; this just wakes it early.
func (db *DB) EmbedExisting(ctx context.Context) (int, error) {
	if db.embedQueue == nil {
		return 0, fmt.Errorf("auto-embed not enabled")
	}
	db.embedQueue.Trigger()
	return 0, nil
}

// EmbedQuery embeds free text for use as a search query, using whichever
// embedder was passed to SetEmbedder. Returns (nil, nil) if no embedder is
// configured, since that isn't necessarily an error for a caller that only
// wants full-text search.
func (db *DB) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if db.embedQueue == nil {
		return nil, nil
	}
	return db.embedQueue.embedder.Embed(ctx, query)
}

// Store creates a new memory and runs write-time similarity inference if an
// embedding is present and auto-linking is enabled.
func (db *DB) Store(ctx context.Context, mem *Memory) (*Memory, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if mem == nil {
		return nil, ErrInvalidInput
	}

	if mem.ID == "" {
		mem.ID = generateID("mem")
	}
	if mem.Tier == "" {
		mem.Tier = TierSemantic
	}
	mem.DecayScore = 1.0
	now := time.Now()
	mem.CreatedAt = now
	mem.LastAccessed = now
	mem.AccessCount = 0

	node := memoryToNode(mem)
	if err := db.storage.CreateNode(node); err != nil {
		return nil, fmt.Errorf("storing memory: %w", err)
	}

	if db.embedQueue != nil {
		db.embedQueue.Enqueue(mem.ID)
	}
	if db.search != nil {
		_ = db.search.IndexNode(node)
	}

	if db.inference != nil && len(mem.Embedding) > 0 {
		suggestions, err := db.inference.OnStore(ctx, mem.ID, mem.Embedding)
		if err == nil {
			for _, suggestion := range suggestions {
				edge := &storage.Edge{
					ID:            storage.EdgeID(generateID("edge")),
					StartNode:     storage.NodeID(suggestion.SourceID),
					EndNode:       storage.NodeID(suggestion.TargetID),
					Type:          suggestion.Type,
					Confidence:    suggestion.Confidence,
					AutoGenerated: true,
					CreatedAt:     now,
					Properties: map[string]any{
						"reason": suggestion.Reason,
						"method": suggestion.Method,
					},
				}
				_ = db.storage.CreateEdge(edge)
			}
		}
	}

	return mem, nil
}

// Remember performs semantic search for memories using a pre-computed
// embedding, streaming over storage to avoid loading everything into
// memory at once.
func (db *DB) Remember(ctx context.Context, embedding []float32, limit int) ([]*Memory, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	if len(embedding) == 0 {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = 10
	}

	type scored struct {
		mem   *Memory
		score float64
	}
	var results []scored

	err := storage.StreamNodesWithFallback(ctx, db.storage, 1000, func(node *storage.Node) error {
		if len(node.Embedding) == 0 {
			return nil
		}
		mem := nodeToMemory(node)
		sim := vector.CosineSimilarity(embedding, mem.Embedding)

		if len(results) < limit {
			results = append(results, scored{mem: mem, score: sim})
			if len(results) == limit {
				sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
			}
		} else if sim > results[limit-1].score {
			results[limit-1] = scored{mem: mem, score: sim}
			sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("streaming nodes: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })

	memories := make([]*Memory, len(results))
	for i, r := range results {
		memories[i] = r.mem
	}
	return memories, nil
}

// Recall retrieves a memory by ID and reinforces its decay score to reflect
// the access.
func (db *DB) Recall(ctx context.Context, id string) (*Memory, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, ErrInvalidID
	}

	node, err := db.storage.GetNode(storage.NodeID(id))
	if err != nil {
		return nil, ErrNotFound
	}
	mem := nodeToMemory(node)

	if db.decay != nil {
		info := &decay.MemoryInfo{
			ID:           mem.ID,
			Tier:         decay.Tier(mem.Tier),
			CreatedAt:    mem.CreatedAt,
			LastAccessed: mem.LastAccessed,
			AccessCount:  mem.AccessCount,
		}
		info = db.decay.Reinforce(info)
		mem.LastAccessed = info.LastAccessed
		mem.AccessCount = info.AccessCount
		mem.DecayScore = db.decay.CalculateScore(info)
	} else {
		mem.LastAccessed = time.Now()
		mem.AccessCount++
	}

	node = memoryToNode(mem)
	if err := db.storage.UpdateNode(node); err != nil {
		return nil, fmt.Errorf("updating memory: %w", err)
	}

	return mem, nil
}

// Link creates an explicit relationship between two memories.
func (db *DB) Link(ctx context.Context, sourceID, targetID, edgeType string, confidence float64) (*Edge, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}
	if sourceID == "" || targetID == "" {
		return nil, ErrInvalidID
	}
	if edgeType == "" {
		edgeType = "RELATES_TO"
	}
	if confidence <= 0 || confidence > 1 {
		confidence = 1.0
	}

	if _, err := db.storage.GetNode(storage.NodeID(sourceID)); err != nil {
		return nil, fmt.Errorf("source not found: %w", ErrNotFound)
	}
	if _, err := db.storage.GetNode(storage.NodeID(targetID)); err != nil {
		return nil, fmt.Errorf("target not found: %w", ErrNotFound)
	}

	now := time.Now()
	storageEdge := &storage.Edge{
		ID:            storage.EdgeID(generateID("edge")),
		StartNode:     storage.NodeID(sourceID),
		EndNode:       storage.NodeID(targetID),
		Type:          edgeType,
		Confidence:    confidence,
		AutoGenerated: false,
		CreatedAt:     now,
		Properties:    map[string]any{},
	}
	if err := db.storage.CreateEdge(storageEdge); err != nil {
		return nil, fmt.Errorf("creating edge: %w", err)
	}

	return storageEdgeToEdge(storageEdge), nil
}

// Neighbors returns memories reachable from id within depth hops, optionally
// filtered to a single edge type. Depth is capped at 5.
func (db *DB) Neighbors(ctx context.Context, id string, depth int, edgeType string) ([]*Memory, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, ErrInvalidID
	}
	if depth <= 0 {
		depth = 1
	}
	if depth > 5 {
		depth = 5
	}

	getAllEdges := func(nodeID storage.NodeID) []*storage.Edge {
		var allEdges []*storage.Edge
		if out, err := db.storage.GetOutgoingEdges(nodeID); err == nil {
			allEdges = append(allEdges, out...)
		}
		if in, err := db.storage.GetIncomingEdges(nodeID); err == nil {
			allEdges = append(allEdges, in...)
		}
		return allEdges
	}

	visited := map[string]bool{id: true}
	currentLevel := []string{id}
	var neighborIDs []string

	for d := 0; d < depth; d++ {
		var nextLevel []string
		for _, nodeID := range currentLevel {
			for _, edge := range getAllEdges(storage.NodeID(nodeID)) {
				if edgeType != "" && edge.Type != edgeType {
					continue
				}

				var otherID string
				if string(edge.StartNode) == nodeID {
					otherID = string(edge.EndNode)
				} else {
					otherID = string(edge.StartNode)
				}

				if !visited[otherID] {
					visited[otherID] = true
					neighborIDs = append(neighborIDs, otherID)
					nextLevel = append(nextLevel, otherID)
				}
			}
		}
		currentLevel = nextLevel
	}

	var memories []*Memory
	for _, nid := range neighborIDs {
		if node, err := db.storage.GetNode(storage.NodeID(nid)); err == nil {
			memories = append(memories, nodeToMemory(node))
		}
	}
	return memories, nil
}

// Forget deletes a memory and its edges.
func (db *DB) Forget(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if id == "" {
		return ErrInvalidID
	}
	if _, err := db.storage.GetNode(storage.NodeID(id)); err != nil {
		return ErrNotFound
	}
	if err := db.storage.DeleteNode(storage.NodeID(id)); err != nil {
		return fmt.Errorf("deleting memory: %w", err)
	}
	return nil
}

// RecalculateDecayScores recomputes the decay score for every stored memory
// and writes it back to storage. This is the periodic sweep driven by
// decay.Manager.Start; it can also be called directly (e.g. from the CLI's
// `decay recalculate` command) to force an off-schedule pass.
func (db *DB) RecalculateDecayScores(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.decay == nil {
		return nil
	}

	return storage.StreamNodesWithFallback(ctx, db.storage, 1000, func(n *storage.Node) error {
		if !hasLabel(n.Labels, "Memory") {
			return nil
		}

		mem := nodeToMemory(n)
		info := &decay.MemoryInfo{
			ID:           mem.ID,
			Tier:         decay.Tier(mem.Tier),
			CreatedAt:    mem.CreatedAt,
			LastAccessed: mem.LastAccessed,
			AccessCount:  mem.AccessCount,
		}
		n.Properties["decay_score"] = db.decay.CalculateScore(info)
		return db.storage.UpdateNode(n)
	})
}

// DecayStats summarizes decay scores across all stored memories, broken down
// by tier, plus a count of memories below the archive threshold.
func (db *DB) DecayStats(ctx context.Context) (*decay.Stats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	if db.decay == nil {
		return nil, fmt.Errorf("decay is not enabled")
	}

	var infos []decay.MemoryInfo
	err := storage.StreamNodesWithFallback(ctx, db.storage, 1000, func(n *storage.Node) error {
		if !hasLabel(n.Labels, "Memory") {
			return nil
		}
		mem := nodeToMemory(n)
		infos = append(infos, decay.MemoryInfo{
			ID:           mem.ID,
			Tier:         decay.Tier(mem.Tier),
			CreatedAt:    mem.CreatedAt,
			LastAccessed: mem.LastAccessed,
			AccessCount:  mem.AccessCount,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.decay.GetStats(infos), nil
}

// ArchiveDecayedMemories marks every memory whose decay score is below
// the configured archive threshold with an `archived=true` property, so
// callers can filter them out of default listings without deleting data.
// Returns the number of memories archived by this pass.
func (db *DB) ArchiveDecayedMemories(ctx context.Context) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return 0, ErrClosed
	}
	if db.decay == nil {
		return 0, fmt.Errorf("decay is not enabled")
	}

	archived := 0
	err := storage.StreamNodesWithFallback(ctx, db.storage, 1000, func(n *storage.Node) error {
		if !hasLabel(n.Labels, "Memory") {
			return nil
		}
		if already, ok := n.Properties["archived"].(bool); ok && already {
			return nil
		}

		mem := nodeToMemory(n)
		info := &decay.MemoryInfo{
			ID:           mem.ID,
			Tier:         decay.Tier(mem.Tier),
			CreatedAt:    mem.CreatedAt,
			LastAccessed: mem.LastAccessed,
			AccessCount:  mem.AccessCount,
		}
		score := db.decay.CalculateScore(info)
		n.Properties["decay_score"] = score
		if !db.decay.ShouldArchive(score) {
			return nil
		}
		n.Properties["archived"] = true
		archived++
		return db.storage.UpdateNode(n)
	})
	if err != nil {
		return archived, err
	}
	return archived, nil
}

// hasLabel reports whether labels contains label.
func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// generateID creates a random ID with the given prefix.
func generateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// memoryToNode converts a Memory to its storage representation.
func memoryToNode(mem *Memory) *storage.Node {
	props := make(map[string]any)
	props["content"] = mem.Content
	props["title"] = mem.Title
	props["tier"] = string(mem.Tier)
	props["decay_score"] = mem.DecayScore
	props["last_accessed"] = mem.LastAccessed.Format(time.RFC3339)
	props["access_count"] = mem.AccessCount
	props["source"] = mem.Source
	props["tags"] = mem.Tags

	for k, v := range mem.Properties {
		props[k] = v
	}

	return &storage.Node{
		ID:         storage.NodeID(mem.ID),
		Labels:     []string{"Memory"},
		Properties: props,
		Embedding:  mem.Embedding,
		CreatedAt:  mem.CreatedAt,
	}
}

// nodeToMemory converts a storage node back into a Memory.
func nodeToMemory(node *storage.Node) *Memory {
	mem := &Memory{
		ID:         string(node.ID),
		CreatedAt:  node.CreatedAt,
		Properties: make(map[string]any),
	}

	if v, ok := node.Properties["content"].(string); ok {
		mem.Content = v
	}
	if v, ok := node.Properties["title"].(string); ok {
		mem.Title = v
	}
	if v, ok := node.Properties["tier"].(string); ok {
		mem.Tier = MemoryTier(v)
	}
	if v, ok := node.Properties["decay_score"].(float64); ok {
		mem.DecayScore = v
	}
	if v, ok := node.Properties["last_accessed"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			mem.LastAccessed = t
		}
	}
	if v, ok := node.Properties["access_count"].(int64); ok {
		mem.AccessCount = v
	} else if v, ok := node.Properties["access_count"].(int); ok {
		mem.AccessCount = int64(v)
	} else if v, ok := node.Properties["access_count"].(float64); ok {
		mem.AccessCount = int64(v)
	}
	if v, ok := node.Properties["source"].(string); ok {
		mem.Source = v
	}
	if v, ok := node.Properties["tags"].([]string); ok {
		mem.Tags = v
	} else if v, ok := node.Properties["tags"].([]interface{}); ok {
		mem.Tags = make([]string, len(v))
		for i, tag := range v {
			mem.Tags[i], _ = tag.(string)
		}
	}

	if len(node.Embedding) > 0 {
		mem.Embedding = make([]float32, len(node.Embedding))
		copy(mem.Embedding, node.Embedding)
	}

	knownKeys := map[string]bool{
		"content": true, "title": true, "tier": true,
		"decay_score": true, "last_accessed": true,
		"access_count": true, "source": true, "tags": true,
	}
	for k, v := range node.Properties {
		if !knownKeys[k] {
			mem.Properties[k] = v
		}
	}

	return mem
}

// storageEdgeToEdge converts a storage edge to the domain-level Edge type.
func storageEdgeToEdge(se *storage.Edge) *Edge {
	e := &Edge{
		ID:            string(se.ID),
		SourceID:      string(se.StartNode),
		TargetID:      string(se.EndNode),
		Type:          se.Type,
		Confidence:    se.Confidence,
		AutoGenerated: se.AutoGenerated,
		CreatedAt:     se.CreatedAt,
		Properties:    se.Properties,
	}
	if v, ok := se.Properties["reason"].(string); ok {
		e.Reason = v
	}
	return e
}

// DBStats summarizes database size.
type DBStats struct {
	NodeCount int64 `json:"node_count"`
	EdgeCount int64 `json:"edge_count"`
}

// Stats returns current node and edge counts.
func (db *DB) Stats() DBStats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	stats := DBStats{}
	if db.storage != nil {
		nodeCount, _ := db.storage.NodeCount()
		edgeCount, _ := db.storage.EdgeCount()
		stats.NodeCount = nodeCount
		stats.EdgeCount = edgeCount
	}
	return stats
}

// IsAsyncWritesEnabled reports whether writes are buffered through an async
// flush loop instead of being applied synchronously.
func (db *DB) IsAsyncWritesEnabled() bool {
	return db.config.AsyncWritesEnabled
}

// MetricsHandler returns the Prometheus scrape handler for this engine's
// worker/flush/search instrumentation. The caller mounts it on their own
// HTTP mux; the network layer is an external collaborator (spec section 1),
// so this method only hands out the handler rather than listening itself.
func (db *DB) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Node is the HTTP/API-facing view of a raw graph node (no decay/tier
// metadata). Use Memory/Store/Recall for the memory-specific API.
type Node struct {
	ID         string                 `json:"id"`
	Labels     []string               `json:"labels"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ListNodes returns nodes with an optional label filter, streaming over
// storage to bound memory use.
func (db *DB) ListNodes(ctx context.Context, label string, limit, offset int) ([]*Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	var nodes []*Node
	count := 0

	err := storage.StreamNodesWithFallback(ctx, db.storage, 1000, func(n *storage.Node) error {
		if label != "" {
			hasLabel := false
			for _, l := range n.Labels {
				if l == label {
					hasLabel = true
					break
				}
			}
			if !hasLabel {
				return nil
			}
		}

		if count < offset {
			count++
			return nil
		}
		if len(nodes) >= limit {
			return storage.ErrIterationStopped
		}

		nodes = append(nodes, &Node{
			ID:         string(n.ID),
			Labels:     n.Labels,
			Properties: n.Properties,
			CreatedAt:  n.CreatedAt,
		})
		count++
		return nil
	})

	if err != nil && err != storage.ErrIterationStopped {
		return nil, err
	}
	return nodes, nil
}

// GetNode retrieves a node by ID.
func (db *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	n, err := db.storage.GetNode(storage.NodeID(id))
	if err != nil {
		return nil, ErrNotFound
	}
	return &Node{ID: string(n.ID), Labels: n.Labels, Properties: n.Properties, CreatedAt: n.CreatedAt}, nil
}

// CreateNode creates a node with the given labels and properties and queues
// it for background embedding. Embedding-shaped properties are stripped:
// embeddings are generated internally, never accepted from a caller.
func (db *DB) CreateNode(ctx context.Context, labels []string, properties map[string]interface{}) (*Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	id := generateID("node")
	now := time.Now()

	delete(properties, "embedding")
	delete(properties, "embeddings")
	delete(properties, "vector")

	node := &storage.Node{
		ID:         storage.NodeID(id),
		Labels:     labels,
		Properties: properties,
		CreatedAt:  now,
	}
	if err := db.storage.CreateNode(node); err != nil {
		return nil, err
	}

	if db.embedQueue != nil {
		db.embedQueue.Enqueue(id)
	}
	if db.search != nil {
		_ = db.search.IndexNode(node)
	}

	return &Node{ID: id, Labels: labels, Properties: properties, CreatedAt: now}, nil
}

// UpdateNode merges properties into an existing node.
func (db *DB) UpdateNode(ctx context.Context, id string, properties map[string]interface{}) (*Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	n, err := db.storage.GetNode(storage.NodeID(id))
	if err != nil {
		return nil, ErrNotFound
	}

	delete(properties, "embedding")
	delete(properties, "embeddings")
	delete(properties, "vector")

	for k, v := range properties {
		n.Properties[k] = v
	}
	if err := db.storage.UpdateNode(n); err != nil {
		return nil, err
	}

	return &Node{ID: string(n.ID), Labels: n.Labels, Properties: n.Properties, CreatedAt: n.CreatedAt}, nil
}

// DeleteNode deletes a node by ID.
func (db *DB) DeleteNode(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.storage.DeleteNode(storage.NodeID(id))
}

// GraphEdge is the HTTP/API-facing view of a raw graph edge.
type GraphEdge struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ListEdges returns edges with an optional type filter.
func (db *DB) ListEdges(ctx context.Context, relType string, limit, offset int) ([]*GraphEdge, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	allEdges, err := db.storage.AllEdges()
	if err != nil {
		return nil, err
	}

	var edges []*GraphEdge
	count := 0
	for _, e := range allEdges {
		if relType != "" && e.Type != relType {
			continue
		}
		if count < offset {
			count++
			continue
		}
		if len(edges) >= limit {
			break
		}
		edges = append(edges, &GraphEdge{
			ID: string(e.ID), Source: string(e.StartNode), Target: string(e.EndNode),
			Type: e.Type, Properties: e.Properties, CreatedAt: e.CreatedAt,
		})
		count++
	}
	return edges, nil
}

// GetEdge retrieves an edge by ID.
func (db *DB) GetEdge(ctx context.Context, id string) (*GraphEdge, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	e, err := db.storage.GetEdge(storage.EdgeID(id))
	if err != nil {
		return nil, ErrNotFound
	}
	return &GraphEdge{
		ID: string(e.ID), Source: string(e.StartNode), Target: string(e.EndNode),
		Type: e.Type, Properties: e.Properties, CreatedAt: e.CreatedAt,
	}, nil
}

// CreateEdge creates an edge between two existing nodes.
func (db *DB) CreateEdge(ctx context.Context, source, target, edgeType string, properties map[string]interface{}) (*GraphEdge, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	if _, err := db.storage.GetNode(storage.NodeID(source)); err != nil {
		return nil, fmt.Errorf("source node not found")
	}
	if _, err := db.storage.GetNode(storage.NodeID(target)); err != nil {
		return nil, fmt.Errorf("target node not found")
	}

	id := generateID("edge")
	now := time.Now()
	edge := &storage.Edge{
		ID: storage.EdgeID(id), StartNode: storage.NodeID(source), EndNode: storage.NodeID(target),
		Type: edgeType, Properties: properties, CreatedAt: now,
	}
	if err := db.storage.CreateEdge(edge); err != nil {
		return nil, err
	}

	return &GraphEdge{ID: id, Source: source, Target: target, Type: edgeType, Properties: properties, CreatedAt: now}, nil
}

// DeleteEdge deletes an edge by ID.
func (db *DB) DeleteEdge(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	return db.storage.DeleteEdge(storage.EdgeID(id))
}

// SearchResult is a scored search hit.
type SearchResult struct {
	Node  *Node   `json:"node"`
	Score float64 `json:"score"`

	RRFScore   float64 `json:"rrf_score,omitempty"`
	VectorRank int     `json:"vector_rank,omitempty"`
	BM25Rank   int     `json:"bm25_rank,omitempty"`
}

// Search performs BM25 full-text search. Use HybridSearch for combined
// vector+text ranking when a query embedding is available.
func (db *DB) Search(ctx context.Context, query string, labels []string, limit int) ([]*SearchResult, error) {
	return db.doSearch(ctx, query, nil, labels, limit)
}

// HybridSearch performs RRF hybrid search combining vector similarity and
// BM25 full-text ranking. queryEmbedding should be pre-computed by the
// caller, or obtained via EmbedQuery.
func (db *DB) HybridSearch(ctx context.Context, query string, queryEmbedding []float32, labels []string, limit int) ([]*SearchResult, error) {
	return db.doSearch(ctx, query, queryEmbedding, labels, limit)
}

func (db *DB) doSearch(ctx context.Context, query string, queryEmbedding []float32, labels []string, limit int) ([]*SearchResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	if db.search == nil {
		return nil, fmt.Errorf("search service not initialized")
	}

	var cacheKey uint64
	if db.queryCache != nil {
		// Key ignores param values, so the label filter, limit and query
		// embedding go into the hashed text itself.
		cacheKey = db.queryCache.Key(fmt.Sprintf("%s\x00%v\x00%d\x00%v", query, labels, limit, queryEmbedding), nil)
		if cached, ok := db.queryCache.Get(cacheKey); ok {
			return cached.([]*SearchResult), nil
		}
	}

	opts := search.GetAdaptiveRRFConfig(query)
	opts.Limit = limit
	if opts.RRFK == 0 {
		opts.RRFK = db.config.SearchRRFK
	}
	if len(labels) > 0 {
		opts.Types = labels
	}

	response, err := db.search.Search(ctx, query, queryEmbedding, opts)
	if err != nil {
		return nil, err
	}

	results := make([]*SearchResult, len(response.Results))
	for i, r := range response.Results {
		results[i] = &SearchResult{
			Node:       &Node{ID: r.ID, Labels: r.Labels, Properties: r.Properties},
			Score:      r.Score,
			RRFScore:   r.RRFScore,
			VectorRank: r.VectorRank,
			BM25Rank:   r.BM25Rank,
		}
	}

	if db.queryCache != nil {
		db.queryCache.Put(cacheKey, results)
	}
	return results, nil
}

// FindSimilar finds nodes similar to a given node by embedding distance.
func (db *DB) FindSimilar(ctx context.Context, nodeID string, limit int) ([]*SearchResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}

	target, err := db.storage.GetNode(storage.NodeID(nodeID))
	if err != nil {
		return nil, ErrNotFound
	}
	if len(target.Embedding) == 0 {
		return nil, fmt.Errorf("node has no embedding")
	}

	type scored struct {
		node  *storage.Node
		score float64
	}
	var results []scored

	err = storage.StreamNodesWithFallback(ctx, db.storage, 1000, func(n *storage.Node) error {
		if string(n.ID) == nodeID || len(n.Embedding) == 0 {
			return nil
		}
		sim := vector.CosineSimilarity(target.Embedding, n.Embedding)

		if len(results) < limit {
			results = append(results, scored{node: n, score: sim})
			if len(results) == limit {
				sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
			}
		} else if sim > results[limit-1].score {
			results[limit-1] = scored{node: n, score: sim}
			sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })

	searchResults := make([]*SearchResult, len(results))
	for i, r := range results {
		searchResults[i] = &SearchResult{
			Node: &Node{
				ID: string(r.node.ID), Labels: r.node.Labels,
				Properties: r.node.Properties, CreatedAt: r.node.CreatedAt,
			},
			Score: r.score,
		}
	}
	return searchResults, nil
}

// GetLabels returns all distinct node labels, streamed to bound memory use.
func (db *DB) GetLabels(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	labels, err := storage.CollectLabels(ctx, db.storage)
	if err != nil {
		return nil, err
	}
	sort.Strings(labels)
	return labels, nil
}

// GetRelationshipTypes returns all distinct edge types.
func (db *DB) GetRelationshipTypes(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	types, err := storage.CollectEdgeTypes(ctx, db.storage)
	if err != nil {
		return nil, err
	}
	sort.Strings(types)
	return types, nil
}
