// Package decay implements the tiered memory-decay model used by the
// graph database's memory view (see package graphdb).
//
// Every stored memory belongs to one of three tiers, each with its own
// half-life:
//   - Episodic: short-term context, 7-day half-life
//   - Semantic: facts and preferences, 69-day half-life
//   - Procedural: skills and patterns, 693-day half-life
//
// A memory's decay score (0.0-1.0) blends three signals:
//   - Recency: exponential decay since last access
//   - Frequency: logarithmic growth with access count
//   - Importance: a manual weight, or the tier's default
//
// The Manager is a pure scoring component: it never touches storage
// directly. The façade (graphdb.DB) feeds it MemoryInfo snapshots on
// every recall (for reinforcement) and on a periodic sweep (for bulk
// recalculation), then writes the resulting score back onto the node
// and treats scores below ArchiveThreshold as archival candidates.
//
// Example:
//
//	manager := decay.New(decay.DefaultConfig())
//	defer manager.Stop()
//
//	info := &decay.MemoryInfo{
//		ID:           "mem-123",
//		Tier:         decay.TierSemantic,
//		CreatedAt:    time.Now(),
//		LastAccessed: time.Now(),
//		AccessCount:  1,
//	}
//	score := manager.CalculateScore(info)
//	info = manager.Reinforce(info)
package decay

import (
	"context"
	"math"
	"sync"
	"time"
)

// Tier classifies a memory by how quickly its relevance should fade.
// The tier determines both the decay lambda and the default importance
// weight used when no manual weight is set.
type Tier string

const (
	// TierEpisodic covers short-lived context: chat turns, session
	// state, recent events. Half-life ~7 days.
	TierEpisodic Tier = "EPISODIC"

	// TierSemantic covers durable facts and preferences: project
	// decisions, business rules, user settings. Half-life ~69 days.
	TierSemantic Tier = "SEMANTIC"

	// TierProcedural covers skills and recurring patterns that are
	// rarely revisited but should essentially never be forgotten.
	// Half-life ~693 days.
	TierProcedural Tier = "PROCEDURAL"
)

// tierLambda holds the per-hour exponential decay rate for each tier.
// score = exp(-lambda * hoursSinceAccess); halfLife = ln(2) / lambda.
var tierLambda = map[Tier]float64{
	TierEpisodic:   0.00412,   // ~7 day half-life (168h)
	TierSemantic:   0.000418,  // ~69 day half-life (1656h)
	TierProcedural: 0.0000417, // ~693 day half-life (16632h)
}

// tierBaseImportance holds the default importance factor applied when a
// MemoryInfo doesn't carry a manual ImportanceWeight.
var tierBaseImportance = map[Tier]float64{
	TierEpisodic:   0.3,
	TierSemantic:   0.6,
	TierProcedural: 0.9,
}

// Config holds decay-manager tuning. RecencyWeight, FrequencyWeight, and
// ImportanceWeight should sum to 1.0; CalculateScore clamps its output to
// [0,1] regardless.
type Config struct {
	// RecalculateInterval is how often Start's background loop
	// invokes the recalculate callback. Default: 1 hour.
	RecalculateInterval time.Duration

	// ArchiveThreshold is the score below which ShouldArchive reports
	// a memory as an archival candidate. Default: 0.05.
	ArchiveThreshold float64

	// RecencyWeight scales the exponential-decay recency factor.
	RecencyWeight float64

	// FrequencyWeight scales the logarithmic access-count factor.
	FrequencyWeight float64

	// ImportanceWeight scales the manual-or-tier-default importance factor.
	ImportanceWeight float64
}

// DefaultConfig returns the module's default tuning: hourly recalculation,
// a 5% archive threshold, and a 40/30/30 recency/frequency/importance split.
func DefaultConfig() *Config {
	return &Config{
		RecalculateInterval: time.Hour,
		ArchiveThreshold:    0.05,
		RecencyWeight:       0.4,
		FrequencyWeight:     0.3,
		ImportanceWeight:    0.3,
	}
}

// Manager scores and reinforces memories and can drive a background
// recalculation sweep. It is safe for concurrent use.
type Manager struct {
	config *Config
	mu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager with the given Config, or DefaultConfig() if nil.
// Callers must call Stop when done, even if Start was never called, so any
// background goroutine's context is released.
func New(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// MemoryInfo is the minimal view of a stored node the decay manager needs
// to score it: identity, tier, timestamps, access count, and an optional
// manual importance override.
type MemoryInfo struct {
	ID               string
	Tier             Tier
	CreatedAt        time.Time
	LastAccessed     time.Time
	AccessCount      int64
	ImportanceWeight float64 // 0 means "use the tier default"
}

// CalculateScore computes a memory's current decay score as a weighted sum
// of three factors, each already normalised to [0,1]:
//
//  1. Recency: exp(-lambda * hoursSinceLastAccess), lambda set by tier.
//  2. Frequency: log(1+accessCount) / log(101), capped at 1.0.
//  3. Importance: ImportanceWeight if set, else the tier's default.
//
// The weighted sum is clamped to [0,1] before returning.
func (m *Manager) CalculateScore(info *MemoryInfo) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hoursSinceAccess := time.Since(info.LastAccessed).Hours()
	lambda := tierLambda[info.Tier]
	if lambda == 0 {
		lambda = tierLambda[TierSemantic]
	}
	recencyFactor := math.Exp(-lambda * hoursSinceAccess)

	const maxAccesses = 100.0
	frequencyFactor := math.Log(1+float64(info.AccessCount)) / math.Log(1+maxAccesses)
	if frequencyFactor > 1.0 {
		frequencyFactor = 1.0
	}

	importanceFactor := info.ImportanceWeight
	if importanceFactor == 0 {
		importanceFactor = tierBaseImportance[info.Tier]
		if importanceFactor == 0 {
			importanceFactor = 0.5
		}
	}

	score := m.config.RecencyWeight*recencyFactor +
		m.config.FrequencyWeight*frequencyFactor +
		m.config.ImportanceWeight*importanceFactor

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Reinforce records an access: it sets LastAccessed to now and increments
// AccessCount, which raises the recency and frequency factors on the next
// CalculateScore call. The façade calls this on every recall.
func (m *Manager) Reinforce(info *MemoryInfo) *MemoryInfo {
	info.LastAccessed = time.Now()
	info.AccessCount++
	return info
}

// ShouldArchive reports whether score falls below the configured
// ArchiveThreshold. The decay manager never archives anything itself —
// per the spec it has no deletion authority — so callers decide what to
// do with archival candidates.
func (m *Manager) ShouldArchive(score float64) bool {
	return score < m.config.ArchiveThreshold
}

// Start launches a background goroutine that calls recalculateFunc every
// RecalculateInterval until Stop is called. Errors from recalculateFunc are
// swallowed; the sweep keeps running on the configured interval regardless.
func (m *Manager) Start(recalculateFunc func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.RecalculateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				_ = recalculateFunc(m.ctx)
			}
		}
	}()
}

// Stop cancels the background sweep (if running) and blocks until it
// exits.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Stats summarises decay scores across a batch of memories, broken down by
// tier.
type Stats struct {
	TotalMemories   int64
	EpisodicCount   int64
	SemanticCount   int64
	ProceduralCount int64
	ArchivedCount   int64
	AvgDecayScore   float64
	AvgByTier       map[Tier]float64
}

// GetStats scores every entry in memories and aggregates counts and
// averages, overall and per tier. Used by the façade's decay-stats
// surface and by the CLI's "decay stats" command.
func (m *Manager) GetStats(memories []MemoryInfo) *Stats {
	stats := &Stats{AvgByTier: make(map[Tier]float64)}

	tierScores := make(map[Tier][]float64)
	var totalScore float64

	for _, mem := range memories {
		stats.TotalMemories++

		score := m.CalculateScore(&mem)
		totalScore += score

		switch mem.Tier {
		case TierEpisodic:
			stats.EpisodicCount++
		case TierSemantic:
			stats.SemanticCount++
		case TierProcedural:
			stats.ProceduralCount++
		}

		tierScores[mem.Tier] = append(tierScores[mem.Tier], score)

		if m.ShouldArchive(score) {
			stats.ArchivedCount++
		}
	}

	if stats.TotalMemories > 0 {
		stats.AvgDecayScore = totalScore / float64(stats.TotalMemories)
	}

	for tier, scores := range tierScores {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		if len(scores) > 0 {
			stats.AvgByTier[tier] = sum / float64(len(scores))
		}
	}

	return stats
}

// HalfLife returns the number of days for tier's decay score to fall to
// half its current value, assuming no further access: ln(2) / lambda,
// converted from hours to days. Returns 0 for an unrecognised tier.
func HalfLife(tier Tier) float64 {
	lambda := tierLambda[tier]
	if lambda == 0 {
		return 0
	}
	return (math.Log(2) / lambda) / 24
}
