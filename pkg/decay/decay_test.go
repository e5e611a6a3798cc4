package decay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateScore_FreshMemoryNearTierDefault(t *testing.T) {
	m := New(DefaultConfig())
	defer m.Stop()

	info := &MemoryInfo{Tier: TierSemantic, LastAccessed: time.Now(), AccessCount: 1}
	score := m.CalculateScore(info)

	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestCalculateScore_OlderUnaccessedMemoryScoresLower(t *testing.T) {
	m := New(DefaultConfig())
	defer m.Stop()

	fresh := &MemoryInfo{Tier: TierEpisodic, LastAccessed: time.Now(), AccessCount: 1}
	stale := &MemoryInfo{Tier: TierEpisodic, LastAccessed: time.Now().Add(-30 * 24 * time.Hour), AccessCount: 1}

	assert.Greater(t, m.CalculateScore(fresh), m.CalculateScore(stale))
}

func TestCalculateScore_ProceduralOutlastsEpisodic(t *testing.T) {
	m := New(DefaultConfig())
	defer m.Stop()

	age := time.Now().Add(-60 * 24 * time.Hour)
	episodic := &MemoryInfo{Tier: TierEpisodic, LastAccessed: age, AccessCount: 1}
	procedural := &MemoryInfo{Tier: TierProcedural, LastAccessed: age, AccessCount: 1}

	assert.Greater(t, m.CalculateScore(procedural), m.CalculateScore(episodic))
}

func TestCalculateScore_ManualImportanceOverridesTierDefault(t *testing.T) {
	m := New(DefaultConfig())
	defer m.Stop()

	now := time.Now()
	low := &MemoryInfo{Tier: TierEpisodic, LastAccessed: now, AccessCount: 1, ImportanceWeight: 0.01}
	high := &MemoryInfo{Tier: TierEpisodic, LastAccessed: now, AccessCount: 1, ImportanceWeight: 1.0}

	assert.Less(t, m.CalculateScore(low), m.CalculateScore(high))
}

func TestCalculateScore_ClampedToUnitInterval(t *testing.T) {
	m := New(&Config{RecencyWeight: 2, FrequencyWeight: 2, ImportanceWeight: 2, ArchiveThreshold: 0.05, RecalculateInterval: time.Hour})
	defer m.Stop()

	score := m.CalculateScore(&MemoryInfo{Tier: TierProcedural, LastAccessed: time.Now(), AccessCount: 1000})
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestReinforce_ResetsRecencyAndBumpsCount(t *testing.T) {
	m := New(DefaultConfig())
	defer m.Stop()

	info := &MemoryInfo{Tier: TierSemantic, LastAccessed: time.Now().Add(-90 * 24 * time.Hour), AccessCount: 2}
	before := m.CalculateScore(info)

	reinforced := m.Reinforce(info)
	after := m.CalculateScore(reinforced)

	assert.Equal(t, int64(3), reinforced.AccessCount)
	assert.Greater(t, after, before)
	assert.WithinDuration(t, time.Now(), reinforced.LastAccessed, time.Second)
}

func TestShouldArchive_ThresholdBoundary(t *testing.T) {
	m := New(&Config{ArchiveThreshold: 0.1, RecencyWeight: 0.4, FrequencyWeight: 0.3, ImportanceWeight: 0.3, RecalculateInterval: time.Hour})
	defer m.Stop()

	assert.True(t, m.ShouldArchive(0.05))
	assert.False(t, m.ShouldArchive(0.1))
	assert.False(t, m.ShouldArchive(0.5))
}

func TestHalfLife_OrdersTiersFastestToSlowest(t *testing.T) {
	episodic := HalfLife(TierEpisodic)
	semantic := HalfLife(TierSemantic)
	procedural := HalfLife(TierProcedural)

	assert.InDelta(t, 7, episodic, 0.5)
	assert.Less(t, episodic, semantic)
	assert.Less(t, semantic, procedural)
}

func TestHalfLife_UnknownTierReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, HalfLife(Tier("NOT_A_TIER")))
}

func TestGetStats_AggregatesCountsAndAveragesByTier(t *testing.T) {
	m := New(DefaultConfig())
	defer m.Stop()

	now := time.Now()
	memories := []MemoryInfo{
		{ID: "a", Tier: TierEpisodic, LastAccessed: now.Add(-200 * 24 * time.Hour), AccessCount: 0, ImportanceWeight: 0.01},
		{ID: "b", Tier: TierSemantic, LastAccessed: now, AccessCount: 5},
		{ID: "c", Tier: TierProcedural, LastAccessed: now, AccessCount: 10},
	}

	stats := m.GetStats(memories)

	assert.EqualValues(t, 3, stats.TotalMemories)
	assert.EqualValues(t, 1, stats.EpisodicCount)
	assert.EqualValues(t, 1, stats.SemanticCount)
	assert.EqualValues(t, 1, stats.ProceduralCount)
	assert.GreaterOrEqual(t, stats.ArchivedCount, int64(1))
	assert.Greater(t, stats.AvgByTier[TierProcedural], stats.AvgByTier[TierEpisodic])
}

func TestStart_InvokesRecalculateOnTicksAndStopsCleanly(t *testing.T) {
	m := New(&Config{RecalculateInterval: 10 * time.Millisecond, ArchiveThreshold: 0.05, RecencyWeight: 0.4, FrequencyWeight: 0.3, ImportanceWeight: 0.3})

	calls := make(chan struct{}, 4)
	m.Start(func(ctx context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("recalculate callback never fired")
	}

	m.Stop()
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	m := New(nil)
	defer m.Stop()
	require.NotNil(t, m)

	info := &MemoryInfo{Tier: TierSemantic, LastAccessed: time.Now(), AccessCount: 1}
	score := m.CalculateScore(info)
	assert.Greater(t, score, 0.0)
}
