// Package config loads graph engine configuration from environment variables
// and/or a YAML file.
//
// Configuration is loaded with LoadFromEnv() and validated with Validate()
// before use. Every tunable lives as an explicit field on Config or one of
// its sub-structs; there is no process-global flag registry, so a caller can
// run several independently-configured engines in the same process. LoadFile
// overlays a YAML document onto an already-loaded Config, so a deployment can
// keep its defaults in the environment and override a handful of settings in
// a checked-in graphdb.yaml without duplicating every field.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.LoadFile("graphdb.yaml"); err != nil {
//		log.Fatalf("invalid config file: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration loaded from environment variables.
//
// Configuration is organized into logical sections:
//   - Database: on-disk storage location and WAL durability mode
//   - Memory: decay, embedding, and auto-link settings plus Go runtime tuning
//   - Search: hybrid search and similarity-inference tunables
//   - Logging: structured logging output
//
// Use LoadFromEnv() to create a Config from environment variables.
type Config struct {
	// Database settings
	Database DatabaseConfig

	// Memory/decay and embedding settings
	Memory MemoryConfig

	// Search and inference settings
	Search SearchConfig

	// Logging
	Logging LoggingConfig
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// DataDir is the directory for WAL and snapshot storage.
	DataDir string
	// ReadOnly opens the engine without accepting writes.
	ReadOnly bool
	// WALEnabled controls whether writes are durably logged before being
	// applied to the in-memory engine.
	WALEnabled bool
	// WALSyncOnWrite forces an fsync after every WAL append. Disabling
	// this trades durability for throughput.
	WALSyncOnWrite bool
}

// MemoryConfig holds memory decay, embedding, and runtime memory settings.
type MemoryConfig struct {
	// DecayEnabled controls whether confidence decay runs on a schedule.
	DecayEnabled bool
	// DecayInterval is how often the decay sweep runs.
	DecayInterval time.Duration
	// ArchiveThreshold is the confidence floor below which nodes are archived.
	ArchiveThreshold float64

	// EmbeddingProvider selects the embedding backend (ollama, openai).
	EmbeddingProvider string
	// EmbeddingModel names the model to request from the provider.
	EmbeddingModel string
	// EmbeddingAPIURL is the provider endpoint.
	EmbeddingAPIURL string
	// EmbeddingDimensions is the expected vector width.
	EmbeddingDimensions int
	// EmbedQueueWorkers is the number of concurrent embedding workers.
	EmbedQueueWorkers int
	// EmbedQueuePollInterval is the periodic fallback tick for the
	// embedding worker when no trigger signal has arrived.
	EmbedQueuePollInterval time.Duration

	// AutoLinksEnabled turns on write-time similarity-edge suggestion.
	AutoLinksEnabled bool
	// AutoLinksSimilarityThreshold is the minimum cosine similarity for a
	// suggested SIMILAR_TO edge.
	AutoLinksSimilarityThreshold float64
	// AutoLinksTopK is how many nearest neighbours are considered per store.
	AutoLinksTopK int

	// === Runtime Memory Management (Go runtime tuning) ===

	// RuntimeLimit is the soft memory limit (GOMEMLIMIT) in bytes.
	// 0 = unlimited (Go manages automatically).
	RuntimeLimit int64
	// RuntimeLimitStr is the human-readable form (e.g., "2GB", "512MB").
	RuntimeLimitStr string
	// GCPercent controls GC aggressiveness (GOGC).
	GCPercent int
	// QueryCacheEnabled controls search result caching.
	QueryCacheEnabled bool
	// QueryCacheSize is the maximum number of cached query results.
	QueryCacheSize int
	// QueryCacheTTL is how long cached results remain valid.
	QueryCacheTTL time.Duration
}

// SearchConfig holds hybrid search tunables.
type SearchConfig struct {
	// RRFK is the Reciprocal Rank Fusion constant (default 60).
	RRFK float64
	// DefaultLimit is the result count used when a caller doesn't specify one.
	DefaultLimit int
	// BM25K1 and BM25B are the standard BM25 term-frequency and
	// length-normalization parameters.
	BM25K1 float64
	BM25B  float64
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string
	// Format (json, console)
	Format string
	// Output path (stdout, stderr, or file path)
	Output string
}

// LoadFromEnv loads configuration from environment variables.
//
// All values have sensible defaults, so LoadFromEnv() can be called without
// any environment variables set.
func LoadFromEnv() *Config {
	cfg := &Config{}

	// Database settings
	cfg.Database.DataDir = getEnv("GRAPHDB_DATA_DIR", "./data")
	cfg.Database.ReadOnly = getEnvBool("GRAPHDB_READ_ONLY", false)
	cfg.Database.WALEnabled = getEnvBool("GRAPHDB_WAL_ENABLED", true)
	cfg.Database.WALSyncOnWrite = getEnvBool("GRAPHDB_WAL_SYNC_ON_WRITE", true)

	// Memory/decay/embedding settings
	cfg.Memory.DecayEnabled = getEnvBool("GRAPHDB_DECAY_ENABLED", true)
	cfg.Memory.DecayInterval = getEnvDuration("GRAPHDB_DECAY_INTERVAL", time.Hour)
	cfg.Memory.ArchiveThreshold = getEnvFloat("GRAPHDB_ARCHIVE_THRESHOLD", 0.05)
	cfg.Memory.EmbeddingProvider = getEnv("GRAPHDB_EMBEDDING_PROVIDER", "ollama")
	cfg.Memory.EmbeddingModel = getEnv("GRAPHDB_EMBEDDING_MODEL", "mxbai-embed-large")
	cfg.Memory.EmbeddingAPIURL = getEnv("GRAPHDB_EMBEDDING_API_URL", "http://localhost:11434")
	cfg.Memory.EmbeddingDimensions = getEnvInt("GRAPHDB_EMBEDDING_DIMENSIONS", 1024)
	cfg.Memory.EmbedQueueWorkers = getEnvInt("GRAPHDB_EMBED_QUEUE_WORKERS", 2)
	cfg.Memory.EmbedQueuePollInterval = getEnvDuration("GRAPHDB_EMBED_QUEUE_POLL_INTERVAL", 5*time.Second)
	cfg.Memory.AutoLinksEnabled = getEnvBool("GRAPHDB_AUTO_LINKS_ENABLED", true)
	cfg.Memory.AutoLinksSimilarityThreshold = getEnvFloat("GRAPHDB_AUTO_LINKS_THRESHOLD", 0.82)
	cfg.Memory.AutoLinksTopK = getEnvInt("GRAPHDB_AUTO_LINKS_TOPK", 10)

	// Runtime memory management settings
	cfg.Memory.RuntimeLimitStr = getEnv("GRAPHDB_MEMORY_LIMIT", "0")
	cfg.Memory.RuntimeLimit = parseMemorySize(cfg.Memory.RuntimeLimitStr)
	cfg.Memory.GCPercent = getEnvInt("GRAPHDB_GC_PERCENT", 100)
	cfg.Memory.QueryCacheEnabled = getEnvBool("GRAPHDB_QUERY_CACHE_ENABLED", true)
	cfg.Memory.QueryCacheSize = getEnvInt("GRAPHDB_QUERY_CACHE_SIZE", 1000)
	cfg.Memory.QueryCacheTTL = getEnvDuration("GRAPHDB_QUERY_CACHE_TTL", 5*time.Minute)

	// Search settings
	cfg.Search.RRFK = getEnvFloat("GRAPHDB_SEARCH_RRF_K", 60)
	cfg.Search.DefaultLimit = getEnvInt("GRAPHDB_SEARCH_DEFAULT_LIMIT", 10)
	cfg.Search.BM25K1 = getEnvFloat("GRAPHDB_SEARCH_BM25_K1", 1.2)
	cfg.Search.BM25B = getEnvFloat("GRAPHDB_SEARCH_BM25_B", 0.75)

	// Logging settings
	cfg.Logging.Level = getEnv("GRAPHDB_LOG_LEVEL", "info")
	cfg.Logging.Format = getEnv("GRAPHDB_LOG_FORMAT", "json")
	cfg.Logging.Output = getEnv("GRAPHDB_LOG_OUTPUT", "stdout")

	return cfg
}

// fileConfig mirrors the flat YAML schema written by `graphdb init` and read
// back by LoadFile. Fields are pointers so that a key absent from the file
// leaves the corresponding Config field untouched rather than zeroing it.
type fileConfig struct {
	DataDir    *string `yaml:"data_dir"`
	WALEnabled *bool   `yaml:"wal_enabled"`

	EmbeddingProvider   *string `yaml:"embedding_provider"`
	EmbeddingAPIURL     *string `yaml:"embedding_api_url"`
	EmbeddingModel      *string `yaml:"embedding_model"`
	EmbeddingDimensions *int    `yaml:"embedding_dimensions"`

	DecayEnabled             *bool    `yaml:"decay_enabled"`
	DecayRecalculateInterval *string  `yaml:"decay_recalculate_interval"`
	DecayArchiveThreshold    *float64 `yaml:"decay_archive_threshold"`

	AutoLinksEnabled             *bool    `yaml:"auto_links_enabled"`
	AutoLinksSimilarityThreshold *float64 `yaml:"auto_links_similarity_threshold"`
}

// LoadFile overlays the YAML document at path onto c, overriding only the
// keys present in the file. A missing file is not an error: the environment
// (or built-in) defaults already loaded into c are left as-is, since a YAML
// config is optional per deployment.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.DataDir != nil {
		c.Database.DataDir = *fc.DataDir
	}
	if fc.WALEnabled != nil {
		c.Database.WALEnabled = *fc.WALEnabled
	}
	if fc.EmbeddingProvider != nil {
		c.Memory.EmbeddingProvider = *fc.EmbeddingProvider
	}
	if fc.EmbeddingAPIURL != nil {
		c.Memory.EmbeddingAPIURL = *fc.EmbeddingAPIURL
	}
	if fc.EmbeddingModel != nil {
		c.Memory.EmbeddingModel = *fc.EmbeddingModel
	}
	if fc.EmbeddingDimensions != nil {
		c.Memory.EmbeddingDimensions = *fc.EmbeddingDimensions
	}
	if fc.DecayEnabled != nil {
		c.Memory.DecayEnabled = *fc.DecayEnabled
	}
	if fc.DecayRecalculateInterval != nil {
		if d, err := time.ParseDuration(*fc.DecayRecalculateInterval); err == nil {
			c.Memory.DecayInterval = d
		} else {
			return fmt.Errorf("config file %s: invalid decay_recalculate_interval %q: %w", path, *fc.DecayRecalculateInterval, err)
		}
	}
	if fc.DecayArchiveThreshold != nil {
		c.Memory.ArchiveThreshold = *fc.DecayArchiveThreshold
	}
	if fc.AutoLinksEnabled != nil {
		c.Memory.AutoLinksEnabled = *fc.AutoLinksEnabled
	}
	if fc.AutoLinksSimilarityThreshold != nil {
		c.Memory.AutoLinksSimilarityThreshold = *fc.AutoLinksSimilarityThreshold
	}

	return nil
}

// Validate checks the configuration for logical errors and invalid values.
//
// Call Validate() after LoadFromEnv() and before using the Config.
func (c *Config) Validate() error {
	if c.Memory.EmbeddingDimensions <= 0 {
		return fmt.Errorf("invalid embedding dimensions: %d", c.Memory.EmbeddingDimensions)
	}
	if c.Memory.AutoLinksSimilarityThreshold < 0 || c.Memory.AutoLinksSimilarityThreshold > 1 {
		return fmt.Errorf("invalid auto-links similarity threshold: %f", c.Memory.AutoLinksSimilarityThreshold)
	}
	if c.Search.RRFK <= 0 {
		return fmt.Errorf("invalid RRF k constant: %f", c.Search.RRFK)
	}
	if c.Database.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	return nil
}

// String returns a string representation of the Config suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, ReadOnly: %v, WAL: %v, Decay: %v, AutoLinks: %v}",
		c.Database.DataDir,
		c.Database.ReadOnly,
		c.Database.WALEnabled,
		c.Memory.DecayEnabled,
		c.Memory.AutoLinksEnabled,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
