// Command graphdb is a small CLI for exercising an embedded graph-memory
// database directly from the shell: open a store, create and query nodes,
// run hybrid search, and drive the decay sweep manually.
//
// The Cypher/Bolt/HTTP surfaces, the plugin loader, and GDPR/export tooling
// are explicitly out of scope for this engine (see the package docs on
// graphdb.DB); this CLI only exercises the engine's own Go API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashgrove-labs/graphdb/pkg/config"
	"github.com/ashgrove-labs/graphdb/pkg/embed"
	"github.com/ashgrove-labs/graphdb/pkg/graphdb"
	"github.com/ashgrove-labs/graphdb/pkg/log"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "graphdb",
		Short: "Embedded graph database with hybrid search and memory decay",
		Long: `graphdb is an embedded graph database engine for AI agent memory.

Features:
  - Durable write-ahead log with async write-back cache
  - Background embedding worker with file-chunk materialisation
  - Hybrid search: BM25 full text, cosine vector k-NN, and RRF fusion
  - Write-time similarity inference
  - Tiered memory decay (episodic/semantic/procedural)`,
	}
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory (empty for in-memory only)")

	rootCmd.AddCommand(
		versionCmd(),
		initCmd(),
		statsCmd(),
		putCmd(),
		getCmd(),
		searchCmd(),
		decayCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graphdb v%s (%s)\n", version, commit)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty database directory with a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")

			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", dataDir, err)
			}

			configPath := dataDir + "/graphdb.yaml"
			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("config already exists: %s\n", configPath)
				return nil
			}

			const defaultYAML = `# graphdb configuration
data_dir: ./data
wal_enabled: true

embedding_provider: ollama
embedding_api_url: http://localhost:11434
embedding_model: mxbai-embed-large
embedding_dimensions: 1024

decay_enabled: true
decay_recalculate_interval: 1h
decay_archive_threshold: 0.05

auto_links_enabled: true
auto_links_similarity_threshold: 0.82
`
			if err := os.WriteFile(configPath, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			fmt.Printf("initialized database directory: %s\n", dataDir)
			fmt.Printf("config written to: %s\n", configPath)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show node/edge counts and background worker statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			db, closeFn, err := openDB(dataDir, false)
			if err != nil {
				return err
			}
			defer closeFn()

			stats := db.Stats()
			fmt.Printf("nodes: %d\n", stats.NodeCount)
			fmt.Printf("edges: %d\n", stats.EdgeCount)
			if qs := db.EmbedQueueStats(); qs != nil {
				fmt.Printf("embed worker: running=%v processed=%d failed=%d\n",
					qs.Running, qs.Processed, qs.Failed)
			}
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory and queue it for background embedding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			title, _ := cmd.Flags().GetString("title")
			tier, _ := cmd.Flags().GetString("tier")

			db, closeFn, err := openDB(dataDir, true)
			if err != nil {
				return err
			}
			defer closeFn()

			mem, err := db.Store(context.Background(), &graphdb.Memory{
				Content: args[0],
				Title:   title,
				Tier:    graphdb.MemoryTier(tier),
			})
			if err != nil {
				return err
			}
			fmt.Println(mem.ID)
			return nil
		},
	}
	cmd.Flags().String("title", "", "Memory title")
	cmd.Flags().String("tier", string(graphdb.TierSemantic), "Memory tier: EPISODIC, SEMANTIC, or PROCEDURAL")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Recall a memory by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			db, closeFn, err := openDB(dataDir, false)
			if err != nil {
				return err
			}
			defer closeFn()

			mem, err := db.Recall(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(mem)
		},
	}
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run BM25 full-text search over stored memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			limit, _ := cmd.Flags().GetInt("limit")

			db, closeFn, err := openDB(dataDir, false)
			if err != nil {
				return err
			}
			defer closeFn()

			results, err := db.Search(context.Background(), args[0], nil, limit)
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	cmd.Flags().Int("limit", 10, "Maximum results")
	return cmd
}

func decayCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "decay",
		Short: "Memory decay operations",
	}

	root.AddCommand(&cobra.Command{
		Use:   "recalculate",
		Short: "Recalculate decay scores for every stored memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			db, closeFn, err := openDB(dataDir, false)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := db.RecalculateDecayScores(ctx); err != nil {
				return err
			}
			fmt.Println("decay scores recalculated")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "archive",
		Short: "Mark memories below the archive threshold as archived",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			db, closeFn, err := openDB(dataDir, false)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			n, err := db.ArchiveDecayedMemories(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("archived %d memories\n", n)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show decay score statistics by tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			db, closeFn, err := openDB(dataDir, false)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			stats, err := db.DecayStats(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	})

	return root
}

// openDB loads config.Config from the environment, opens a graphdb.DB
// against dataDir, and (when withEmbedder is true) wires in an embedder so
// the background embedding worker has something to call. The returned func
// closes the database; callers should defer it.
func openDB(dataDir string, withEmbedder bool) (*graphdb.DB, func(), error) {
	envCfg := config.LoadFromEnv()
	if dataDir != "" {
		if err := envCfg.LoadFile(dataDir + "/graphdb.yaml"); err != nil {
			return nil, nil, fmt.Errorf("loading config file: %w", err)
		}
	}
	log.Init(log.Config{Level: envCfg.Logging.Level, JSONOutput: envCfg.Logging.Format == "json"})
	envCfg.Memory.ApplyRuntimeMemory()

	dbConfig := graphdb.DefaultConfig()
	dbConfig.WALEnabled = envCfg.Database.WALEnabled
	dbConfig.WALSyncOnWrite = envCfg.Database.WALSyncOnWrite
	dbConfig.DecayEnabled = envCfg.Memory.DecayEnabled
	dbConfig.DecayRecalculateInterval = envCfg.Memory.DecayInterval
	dbConfig.DecayArchiveThreshold = envCfg.Memory.ArchiveThreshold
	dbConfig.AutoLinksEnabled = envCfg.Memory.AutoLinksEnabled
	dbConfig.AutoLinksSimilarityThreshold = envCfg.Memory.AutoLinksSimilarityThreshold
	dbConfig.AutoLinksTopK = envCfg.Memory.AutoLinksTopK
	dbConfig.QueryCacheEnabled = envCfg.Memory.QueryCacheEnabled
	dbConfig.QueryCacheSize = envCfg.Memory.QueryCacheSize
	dbConfig.QueryCacheTTL = envCfg.Memory.QueryCacheTTL
	dbConfig.SearchRRFK = envCfg.Search.RRFK

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := graphdb.Open(dataDir, dbConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	if withEmbedder {
		embedConfig := defaultEmbedConfig(envCfg.Memory.EmbeddingProvider)
		embedConfig.APIURL = envCfg.Memory.EmbeddingAPIURL
		embedConfig.Model = envCfg.Memory.EmbeddingModel
		embedConfig.Dimensions = envCfg.Memory.EmbeddingDimensions
		if embedder, err := embed.NewEmbedder(embedConfig); err == nil {
			if err := db.SetEmbedder(embedder); err != nil {
				fmt.Fprintf(os.Stderr, "warning: embedder rejected, writing without embeddings: %v\n", err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "warning: embedder unavailable, writing without embeddings: %v\n", err)
		}
	}

	return db, func() { _ = db.Close() }, nil
}

// defaultEmbedConfig returns the provider's default Config (including its
// API path and timeout), which callers then override with env-sourced URL,
// model, and dimension settings.
func defaultEmbedConfig(provider string) *embed.Config {
	if provider == "openai" {
		return embed.DefaultOpenAIConfig(os.Getenv("OPENAI_API_KEY"))
	}
	return embed.DefaultOllamaConfig()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
