// Package metrics exposes Prometheus instrumentation for the storage,
// embedding worker, and search layers.
//
// Metrics are package-level collectors registered once at init, matching
// the convention the engine's other ambient-stack packages follow (a
// single global instance, no per-call setup). Call Handler to mount the
// Prometheus scrape endpoint in a host application's own HTTP server;
// this package never starts one itself.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EmbedNodesProcessedTotal counts nodes the embedding worker
	// successfully embedded (directly or via file-chunk materialisation).
	EmbedNodesProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphdb_embed_nodes_processed_total",
		Help: "Total number of nodes successfully embedded by the embedding worker.",
	})

	// EmbedNodesFailedTotal counts nodes that exhausted their embed
	// retries without a successful embedder call.
	EmbedNodesFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphdb_embed_nodes_failed_total",
		Help: "Total number of nodes that failed embedding after exhausting retries.",
	})

	// EmbedChunkNodesCreatedTotal counts FileChunk nodes materialised
	// from long File-labelled content.
	EmbedChunkNodesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphdb_embed_chunk_nodes_created_total",
		Help: "Total number of FileChunk nodes created during chunk materialisation.",
	})

	// EmbedWorkerRunning reports whether the embedding worker is
	// currently inside a processNextBatch call (1) or idle (0).
	EmbedWorkerRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "graphdb_embed_worker_running",
		Help: "Whether the embedding worker is actively processing a batch (1) or idle (0).",
	})

	// AsyncFlushesTotal counts completed async-overlay flush cycles.
	AsyncFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphdb_async_flushes_total",
		Help: "Total number of async engine flush cycles executed.",
	})

	// AsyncFlushErrorsTotal counts flush cycles that left at least one
	// node, edge, or delete unflushed.
	AsyncFlushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphdb_async_flush_errors_total",
		Help: "Total number of async engine flush cycles with at least one failed write.",
	})

	// AsyncPendingWrites reports the overlay's pending write count as of
	// the last flush attempt.
	AsyncPendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "graphdb_async_pending_writes",
		Help: "Number of writes buffered in the async overlay, sampled at each flush.",
	})

	// SearchQueryDuration tracks search latency by method (bm25, vector,
	// rrf_hybrid).
	SearchQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphdb_search_query_duration_seconds",
		Help:    "Search query duration in seconds by search method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// SearchCandidatesTotal tracks the candidate-set size returned by
	// each search method, as a running sum divided by query count via
	// the histogram's Sum()/Count(), avoiding an unbounded per-query
	// counter.
	SearchCandidatesTotal = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphdb_search_candidates",
		Help:    "Number of candidates considered per search query, by method.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method"})

	// WALAppendsTotal counts records appended to the write-ahead log.
	WALAppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphdb_wal_appends_total",
		Help: "Total number of records appended to the write-ahead log.",
	})

	// WALReplayWarningsTotal counts skippable replay anomalies, e.g. an
	// OpUpdateEmbedding record whose target node no longer exists.
	WALReplayWarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graphdb_wal_replay_warnings_total",
		Help: "Total number of non-fatal anomalies encountered during WAL replay.",
	})
)

func init() {
	prometheus.MustRegister(
		EmbedNodesProcessedTotal,
		EmbedNodesFailedTotal,
		EmbedChunkNodesCreatedTotal,
		EmbedWorkerRunning,
		AsyncFlushesTotal,
		AsyncFlushErrorsTotal,
		AsyncPendingWrites,
		SearchQueryDuration,
		SearchCandidatesTotal,
		WALAppendsTotal,
		WALReplayWarningsTotal,
	)
}

// Handler returns the Prometheus scrape handler. The caller mounts it on
// their own HTTP mux; this package never listens on a socket (the network
// layer is an explicit external collaborator of this engine).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and observing its duration
// into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) time.Duration {
	d := time.Since(t.start)
	histogram.Observe(d.Seconds())
	return d
}

// ObserveDurationVec is ObserveDuration for a label-keyed histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) time.Duration {
	d := time.Since(t.start)
	histogram.WithLabelValues(labels...).Observe(d.Seconds())
	return d
}
