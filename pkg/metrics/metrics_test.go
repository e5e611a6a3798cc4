package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsObserveValues(t *testing.T) {
	EmbedNodesProcessedTotal.Add(0) // no-op touch so gather below is deterministic

	before := testutil.ToFloat64(EmbedNodesProcessedTotal)
	EmbedNodesProcessedTotal.Inc()
	after := testutil.ToFloat64(EmbedNodesProcessedTotal)

	if after != before+1 {
		t.Fatalf("EmbedNodesProcessedTotal = %v, want %v", after, before+1)
	}
}

func TestEmbedWorkerRunningGauge(t *testing.T) {
	EmbedWorkerRunning.Set(1)
	if got := testutil.ToFloat64(EmbedWorkerRunning); got != 1 {
		t.Fatalf("EmbedWorkerRunning = %v, want 1", got)
	}

	EmbedWorkerRunning.Set(0)
	if got := testutil.ToFloat64(EmbedWorkerRunning); got != 0 {
		t.Fatalf("EmbedWorkerRunning = %v, want 0", got)
	}
}

func TestSearchQueryDurationVecLabels(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDurationVec(SearchQueryDuration, "fulltext")

	count := testutil.CollectAndCount(SearchQueryDuration)
	if count == 0 {
		t.Fatal("expected SearchQueryDuration to have at least one observed series")
	}
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}
