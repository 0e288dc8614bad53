package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveExecution("web_search", "success")
	m.ObserveExecution("web_search", "success")
	m.ObserveExecution("web_search", "failed")
	m.ClaimConflict()
	m.RateLimited("serpapi")
	m.DedupDropped(3)
	m.DedupDropped(0)
	m.ExecutionStarted()
	m.ExecutionStarted()
	m.ExecutionDone()

	if got := testutil.ToFloat64(m.executions.WithLabelValues("web_search", "success")); got != 2 {
		t.Errorf("executions{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.claimConflicts); got != 1 {
		t.Errorf("claim conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dedupDropped); got != 3 {
		t.Errorf("dedup dropped = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.running); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveExecution("x", "y")
	m.ClaimConflict()
	m.RateLimited("k")
	m.DedupDropped(1)
	m.ExecutionStarted()
	m.ExecutionDone()
	if m.Registry() != nil {
		t.Error("nil metrics should have nil registry")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveExecution("data_analysis", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `taskpilot_executions_total{status="success",task_type="data_analysis"} 1`) {
		t.Errorf("metrics output missing execution counter:\n%s", body)
	}
}
