package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncVerdict("allow")
	r.IncVerdict("allow")
	r.IncReason("policy-violated")
	r.SetGauge("backend_pool_size", 4)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Verdicts["allow"] != 2 {
		t.Fatalf("expected allow=2 got=%d", snap.Verdicts["allow"])
	}
	if snap.Reasons["policy-violated"] != 1 {
		t.Fatalf("expected policy-violated=1 got=%d", snap.Reasons["policy-violated"])
	}
	if snap.Gauges["backend_pool_size"] != 4 {
		t.Fatalf("expected gauge backend_pool_size=4 got=%v", snap.Gauges["backend_pool_size"])
	}
}

func TestVerdictReasonAndBackendCounters(t *testing.T) {
	r := NewRegistry()
	r.IncVerdictReason("deny", "policy-violated")
	r.IncVerdictReason("deny", "policy-violated")
	r.IncVerdictReason("allow", "")
	r.IncVerdictReason("", "ignored")
	r.IncBackendOutcome("Violated")
	r.IncBackendOutcome("timeout")
	r.IncBackendOutcome("")
	r.ObserveBackendLatency(40 * time.Millisecond)
	r.ObserveBackendLatency(10 * time.Millisecond)

	snap := r.Snapshot()
	if snap.VerdictReason["deny|policy-violated"] != 2 {
		t.Fatalf("verdict_reason: %v", snap.VerdictReason)
	}
	if snap.VerdictReason["allow|none"] != 1 {
		t.Fatalf("empty reason not folded to none: %v", snap.VerdictReason)
	}
	if len(snap.VerdictReason) != 2 {
		t.Fatalf("empty verdict counted: %v", snap.VerdictReason)
	}
	if snap.BackendOutcomes["violated"] != 1 || snap.BackendOutcomes["timeout"] != 1 {
		t.Fatalf("backend outcomes: %v", snap.BackendOutcomes)
	}
	if snap.BackendLatencyMS.Count != 2 || snap.BackendLatencyMS.MaxMS != 40 || snap.BackendLatencyMS.LastMS != 10 {
		t.Fatalf("backend latency: %+v", snap.BackendLatencyMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/deliberation/execute-workflow", 200, 12*time.Millisecond)
	r.Observe("POST /v1/deliberation/execute-workflow", 500, 20*time.Millisecond)
	r.IncVerdict("allow")
	r.IncReason("timeout")
	r.IncVerdictReason("deny", "timeout")
	r.IncBackendOutcome("satisfied")
	r.SetGauge("backend_pool_size", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "checker_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "checker_verdict_total{verdict=\"allow\"} 1") {
		t.Fatalf("missing verdict metric: %s", body)
	}
	if !strings.Contains(body, "checker_verdict_reason_total{verdict=\"deny\",reason=\"timeout\"} 1") {
		t.Fatalf("missing verdict_reason metric: %s", body)
	}
	if !strings.Contains(body, "checker_backend_outcome_total{outcome=\"satisfied\"} 1") {
		t.Fatalf("missing backend outcome metric: %s", body)
	}
	if !strings.Contains(body, "checker_gauge{name=\"backend_pool_size\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncVerdict("")
	r.IncReason("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
