package contentgate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_RecordDecision(t *testing.T) {
	m := NewMetrics()
	m.RecordDecision(StageRequest, Decision{Verdict: VerdictDeny, Kind: KindDomain, Entry: "bad.com"})
	m.RecordDecision(StageRequest, allow(KindDefault))
	m.RecordDecision(StageResponse, Decision{Verdict: VerdictDeny, Kind: KindCategory, Category: "gambling"})
	m.RecordDecision(StageResponse, Decision{Verdict: VerdictDeny, Kind: KindCategory, Category: "gambling"})

	if got := testutil.ToFloat64(m.decisions.WithLabelValues(StageRequest, "deny", "domain")); got != 1 {
		t.Errorf("request deny count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.decisions.WithLabelValues(StageResponse, "deny", "category")); got != 2 {
		t.Errorf("response deny count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.categoryDenials.WithLabelValues("gambling")); got != 2 {
		t.Errorf("category denials = %v, want 2", got)
	}
}

func TestMetrics_ObserveSnapshot(t *testing.T) {
	m := NewMetrics()
	p := NewPolicy([]string{"a.com", "b.com"}, []string{"c.com"}, []Category{
		{Name: "news", Keywords: []string{"x", "y", "z"}},
	})
	m.ObserveSnapshot(&Snapshot{Policy: p, Source: SourceLocal, Generation: 7})

	if got := testutil.ToFloat64(m.policyGeneration); got != 7 {
		t.Errorf("generation = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.policySource.WithLabelValues("local")); got != 1 {
		t.Errorf("local source = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.policySource.WithLabelValues("remote")); got != 0 {
		t.Errorf("remote source = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.policyEntries.WithLabelValues("blocked")); got != 2 {
		t.Errorf("blocked entries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.policyEntries.WithLabelValues("keywords")); got != 3 {
		t.Errorf("keywords = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.policyReloads.WithLabelValues("local")); got != 1 {
		t.Errorf("local reloads = %v, want 1", got)
	}
}

func TestMetrics_ActiveConns(t *testing.T) {
	m := NewMetrics()
	m.IncActiveConns()
	m.IncActiveConns()
	m.DecActiveConns()

	if got := testutil.ToFloat64(m.activeConns); got != 1 {
		t.Errorf("active conns = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", "http")
	m.RecordRequestDuration("GET", 200, 50*time.Millisecond)
	m.RecordDecision(StageRequest, Decision{Verdict: VerdictDeny, Kind: KindDomain})
	m.RecordScanBytes(1024)
	m.RecordStale()
	m.RecordUpstreamError("example.com")
	m.RegisterTransport(NewDirectTransport())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	checks := []string{
		"contentgate_requests_total",
		"contentgate_request_duration_seconds",
		"contentgate_decisions_total",
		"contentgate_scanned_bytes_total 1024",
		"contentgate_policy_stale_total 1",
		"contentgate_upstream_errors_total",
		"contentgate_transport_requests_total",
		"contentgate_active_connections",
	}
	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("metrics output missing %q", check)
		}
	}
}
