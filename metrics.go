package contentgate

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision stages used as metric labels.
const (
	StageRequest  = "request"
	StageResponse = "response"
)

// Metrics holds the Prometheus collectors for the engine and proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	decisions        *prometheus.CounterVec
	categoryDenials  *prometheus.CounterVec
	scannedBytes     prometheus.Counter
	policyReloads    *prometheus.CounterVec
	policyStale      prometheus.Counter
	policyGeneration prometheus.Gauge
	policySource     *prometheus.GaugeVec
	policyEntries    *prometheus.GaugeVec
	upstreamErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "scheme"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contentgate",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "contentgate",
			Name:      "active_connections",
			Help:      "Number of active proxy connections.",
		}),

		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "decisions_total",
			Help:      "Filtering decisions by stage, verdict and rule kind.",
		}, []string{"stage", "verdict", "kind"}),

		categoryDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "category_denials_total",
			Help:      "Responses denied by content category.",
		}, []string{"category"}),

		scannedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "scanned_bytes_total",
			Help:      "Response body bytes scanned for category keywords.",
		}),

		policyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "policy_reloads_total",
			Help:      "Published policy reloads by source.",
		}, []string{"source"}),

		policyStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "policy_stale_total",
			Help:      "Reloads where every source failed and the previous policy was kept.",
		}),

		policyGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "contentgate",
			Name:      "policy_generation",
			Help:      "Generation number of the live policy.",
		}),

		policySource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "contentgate",
			Name:      "policy_source",
			Help:      "Source of the live policy (1 for the active source).",
		}, []string{"source"}),

		policyEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "contentgate",
			Name:      "policy_entries",
			Help:      "Entries in the live policy by type.",
		}, []string{"type"}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.decisions,
		m.categoryDenials,
		m.scannedBytes,
		m.policyReloads,
		m.policyStale,
		m.policyGeneration,
		m.policySource,
		m.policyEntries,
		m.upstreamErrors,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterTransport exports the request counters of t.
func (m *Metrics) RegisterTransport(t *DirectTransport) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "contentgate",
			Name:      "transport_requests_total",
			Help:      "Requests issued by the direct transport.",
		}, func() float64 { return float64(t.Stats().TotalRequests) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "contentgate",
			Name:      "transport_active_requests",
			Help:      "In-flight requests on the direct transport.",
		}, func() float64 { return float64(t.Stats().ActiveRequests) }),
	)
}

// RecordRequest records a proxied request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRequestDuration records the duration of a proxied request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// RecordDecision counts d under stage.
func (m *Metrics) RecordDecision(stage string, d Decision) {
	m.decisions.WithLabelValues(stage, d.Verdict.String(), string(d.Kind)).Inc()
	if d.Denied() && d.Kind == KindCategory {
		m.categoryDenials.WithLabelValues(d.Category).Inc()
	}
}

// RecordScanBytes adds n to the scanned byte counter.
func (m *Metrics) RecordScanBytes(n int) {
	m.scannedBytes.Add(float64(n))
}

// ObserveSnapshot updates the policy gauges for a newly published snapshot.
func (m *Metrics) ObserveSnapshot(s *Snapshot) {
	m.policyReloads.WithLabelValues(string(s.Source)).Inc()
	m.policyGeneration.Set(float64(s.Generation))

	for _, src := range []SourceKind{SourceRemote, SourceLocal, SourceEmpty} {
		v := 0.0
		if src == s.Source {
			v = 1
		}
		m.policySource.WithLabelValues(string(src)).Set(v)
	}

	p := s.Policy
	m.policyEntries.WithLabelValues("blocked").Set(float64(len(p.BlockedHosts)))
	m.policyEntries.WithLabelValues("excluded").Set(float64(len(p.ExcludedHosts)))
	m.policyEntries.WithLabelValues("categories").Set(float64(len(p.Categories)))
	m.policyEntries.WithLabelValues("keywords").Set(float64(p.KeywordCount()))
}

// RecordStale records a reload that kept the previous policy.
func (m *Metrics) RecordStale() {
	m.policyStale.Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}
