// Package metrics exposes the gateway's runtime counters in Prometheus
// format. All collectors live on a private registry so tests can build
// isolated instances, and the hot paths only touch lock-free counter
// increments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector for one gateway instance.
type Metrics struct {
	registry *prometheus.Registry

	// request flow
	RequestsTotal   *prometheus.CounterVec // route, code
	RequestsBlocked *prometheus.CounterVec // reason
	StreamChunks    prometheus.Counter

	// anonymization
	PIIDetected    *prometheus.CounterVec // entity_type
	TokensRestored prometheus.Counter
	Unresolved     prometheus.Counter

	// secret scanning
	SecretFindings *prometheus.CounterVec // risk

	// response cache
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// quota and rate limiting
	QuotaExceeded *prometheus.CounterVec // tenant, period
	RateLimited   prometheus.Counter

	// upstream
	UpstreamLatency  prometheus.Histogram
	UpstreamErrors   prometheus.Counter
	AnonymizeLatency prometheus.Histogram

	start time.Time
}

// New builds a Metrics with all collectors registered on a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by route and response code.",
		}, []string{"route", "code"}),
		RequestsBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_blocked_total",
			Help: "Requests refused before forwarding, by reason.",
		}, []string{"reason"}),
		StreamChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_chunks_total",
			Help: "SSE chunks relayed to clients.",
		}),
		PIIDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pii_detected_total",
			Help: "PII spans detected in request text, by entity type.",
		}, []string{"entity_type"}),
		TokensRestored: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tokens_restored_total",
			Help: "Placeholders and synthetic values restored in responses.",
		}),
		Unresolved: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_unresolved_placeholders_total",
			Help: "Well-formed placeholders with no mapping entry.",
		}),
		SecretFindings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_secret_findings_total",
			Help: "Secrets detected in requests, by risk level.",
		}, []string{"risk"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Response cache misses.",
		}),
		QuotaExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quota_exceeded_total",
			Help: "Requests denied by quota, by tenant and window.",
		}, []string{"tenant", "period"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests denied by the per-tenant rate limiter.",
		}),
		UpstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_seconds",
			Help:    "Round-trip time to the upstream API.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Failed upstream exchanges.",
		}),
		AnonymizeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_anonymize_latency_seconds",
			Help:    "Time spent detecting and substituting PII per request.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		start: time.Now(),
	}
}

// ObserveMappingStore registers gauges backed by the live mapping
// store so scrape-time values need no bookkeeping on the request path.
func (m *Metrics) ObserveMappingStore(size func() float64, expired func() float64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_mappings_active",
		Help: "Mapping records currently in the store.",
	}, size)
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_mappings_expired_total",
		Help: "Mapping records reclaimed by TTL sweeps.",
	}, expired)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Uptime reports how long this instance has been running.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.start) }
