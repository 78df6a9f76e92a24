package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.RequestsTotal.WithLabelValues("/v1/chat/completions", "200").Inc()
	m.RequestsTotal.WithLabelValues("/v1/chat/completions", "200").Inc()
	m.PIIDetected.WithLabelValues("PERSON").Add(3)
	m.TokensRestored.Add(5)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/v1/chat/completions", "200")); got != 2 {
		t.Errorf("requests counter: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PIIDetected.WithLabelValues("PERSON")); got != 3 {
		t.Errorf("pii counter: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.TokensRestored); got != 5 {
		t.Errorf("restored counter: got %v, want 5", got)
	}
}

func TestIsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.CacheHits.Inc()

	if got := testutil.ToFloat64(b.CacheHits); got != 0 {
		t.Errorf("second instance sees first instance's counts: %v", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.QuotaExceeded.WithLabelValues("acme", "hourly").Inc()
	m.SecretFindings.WithLabelValues("critical").Inc()
	m.UpstreamLatency.Observe(0.25)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`gateway_quota_exceeded_total{period="hourly",tenant="acme"} 1`,
		`gateway_secret_findings_total{risk="critical"} 1`,
		"gateway_upstream_latency_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestObserveMappingStore(t *testing.T) {
	m := New()
	size := 3.0
	m.ObserveMappingStore(func() float64 { return size }, func() float64 { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "gateway_mappings_active 3") {
		t.Errorf("active gauge missing:\n%s", body)
	}
	if !strings.Contains(body, "gateway_mappings_expired_total 7") {
		t.Errorf("expired gauge missing")
	}
}

func TestUptime(t *testing.T) {
	m := New()
	time.Sleep(2 * time.Millisecond)
	if m.Uptime() <= 0 {
		t.Error("uptime not positive")
	}
}
