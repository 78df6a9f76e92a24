// Package proxy is the anonymizing gateway in front of an
// OpenAI-compatible chat completion API.
//
// Request flow for POST /v1/chat/completions:
//   - scan message text for leaked credentials (block or redact)
//   - replace detected PII with recoverable wire tokens
//   - serve identical sanitized requests from the response cache
//   - enforce per-tenant quota windows and rate limits
//   - forward the sanitized body upstream through a circuit breaker
//   - restore original values in the response, including SSE streams
//     that split a placeholder across chunk boundaries
//
// Everything else under /v1 is passed through untouched.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"pii-gateway/internal/anonymize"
	"pii-gateway/internal/cache"
	"pii-gateway/internal/config"
	"pii-gateway/internal/deanonymize"
	"pii-gateway/internal/detect"
	"pii-gateway/internal/mapping"
	"pii-gateway/internal/metrics"
	"pii-gateway/internal/quota"
	"pii-gateway/internal/secrets"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	detectors *detect.Provider
	anon      *anonymize.Anonymizer
	deanon    *deanonymize.Deanonymizer
	scanner   *secrets.Scanner
	mappings  mapping.Store
	quotas    *quota.Manager
	cache     *cache.Cache
	metrics   *metrics.Metrics

	upstream *url.URL
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// Options collects the collaborators a Server is built from. Cache may
// be nil when response caching is disabled.
type Options struct {
	Config       *config.Config
	Log          *zap.Logger
	Detectors    *detect.Provider
	Anonymizer   *anonymize.Anonymizer
	Deanonymizer *deanonymize.Deanonymizer
	Scanner      *secrets.Scanner
	Mappings     mapping.Store
	Quotas       *quota.Manager
	Cache        *cache.Cache
	Metrics      *metrics.Metrics
}

// New builds a gateway server. The upstream transport keeps a warm
// connection pool and speaks HTTP/2 when the upstream offers it.
func New(opts Options) (*Server, error) {
	upstream, err := url.Parse(opts.Config.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream_url: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.Config.UpstreamTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Config.UpstreamTimeout(),
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		opts.Log.Warn("http2 upstream support unavailable", zap.Error(err))
	}

	s := &Server{
		cfg:       opts.Config,
		log:       opts.Log,
		detectors: opts.Detectors,
		anon:      opts.Anonymizer,
		deanon:    opts.Deanonymizer,
		scanner:   opts.Scanner,
		mappings:  opts.Mappings,
		quotas:    opts.Quotas,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		upstream:  upstream,
		client:    &http.Client{Transport: transport},
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s, nil
}

// Handler returns the gateway's router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handlePassthrough)
	r.Post("/api/test/anonymize", s.handleTestAnonymize)
	r.Post("/api/test/deanonymize", s.handleTestDeanonymize)
	return r
}

// observe logs every request and feeds the request counter.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.String("tenant", tenantFrom(r)),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.metrics.Uptime().Round(time.Second).String(),
	})
}

// handlePassthrough relays a request upstream without touching the
// body. Used for endpoints that never carry user text, like /v1/models.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	req, err := s.upstreamRequest(r, nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", "bad_gateway", err.Error())
		return
	}
	resp, err := s.exchange(req)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	relayBody(w, resp.Body)
}

// tenantFrom identifies the calling tenant. Requests without the
// header share the default tenant's budget.
func tenantFrom(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); t != "" {
		return t
	}
	return "default"
}

// requestDeanonymizer honors the per-request fuzzy override headers,
// falling back to the configured defaults.
func (s *Server) requestDeanonymizer(r *http.Request) *deanonymize.Deanonymizer {
	enabled := s.cfg.FuzzyEnabled
	threshold := s.cfg.FuzzyConfidenceThreshold
	changed := false

	if v := r.Header.Get("X-Fuzzy-Matching"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			enabled, changed = b, true
		}
	}
	if v := r.Header.Get("X-Fuzzy-Threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			threshold, changed = f, true
		}
	}
	if !changed {
		return s.deanon
	}
	return deanonymize.New(enabled, threshold, s.log)
}

// upstreamRequest clones the incoming request toward the upstream API.
// A nil body reuses the incoming one (passthrough).
func (s *Server) upstreamRequest(r *http.Request, body []byte) (*http.Request, error) {
	u := *s.upstream
	u.Path = strings.TrimRight(s.upstream.Path, "/") + r.URL.Path
	u.RawQuery = r.URL.RawQuery

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(r.Context(), r.Method, u.String(), strings.NewReader(string(body)))
	} else {
		req, err = http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	}
	if err != nil {
		return nil, err
	}

	copyHeader(req.Header, r.Header)
	stripHopByHop(req.Header)
	for _, h := range []string{"X-Tenant-Id", "X-Fuzzy-Matching", "X-Fuzzy-Threshold", "Accept-Encoding"} {
		req.Header.Del(h)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.UpstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.UpstreamAPIKey)
	}
	return req, nil
}

// exchange performs one upstream round trip through the circuit
// breaker. Transport failures count against the breaker; upstream HTTP
// error statuses do not.
func (s *Server) exchange(req *http.Request) (*http.Response, error) {
	start := time.Now()
	v, err := s.breaker.Execute(func() (any, error) {
		return s.client.Do(req)
	})
	s.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.UpstreamErrors.Inc()
		return nil, err
	}
	return v.(*http.Response), nil
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		writeError(w, http.StatusServiceUnavailable, "upstream_error", "upstream_unavailable",
			"upstream temporarily unavailable")
	case isTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "upstream_error", "upstream_timeout",
			"upstream request timed out")
	default:
		writeError(w, http.StatusBadGateway, "upstream_error", "bad_gateway",
			fmt.Sprintf("upstream request failed: %v", err))
	}
}

// isTimeout reports whether an upstream exchange ran out of time,
// whether on the request deadline or a dial/TLS timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// writeError emits the gateway's error envelope.
func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encodeJSON(w, v)
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

func stripHopByHop(h http.Header) {
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
