package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

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

type testGateway struct {
	srv   *httptest.Server
	gw    *Server
	store *mapping.MemoryStore
	cfg   *config.Config
}

func newGateway(t *testing.T, upstreamURL string, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := &config.Config{
		UpstreamURL:              upstreamURL,
		MappingTTLSeconds:        300,
		MappingStore:             "memory",
		InjectPrompt:             true,
		SecretScanEnabled:        true,
		CompliancePreset:         "default",
		FuzzyEnabled:             true,
		FuzzyConfidenceThreshold: 0.85,
		RequestTimeoutSeconds:    10,
		UpstreamTimeoutSeconds:   5,
		StreamIdleTimeoutSeconds: 5,
		MaxPlaceholderLength:     25,
		MaxBodyBytes:             1 << 20,
		CacheTTLSeconds:          60,
		CacheMaxEntries:          16,
	}
	if mutate != nil {
		mutate(cfg)
	}
	log := zap.NewNop()

	provider, err := detect.NewProvider(cfg.AllowlistDir, cfg.CustomPatternPath, log)
	if err != nil {
		t.Fatal(err)
	}
	policy, err := anonymize.PresetPolicy(cfg.CompliancePreset)
	if err != nil {
		t.Fatal(err)
	}
	scanner, err := secrets.NewScanner(cfg.SecretScanEnabled, cfg.CompliancePreset, log)
	if err != nil {
		t.Fatal(err)
	}
	limits, err := quota.LoadTenants(cfg.TenantConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	store := mapping.NewMemoryStore(0, log)
	t.Cleanup(func() { store.Close() })

	var respCache *cache.Cache
	if cfg.CacheEnabled {
		respCache = cache.New(cfg.CacheMaxEntries, cfg.CacheTTL())
	}

	gw, err := New(Options{
		Config:       cfg,
		Log:          log,
		Detectors:    provider,
		Anonymizer:   anonymize.New(policy, nil, log),
		Deanonymizer: deanonymize.New(cfg.FuzzyEnabled, cfg.FuzzyConfidenceThreshold, log),
		Scanner:      scanner,
		Mappings:     store,
		Quotas:       quota.NewManager(limits, cfg.RatePerMinute, cfg.RateLimitEnabled, log),
		Cache:        respCache,
		Metrics:      metrics.New(),
	})
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{srv: srv, gw: gw, store: store, cfg: cfg}
}

func (g *testGateway) post(t *testing.T, path string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func chatRequest(content string, stream bool) []byte {
	req := map[string]any{
		"model": "gpt-4",
		"messages": []any{
			map[string]any{"role": "user", "content": content},
		},
	}
	if stream {
		req["stream"] = true
	}
	data, _ := json.Marshal(req)
	return data
}

func completionBody(content string) []byte {
	data, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	})
	return data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("error envelope: %v in %s", err, body)
	}
	return e.Error.Code
}

func messageContent(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		t.Fatalf("completion body: %v in %s", err, body)
	}
	return resp.Choices[0].Message.Content
}

func waitStoreEmpty(t *testing.T, store *mapping.MemoryStore) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("mapping store not cleaned up: %d records left", store.Len())
}

func TestChatCompletions_RoundTrip(t *testing.T) {
	var upstreamBody atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamBody.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionBody("Understood, <PERSON_1>. I will call <PHONE_1>."))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, nil)
	resp, body := g.post(t, "/v1/chat/completions",
		chatRequest("My name is John Smith and my phone is 555-123-4567.", false), nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	sent, _ := upstreamBody.Load().(string)
	for _, raw := range []string{"John Smith", "555-123-4567"} {
		if strings.Contains(sent, raw) {
			t.Errorf("raw PII %q reached upstream: %s", raw, sent)
		}
	}
	for _, token := range []string{"<PERSON_1>", "<PHONE_1>"} {
		if !strings.Contains(sent, token) {
			t.Errorf("upstream body missing %s: %s", token, sent)
		}
	}
	if !strings.Contains(sent, "placeholders in the format") {
		t.Error("placeholder notice not injected into system prompt")
	}

	content := messageContent(t, body)
	if !strings.Contains(content, "John Smith") || !strings.Contains(content, "555-123-4567") {
		t.Errorf("response not restored: %q", content)
	}
	if strings.Contains(content, "<PERSON_1>") {
		t.Errorf("placeholder leaked to client: %q", content)
	}

	waitStoreEmpty(t, g.store)
}

func TestChatCompletions_CleanTextNotModified(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "placeholders in the format") {
			t.Error("notice injected for a request with no detections")
		}
		w.Write(completionBody("All good."))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, nil)
	resp, body := g.post(t, "/v1/chat/completions",
		chatRequest("Summarize the quarterly revenue figures.", false), nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if g.store.Len() != 0 {
		t.Errorf("empty mapping persisted: %d records", g.store.Len())
	}
}

func TestChatCompletions_SecretBlocked(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, nil)
	key := "sk-" + strings.Repeat("a", 40)
	resp, body := g.post(t, "/v1/chat/completions",
		chatRequest("Here is my API key: "+key, false), nil)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "secret_detected" {
		t.Errorf("error code %q", code)
	}
	if hits.Load() != 0 {
		t.Error("blocked request reached upstream")
	}
	if g.store.Len() != 0 {
		t.Error("blocked request left a mapping behind")
	}
}

func TestChatCompletions_QuotaExceeded(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(completionBody("Hello <PERSON_1>."))
	}))
	defer upstream.Close()

	tenants := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(tenants, []byte("tenants:\n  - name: acme\n    hourly: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	g := newGateway(t, upstream.URL, func(cfg *config.Config) {
		cfg.TenantConfigPath = tenants
	})
	hdr := map[string]string{"X-Tenant-ID": "acme"}

	resp, body := g.post(t, "/v1/chat/completions", chatRequest("I am John Smith.", false), hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status %d: %s", resp.StatusCode, body)
	}
	waitStoreEmpty(t, g.store)

	resp, body = g.post(t, "/v1/chat/completions", chatRequest("I am John Smith.", false), hdr)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "quota_exceeded" {
		t.Errorf("error code %q", code)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", hits.Load())
	}
	if g.store.Len() != 0 {
		t.Error("denied request persisted a mapping")
	}
	if strings.Contains(string(body), "choices") {
		t.Error("denied request produced completion output")
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(completionBody("ok"))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, func(cfg *config.Config) {
		cfg.RateLimitEnabled = true
		cfg.RatePerMinute = 1
	})

	resp, _ := g.post(t, "/v1/chat/completions", chatRequest("hello", false), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status %d", resp.StatusCode)
	}
	resp, body := g.post(t, "/v1/chat/completions", chatRequest("hello", false), nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "rate_limited" {
		t.Errorf("error code %q", code)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", hits.Load())
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	frames := []string{
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hi <PER"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"SON_1>, bye"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "<PERSON_1>") {
			t.Errorf("upstream stream request not sanitized: %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, nil)
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/v1/chat/completions",
		bytes.NewReader(chatRequest("My name is John Smith.", true)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type %q", ct)
	}

	var text strings.Builder
	sawDone := false
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("frame %q: %v", payload, err)
		}
		if len(frame.Choices) > 0 {
			text.WriteString(frame.Choices[0].Delta.Content)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}

	if got := text.String(); got != "Hi John Smith, bye" {
		t.Errorf("streamed text %q, want %q", got, "Hi John Smith, bye")
	}
	if !sawDone {
		t.Error("[DONE] sentinel not relayed")
	}
	waitStoreEmpty(t, g.store)
}

func TestChatCompletions_CacheServesRepeat(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(completionBody("Hello <PERSON_1>."))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, func(cfg *config.Config) {
		cfg.CacheEnabled = true
	})

	for i := 0; i < 2; i++ {
		resp, body := g.post(t, "/v1/chat/completions", chatRequest("I am John Smith.", false), nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status %d", i, resp.StatusCode)
		}
		if content := messageContent(t, body); !strings.Contains(content, "John Smith") {
			t.Errorf("request %d not restored: %q", i, content)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1 (second served from cache)", hits.Load())
	}

	// a different tenant must not share the cached response
	g.post(t, "/v1/chat/completions", chatRequest("I am John Smith.", false),
		map[string]string{"X-Tenant-ID": "other"})
	if hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2 after tenant change", hits.Load())
	}
}

func TestChatCompletions_InvalidJSON(t *testing.T) {
	g := newGateway(t, "http://127.0.0.1:1", nil)
	resp, body := g.post(t, "/v1/chat/completions", []byte("{not json"), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if code := errorCode(t, body); code != "invalid_json" {
		t.Errorf("error code %q", code)
	}
}

func TestChatCompletions_UpstreamErrorPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, nil)
	resp, body := g.post(t, "/v1/chat/completions", chatRequest("hello", false), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want upstream's 401", resp.StatusCode)
	}
	if !strings.Contains(string(body), "bad key") {
		t.Errorf("upstream error body not relayed: %s", body)
	}
}

func TestChatCompletions_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, func(cfg *config.Config) {
		cfg.RequestTimeoutSeconds = 1
	})
	resp, body := g.post(t, "/v1/chat/completions", chatRequest("hello", false), nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status %d, want 504: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "upstream_timeout" {
		t.Errorf("error code %q", code)
	}
}

func TestIsTimeout(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("do request: %w", context.DeadlineExceeded), true},
		{"url error timeout", &url.Error{Op: "Post", URL: "http://u", Err: context.DeadlineExceeded}, true},
		{"dns timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"refused", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := isTimeout(tc.err); got != tc.want {
			t.Errorf("%s: isTimeout = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestModelsPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("upstream path %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization %q, want injected upstream key", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4"}]}`))
	}))
	defer upstream.Close()

	g := newGateway(t, upstream.URL, func(cfg *config.Config) {
		cfg.UpstreamAPIKey = "test-key"
	})
	resp, err := http.Get(g.srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"gpt-4"`) {
		t.Errorf("models body: %s", body)
	}
}

func TestTestEndpoints_RoundTrip(t *testing.T) {
	g := newGateway(t, "http://127.0.0.1:1", nil)

	resp, body := g.post(t, "/api/test/anonymize",
		[]byte(`{"text":"Contact John Smith today."}`), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("anonymize status %d: %s", resp.StatusCode, body)
	}
	var anonResp struct {
		Text      string `json:"text"`
		MappingID string `json:"mapping_id"`
		Entities  []struct {
			EntityType string `json:"entity_type"`
		} `json:"entities"`
	}
	if err := json.Unmarshal(body, &anonResp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(anonResp.Text, "<PERSON_1>") {
		t.Errorf("anonymized text %q", anonResp.Text)
	}
	if anonResp.MappingID == "" || len(anonResp.Entities) != 1 || anonResp.Entities[0].EntityType != "PERSON" {
		t.Errorf("anonymize response: %+v", anonResp)
	}

	// a bracket variant only the fuzzy pass can resolve
	deanonReq, _ := json.Marshal(map[string]string{
		"text":       "Reached [PERSON_1] by phone.",
		"mapping_id": anonResp.MappingID,
	})
	resp, body = g.post(t, "/api/test/deanonymize", deanonReq, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deanonymize status %d: %s", resp.StatusCode, body)
	}
	var deanonResp struct {
		Text     string `json:"text"`
		Replaced int    `json:"replaced"`
	}
	if err := json.Unmarshal(body, &deanonResp); err != nil {
		t.Fatal(err)
	}
	if deanonResp.Text != "Reached John Smith by phone." || deanonResp.Replaced != 1 {
		t.Errorf("deanonymize response: %+v", deanonResp)
	}

	resp, body = g.post(t, "/api/test/deanonymize",
		[]byte(`{"text":"x","mapping_id":"nope"}`), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown mapping: status %d: %s", resp.StatusCode, body)
	}
	if code := errorCode(t, body); code != "mapping_not_found" {
		t.Errorf("error code %q", code)
	}
}

func TestRestoreMapping_Lost(t *testing.T) {
	g := newGateway(t, "http://127.0.0.1:1", nil)

	m := mapping.New("acme")
	m.NextPlaceholder("PERSON", "John Smith")
	// never persisted, so the store cannot produce it
	rm, lost := g.gw.restoreMapping(t.Context(), m, true)
	if !lost {
		t.Fatal("missing record not reported as lost")
	}
	if rm.Len() != 0 {
		t.Errorf("lost mapping should restore nothing, has %d entries", rm.Len())
	}
}

func TestHealth(t *testing.T) {
	g := newGateway(t, "http://127.0.0.1:1", nil)
	resp, err := http.Get(g.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("health body: %s", body)
	}
}
