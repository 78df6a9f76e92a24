package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"pii-gateway/internal/config"
	"pii-gateway/internal/detect"
)

func newTestServer(t *testing.T, token string) (*Server, *detect.Provider, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		AdminToken:       token,
		AllowlistDir:     dir,
		CompliancePreset: "default",
		MappingStore:     "memory",
	}
	provider, err := detect.NewProvider(dir, "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, provider, zap.NewNop()), provider, dir
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- AllowlistFiles tests ---

func TestAllowlistFiles_AddRemove(t *testing.T) {
	dir := t.TempDir()
	f := NewAllowlistFiles(dir, zap.NewNop())

	if err := f.Add("PERSON", "Acme Support"); err != nil {
		t.Fatal(err)
	}
	// repeated add is a no-op, not a duplicate line
	if err := f.Add("PERSON", "acme support"); err != nil {
		t.Fatal(err)
	}

	terms, err := f.Terms("PERSON")
	if err != nil {
		t.Fatal(err)
	}
	if len(terms) != 1 || terms[0] != "Acme Support" {
		t.Errorf("terms = %v", terms)
	}

	data, err := os.ReadFile(filepath.Join(dir, "PERSON.txt"))
	if err != nil {
		t.Fatalf("allowlist file not written: %v", err)
	}
	if !strings.Contains(string(data), "Acme Support") {
		t.Errorf("file content: %q", data)
	}

	found, err := f.Remove("PERSON", "ACME SUPPORT")
	if err != nil || !found {
		t.Fatalf("remove: found=%v err=%v", found, err)
	}
	terms, _ = f.Terms("PERSON")
	if len(terms) != 0 {
		t.Errorf("terms after remove = %v", terms)
	}

	found, err = f.Remove("PERSON", "never added")
	if err != nil || found {
		t.Errorf("removing an absent term: found=%v err=%v", found, err)
	}
}

func TestAllowlistFiles_WildcardFile(t *testing.T) {
	dir := t.TempDir()
	f := NewAllowlistFiles(dir, zap.NewNop())

	if err := f.Add("*", "example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "terms.txt")); err != nil {
		t.Errorf("wildcard terms file: %v", err)
	}
}

func TestValidEntityType(t *testing.T) {
	tests := []struct {
		entityType string
		valid      bool
	}{
		{"PERSON", true},
		{"ID_CARD", true},
		{"CREDIT_CARD_2", true},
		{"*", true},
		{"person", false},
		{"Person", false},
		{"", false},
		{"../etc/passwd", false},
		{"A B", false},
	}
	for _, tt := range tests {
		if got := validEntityType(tt.entityType); got != tt.valid {
			t.Errorf("validEntityType(%q) = %v, want %v", tt.entityType, got, tt.valid)
		}
	}
}

// --- HTTP handler tests ---

func TestStatus_OK(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
	if _, ok := resp["detectors"]; !ok {
		t.Error("status missing detector list")
	}
}

func TestAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret123")
	h := srv.Handler()

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer secret123", http.StatusOK},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestAuth_NoTokenConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAllowlistAdd_PublishesToRegistry(t *testing.T) {
	srv, provider, _ := newTestServer(t, "")

	w := postJSON(t, srv.Handler(), "/allowlist/add", `{"entity_type":"PERSON","term":"John Smith"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !provider.Current().Allowlist().Contains("PERSON", "John Smith") {
		t.Error("added term not visible in the active registry")
	}

	w = postJSON(t, srv.Handler(), "/allowlist/remove", `{"entity_type":"PERSON","term":"John Smith"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if provider.Current().Allowlist().Contains("PERSON", "John Smith") {
		t.Error("removed term still in the active registry")
	}
}

func TestAllowlistAdd_Invalid(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	h := srv.Handler()

	cases := []struct {
		name string
		body string
	}{
		{"empty term", `{"entity_type":"PERSON","term":""}`},
		{"bad entity type", `{"entity_type":"../evil","term":"x"}`},
		{"newline in term", `{"entity_type":"PERSON","term":"a\nb"}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		if w := postJSON(t, h, "/allowlist/add", tc.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", tc.name, w.Code)
		}
	}
}

func TestAllowlistAdd_WrongMethod(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/allowlist/add", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestAllowlistRemove_Absent(t *testing.T) {
	srv, _, _ := newTestServer(t, "")
	w := postJSON(t, srv.Handler(), "/allowlist/remove", `{"entity_type":"PERSON","term":"ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for absent term, got %d", w.Code)
	}
}
