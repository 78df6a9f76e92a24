// Package management is the admin API, served on its own port and
// guarded by a bearer token.
//
// Endpoints:
//
//	GET  /status           - gateway health, detector and allowlist summary
//	POST /allowlist/add    - exempt a term {"entity_type":"PERSON","term":"Acme Support"}
//	POST /allowlist/remove - drop an exemption
//
// Allowlist edits are persisted to the allowlist directory with atomic
// file writes and published to the request path by rebuilding the
// detector registry.
package management

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pii-gateway/internal/config"
	"pii-gateway/internal/detect"
)

// Server is the admin API server.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	detectors *detect.Provider
	files     *AllowlistFiles
	token     string // bearer token; empty = no auth
	startTime time.Time
}

// New creates an admin server over the gateway's detector provider.
func New(cfg *config.Config, detectors *detect.Provider, log *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		detectors: detectors,
		files:     NewAllowlistFiles(cfg.AllowlistDir, log),
		token:     cfg.AdminToken,
		startTime: time.Now(),
	}
	if s.token != "" {
		log.Info("admin bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/allowlist/add", s.handleAllowlistAdd)
	mux.HandleFunc("/allowlist/remove", s.handleAllowlistRemove)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warn("unauthorized admin request",
				zap.String("remote", r.RemoteAddr),
				zap.String("path", r.URL.Path))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	reg := s.detectors.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "running",
		"uptime":            time.Since(s.startTime).Round(time.Second).String(),
		"detectors":         reg.Detectors(),
		"allowlist_entries": reg.Allowlist().Len(),
		"compliance_preset": s.cfg.CompliancePreset,
		"mapping_store":     s.cfg.MappingStore,
	})
}

type allowlistRequest struct {
	EntityType string `json:"entity_type"`
	Term       string `json:"term"`
}

func (s *Server) decodeAllowlistRequest(w http.ResponseWriter, r *http.Request) (allowlistRequest, bool) {
	var req allowlistRequest
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return req, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" {
		http.Error(w, `invalid request: need {"entity_type":"...","term":"..."}`, http.StatusBadRequest)
		return req, false
	}
	if req.EntityType == "" {
		req.EntityType = "*"
	}
	if !validEntityType(req.EntityType) {
		http.Error(w, "invalid entity_type (want UPPER_SNAKE or *)", http.StatusBadRequest)
		return req, false
	}
	if !validTerm(req.Term) {
		http.Error(w, "invalid term", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleAllowlistAdd(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAllowlistRequest(w, r)
	if !ok {
		return
	}
	if err := s.files.Add(req.EntityType, req.Term); err != nil {
		s.log.Error("allowlist add failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.reload()
	s.log.Info("allowlist term added",
		zap.String("entity_type", req.EntityType),
		zap.String("term", req.Term))
	writeJSON(w, http.StatusOK, map[string]string{"added": req.Term, "entity_type": req.EntityType})
}

func (s *Server) handleAllowlistRemove(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAllowlistRequest(w, r)
	if !ok {
		return
	}
	found, err := s.files.Remove(req.EntityType, req.Term)
	if err != nil {
		s.log.Error("allowlist remove failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "term not in allowlist", http.StatusNotFound)
		return
	}
	s.reload()
	s.log.Info("allowlist term removed",
		zap.String("entity_type", req.EntityType),
		zap.String("term", req.Term))
	writeJSON(w, http.StatusOK, map[string]string{"removed": req.Term, "entity_type": req.EntityType})
}

// reload publishes the edited allowlist immediately instead of waiting
// for the filesystem watcher to fire.
func (s *Server) reload() {
	if err := s.detectors.Reload(); err != nil {
		s.log.Error("registry reload after allowlist edit failed", zap.Error(err))
	}
}

var entityTypeRegexp = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func validEntityType(t string) bool {
	return t == "*" || entityTypeRegexp.MatchString(t)
}

func validTerm(term string) bool {
	return len(term) <= 256 && !strings.ContainsAny(term, "\r\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// AllowlistFiles edits the on-disk allowlist, one file per entity type.
// Writes are atomic (temp file, then rename) so the watcher never sees
// a half-written file.
type AllowlistFiles struct {
	mu  sync.Mutex
	dir string
	log *zap.Logger
}

// NewAllowlistFiles manages the *.txt allowlist files under dir.
func NewAllowlistFiles(dir string, log *zap.Logger) *AllowlistFiles {
	return &AllowlistFiles{dir: dir, log: log}
}

// fileFor maps an entity type to its allowlist file. The wildcard type
// lands in terms.txt, which the loader applies to every entity type.
func (f *AllowlistFiles) fileFor(entityType string) string {
	if entityType == "*" {
		return filepath.Join(f.dir, "terms.txt")
	}
	return filepath.Join(f.dir, entityType+".txt")
}

// Add appends a term to the entity type's file. Adding a term that is
// already present is a no-op.
func (f *AllowlistFiles) Add(entityType, term string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.dir, 0o750); err != nil {
		return err
	}
	path := f.fileFor(entityType)
	terms, err := readTerms(path)
	if err != nil {
		return err
	}
	for _, t := range terms {
		if strings.EqualFold(t, term) {
			return nil
		}
	}
	terms = append(terms, term)
	return atomicWriteTerms(path, terms)
}

// Remove drops a term from the entity type's file and reports whether
// it was present.
func (f *AllowlistFiles) Remove(entityType, term string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.fileFor(entityType)
	terms, err := readTerms(path)
	if err != nil {
		return false, err
	}
	kept := terms[:0]
	found := false
	for _, t := range terms {
		if strings.EqualFold(t, term) {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	if !found {
		return false, nil
	}
	return true, atomicWriteTerms(path, kept)
}

// Terms returns the sorted terms currently on disk for an entity type.
func (f *AllowlistFiles) Terms(entityType string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	terms, err := readTerms(f.fileFor(entityType))
	if err != nil {
		return nil, err
	}
	sort.Strings(terms)
	return terms, nil
}

func readTerms(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var terms []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	return terms, nil
}

func atomicWriteTerms(path string, terms []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".allowlist-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	data := []byte(strings.Join(terms, "\n") + "\n")
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return err
	}
	return nil
}
