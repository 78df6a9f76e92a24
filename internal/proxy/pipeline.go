package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pii-gateway/internal/cache"
	"pii-gateway/internal/deanonymize"
	"pii-gateway/internal/detect"
	"pii-gateway/internal/mapping"
	"pii-gateway/internal/quota"
	"pii-gateway/internal/secrets"
)

// placeholderNotice is appended to the system prompt whenever a request
// carries wire tokens, so the model echoes them back intact.
const placeholderNotice = "IMPORTANT: This text contains placeholders in the format <TYPE_N> (e.g., <PERSON_1>, <PHONE_2>).\n" +
	"You MUST preserve these placeholders exactly as they appear. Do not modify, translate, or explain them.\n" +
	"Return them exactly in your response when referring to the same entities."

// upstreamStatusError carries a non-200 upstream response through the
// cache fill path so it is relayed verbatim and never cached.
type upstreamStatusError struct {
	status int
	header http.Header
	body   []byte
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

// marshalWire encodes the sanitized request without HTML escaping so
// placeholders reach the upstream in their literal <TYPE_N> wire form.
func marshalWire(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large",
			fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes))
		return
	}
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json",
			"request body is not valid JSON")
		return
	}
	messages, ok := req["messages"].([]any)
	if !ok || len(messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request",
			"messages must be a non-empty array")
		return
	}

	if !s.quotas.Allow(tenant) {
		s.metrics.RateLimited.Inc()
		s.metrics.RequestsBlocked.WithLabelValues("rate_limit").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate_limited",
			"request rate exceeded, slow down")
		return
	}

	// credentials cannot be tokenized and restored the way PII can,
	// so the scan runs before anything else sees the text
	if s.scanMessages(w, messages) {
		return
	}

	m := mapping.New(tenant)
	reg := s.detectors.Current()
	start := time.Now()
	s.sanitizeMessages(messages, reg, m)
	s.metrics.AnonymizeLatency.Observe(time.Since(start).Seconds())

	if s.cfg.InjectPrompt && m.Len() > 0 {
		req["messages"] = injectNotice(messages)
	}

	stream, _ := req["stream"].(bool)
	d := s.requestDeanonymizer(r)

	sanitized, err := marshalWire(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "encode_failed",
			"could not encode sanitized request")
		return
	}

	var key string
	useCache := s.cache != nil && s.cfg.CacheEnabled && !stream
	if useCache {
		key = cache.Key(tenant, req)
		if cached, hit := s.cache.Get(key); hit {
			s.metrics.CacheHits.Inc()
			s.respondRestored(w, d, m, cached, false, quota.Decision{Allowed: true})
			return
		}
		s.metrics.CacheMisses.Inc()
	}

	decision := s.quotas.Check(tenant)
	if !decision.Allowed {
		s.metrics.QuotaExceeded.WithLabelValues(tenant, string(decision.Period)).Inc()
		s.metrics.RequestsBlocked.WithLabelValues("quota").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "quota_exceeded", decision.String())
		return
	}

	// the mapping is persisted only once the request is cleared to
	// forward; a denied request leaves no trace in the store
	persisted := false
	if m.Len() > 0 {
		if err := s.mappings.Put(r.Context(), m.Record(s.cfg.MappingTTL())); err != nil {
			s.log.Error("mapping store put failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "mapping_store",
				"could not persist the request mapping")
			return
		}
		persisted = true
		defer func() {
			// covers normal completion and client cancellation alike
			_ = s.mappings.Delete(context.Background(), m.ID())
		}()
	}

	if stream {
		s.forwardStream(w, r, sanitized, tenant, d, m, persisted, decision)
		return
	}
	s.forwardUnary(w, r, sanitized, tenant, d, m, persisted, useCache, key, decision)
}

// forwardUnary performs the buffered exchange. Concurrent misses for
// the same cache key collapse into one upstream call.
func (s *Server) forwardUnary(w http.ResponseWriter, r *http.Request, sanitized []byte, tenant string,
	d *deanonymize.Deanonymizer, m *mapping.Mapping, persisted, useCache bool, key string, decision quota.Decision) {

	fill := func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout())
		defer cancel()

		req, err := s.upstreamRequest(r.WithContext(ctx), sanitized)
		if err != nil {
			return nil, err
		}
		resp, err := s.exchange(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &upstreamStatusError{status: resp.StatusCode, header: resp.Header, body: respBody}
		}
		return respBody, nil
	}

	var respBody []byte
	var err error
	if useCache {
		respBody, _, err = s.cache.GetOrFill(key, fill)
	} else {
		respBody, err = fill()
	}
	if err != nil {
		var se *upstreamStatusError
		if errors.As(err, &se) {
			// sanitized upstream errors carry no wire tokens; relay verbatim
			copyHeader(w.Header(), se.header)
			w.Header().Del("Content-Length")
			w.WriteHeader(se.status)
			w.Write(se.body) //nolint:errcheck
			return
		}
		s.writeUpstreamError(w, err)
		return
	}

	s.quotas.Record(tenant)
	rm, lost := s.restoreMapping(r.Context(), m, persisted)
	s.respondRestored(w, d, rm, respBody, lost, decision)
}

// restoreMapping re-reads the persisted mapping for the restore pass.
// A record the store can no longer produce (TTL expiry mid-request,
// store failure) degrades to a partial response instead of an error.
func (s *Server) restoreMapping(ctx context.Context, m *mapping.Mapping, persisted bool) (*mapping.Mapping, bool) {
	if !persisted {
		return m, false
	}
	rec, ok, err := s.mappings.Get(ctx, m.ID())
	if err != nil || !ok {
		s.log.Warn("mapping lost before restore", zap.Error(err), zap.String("mapping_id", m.ID()))
		return mapping.New(m.Tenant()), true
	}
	return mapping.FromRecord(rec), false
}

// respondRestored restores wire tokens in a sanitized completion body
// and writes it out.
func (s *Server) respondRestored(w http.ResponseWriter, d *deanonymize.Deanonymizer, m *mapping.Mapping,
	sanitized []byte, lost bool, decision quota.Decision) {

	restored, replaced, unresolved := restoreBody(d, m, sanitized)
	s.metrics.TokensRestored.Add(float64(replaced))
	if len(unresolved) > 0 {
		s.metrics.Unresolved.Add(float64(len(unresolved)))
	}

	if lost || len(unresolved) > 0 {
		w.Header().Set("X-Restore-Status", "partial")
	}
	if decision.SoftWarning {
		w.Header().Set("X-Quota-Warning",
			fmt.Sprintf("%s %d/%d", decision.Period, decision.Used, decision.Limit))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(restored) //nolint:errcheck
}

// restoreBody walks a completion response and restores the content of
// every choice. Bodies that do not parse are restored as plain text.
func restoreBody(d *deanonymize.Deanonymizer, m *mapping.Mapping, body []byte) ([]byte, int, []string) {
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		res := d.Deanonymize(string(body), m)
		return []byte(res.Text), res.Replaced, res.Unresolved
	}

	replaced := 0
	var unresolved []string
	choices, _ := resp["choices"].([]any)
	for _, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for _, field := range []string{"message", "delta"} {
			msg, ok := choice[field].(map[string]any)
			if !ok {
				continue
			}
			content, ok := msg["content"].(string)
			if !ok || content == "" {
				continue
			}
			res := d.Deanonymize(content, m)
			msg["content"] = res.Text
			replaced += res.Replaced
			unresolved = append(unresolved, res.Unresolved...)
		}
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return body, replaced, unresolved
	}
	return out, replaced, unresolved
}

// scanMessages checks every message for leaked credentials. It writes
// the refusal and reports true when the request must not proceed;
// redact-level findings are rewritten in place.
func (s *Server) scanMessages(w http.ResponseWriter, messages []any) bool {
	worst := secrets.ActionAllow
	var types []string

	scan := func(text string) string {
		res := s.scanner.Scan(text)
		for _, f := range res.Findings {
			s.metrics.SecretFindings.WithLabelValues(f.Risk).Inc()
			types = append(types, f.Type)
		}
		if actionRank[res.Action] > actionRank[worst] {
			worst = res.Action
		}
		return res.Text
	}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			msg["content"] = scan(content)
		case []any:
			for _, p := range content {
				part, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := part["text"].(string); ok {
					part["text"] = scan(text)
				}
			}
		}
	}

	if worst == secrets.ActionBlock {
		s.metrics.RequestsBlocked.WithLabelValues("secrets").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request_error", "secret_detected",
			fmt.Sprintf("request contains credentials that must not be forwarded: %v", types))
		return true
	}
	return false
}

var actionRank = map[secrets.Action]int{
	secrets.ActionAllow:  0,
	secrets.ActionWarn:   1,
	secrets.ActionRedact: 2,
	secrets.ActionBlock:  3,
}

// sanitizeMessages anonymizes every text field of every message in
// place, sharing one mapping so repeats of a value across messages get
// one token.
func (s *Server) sanitizeMessages(messages []any, reg *detect.Registry, m *mapping.Mapping) {
	rewrite := func(text string) string {
		res := s.anon.Anonymize(text, reg, m)
		for _, span := range res.Spans {
			s.metrics.PIIDetected.WithLabelValues(span.EntityType).Inc()
		}
		return res.Text
	}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			msg["content"] = rewrite(content)
		case []any:
			for _, p := range content {
				part, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := part["text"].(string); ok {
					part["text"] = rewrite(text)
				}
			}
		}
	}
}

// injectNotice attaches the placeholder-preservation notice: appended
// to the first system message when one exists, prepended as a new
// system message otherwise.
func injectNotice(messages []any) []any {
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok || msg["role"] != "system" {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			msg["content"] = content + "\n\n" + placeholderNotice
			return messages
		}
	}
	notice := map[string]any{"role": "system", "content": placeholderNotice}
	return append([]any{notice}, messages...)
}

func encodeJSON(w io.Writer, v any) {
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func relayBody(w io.Writer, r io.Reader) {
	io.Copy(w, r) //nolint:errcheck
}
