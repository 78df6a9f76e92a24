package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"pii-gateway/internal/deanonymize"
	"pii-gateway/internal/mapping"
	"pii-gateway/internal/quota"
)

// forwardStream relays an SSE completion. Delta text flows through a
// stream buffer that holds back any suffix which could still grow into
// a placeholder, so tokens split across chunk boundaries are restored
// once complete.
func (s *Server) forwardStream(w http.ResponseWriter, r *http.Request, sanitized []byte, tenant string,
	d *deanonymize.Deanonymizer, m *mapping.Mapping, persisted bool, decision quota.Decision) {

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming_unsupported",
			"response writer does not support streaming")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := s.upstreamRequest(r.WithContext(ctx), sanitized)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	resp, err := s.exchange(req)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		copyHeader(w.Header(), resp.Header)
		w.Header().Del("Content-Length")
		w.WriteHeader(resp.StatusCode)
		relayBody(w, resp.Body)
		return
	}

	s.quotas.Record(tenant)
	rm, lost := s.restoreMapping(r.Context(), m, persisted)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	if lost {
		w.Header().Set("X-Restore-Status", "partial")
	}
	if decision.SoftWarning {
		w.Header().Set("X-Quota-Warning",
			fmt.Sprintf("%s %d/%d", decision.Period, decision.Used, decision.Limit))
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := deanonymize.NewStreamBuffer(d, rm, s.cfg.MaxPlaceholderLength)

	// the idle timer tears down the upstream read when the stream
	// stalls between chunks
	idle := time.AfterFunc(s.cfg.StreamIdleTimeout(), cancel)
	defer idle.Stop()

	emit := func(payload string) {
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		s.metrics.StreamChunks.Inc()
	}

	// the last content-bearing frame serves as the template for a
	// synthetic frame carrying any text still buffered at stream end
	var template map[string]any
	flushLeftover := func() {
		leftover := buf.Flush()
		if leftover == "" || template == nil {
			return
		}
		setDeltaContent(template, leftover)
		if out, err := json.Marshal(template); err == nil {
			emit(string(out))
		}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		idle.Reset(s.cfg.StreamIdleTimeout())
		line := sc.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			// comments and event names pass through untouched
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])

		if payload == "[DONE]" {
			flushLeftover()
			emit("[DONE]")
			return
		}

		var frame map[string]any
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			emit(payload)
			continue
		}
		content, ok := deltaContent(frame)
		if !ok {
			emit(payload)
			continue
		}
		template = frame

		safe := buf.Push(content)
		if safe == "" && contentOnlyFrame(frame) {
			// a possible placeholder prefix is pending; nothing else in
			// this frame needs to reach the client yet
			continue
		}
		setDeltaContent(frame, safe)
		if out, err := json.Marshal(frame); err == nil {
			emit(string(out))
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Warn("stream relay interrupted", zap.Error(err))
		s.metrics.UpstreamErrors.Inc()
	}
	// upstream closed without a [DONE] sentinel
	flushLeftover()
}

// deltaContent extracts choices[0].delta.content from a stream frame.
func deltaContent(frame map[string]any) (string, bool) {
	choices, _ := frame["choices"].([]any)
	if len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := delta["content"].(string)
	return content, ok && content != ""
}

func setDeltaContent(frame map[string]any, content string) {
	choices, _ := frame["choices"].([]any)
	if len(choices) == 0 {
		return
	}
	if choice, ok := choices[0].(map[string]any); ok {
		if delta, ok := choice["delta"].(map[string]any); ok {
			delta["content"] = content
		}
	}
}

// contentOnlyFrame reports whether suppressing the frame would lose
// nothing but its (withheld) content.
func contentOnlyFrame(frame map[string]any) bool {
	choices, _ := frame["choices"].([]any)
	if len(choices) != 1 {
		return false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return false
	}
	if reason, ok := choice["finish_reason"]; ok && reason != nil {
		return false
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return false
	}
	_, hasRole := delta["role"]
	return !hasRole
}
