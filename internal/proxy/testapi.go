package proxy

import (
	"encoding/json"
	"net/http"

	"pii-gateway/internal/mapping"
)

// The /api/test endpoints exercise the anonymize and restore passes in
// isolation, without an upstream exchange. Mappings created here are
// persisted with the regular TTL so a deanonymize call can pick them
// up by id.

func (s *Server) handleTestAnonymize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request",
			`need {"text":"..."}`)
		return
	}

	m := mapping.New(tenantFrom(r))
	res := s.anon.Anonymize(req.Text, s.detectors.Current(), m)

	if m.Len() > 0 {
		if err := s.mappings.Put(r.Context(), m.Record(s.cfg.MappingTTL())); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "mapping_store",
				"could not persist the mapping")
			return
		}
	}

	type entity struct {
		EntityType string  `json:"entity_type"`
		Text       string  `json:"text"`
		Start      int     `json:"start"`
		End        int     `json:"end"`
		Score      float64 `json:"score"`
	}
	entities := make([]entity, 0, len(res.Spans))
	for _, sp := range res.Spans {
		entities = append(entities, entity{
			EntityType: sp.EntityType,
			Text:       sp.Text,
			Start:      sp.Start,
			End:        sp.End,
			Score:      sp.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":       res.Text,
		"mapping_id": m.ID(),
		"entities":   entities,
	})
}

func (s *Server) handleTestDeanonymize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string `json:"text"`
		MappingID string `json:"mapping_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)).Decode(&req); err != nil ||
		req.Text == "" || req.MappingID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_request",
			`need {"text":"...","mapping_id":"..."}`)
		return
	}

	rec, ok, err := s.mappings.Get(r.Context(), req.MappingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "mapping_store", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "invalid_request_error", "mapping_not_found",
			"mapping expired or never existed")
		return
	}

	d := s.requestDeanonymizer(r)
	res := d.Deanonymize(req.Text, mapping.FromRecord(rec))
	writeJSON(w, http.StatusOK, map[string]any{
		"text":       res.Text,
		"replaced":   res.Replaced,
		"unresolved": res.Unresolved,
	})
}
