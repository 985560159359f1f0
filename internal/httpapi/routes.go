package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xiy/working-memory/pkg/types"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in types.WriteInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	out, err := s.svc.Ingest(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    types.TriggerType `json:"type"`
		Details map[string]any    `json:"details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	out, err := s.svc.RecordTrigger(r.Context(), types.TriggerInput{
		ItemID:  chi.URLParam(r, "id"),
		Type:    req.Type,
		Details: req.Details,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Restore(r.Context(), types.RestoreInput{ItemID: chi.URLParam(r, "id")})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := types.SearchInput{
		Namespace: q.Get("namespace"),
		Query:     q.Get("q"),
		Status:    types.Status(q.Get("status")),
	}
	if raw := q.Get("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "k must be an integer")
			return
		}
		in.K = k
	}
	results, err := s.svc.Search(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
