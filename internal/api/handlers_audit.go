package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/org/webguard/internal/policy"
	"github.com/org/webguard/pkg/models"
)

// LogsGetHandler handles GET /v1/logs?limit=N (newest last).
func (s *Server) LogsGetHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.engine.Logs()
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// LogsPostHandler handles POST /v1/logs — content scripts push their own
// audit events through this.
func (s *Server) LogsPostHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    models.EntryKind `json:"kind"`
		Message string           `json:"message"`
		Details map[string]any   `json:"details"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := s.engine.RecordLog(r.Context(), req.Kind, req.Message, req.Details, time.Now().UTC())
	if err != nil {
		if errors.Is(err, policy.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": entry.ID})
}

// StatsHandler handles GET /v1/stats
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.engine.Stats(r.Context(), time.Now().UTC()),
	})
}

// RiskHandler handles GET /v1/risk?origin=...
func (s *Server) RiskHandler(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		writeError(w, http.StatusBadRequest, "origin is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"risk": s.engine.SiteRisk(origin)})
}

// NoticesHandler handles GET /v1/notices — the extension polls pending
// toast/badge notices and renders them.
func (s *Server) NoticesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notices": s.notices.Drain()})
}
