package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/webguard/internal/policy"
)

// DownloadCreatedHandler handles POST /v1/downloads/created — the
// extension reports every download the browser has started. Cancellation
// happens through the host command queue; the response just tells the
// extension whether the download was blocked.
func (s *Server) DownloadCreatedHandler(w http.ResponseWriter, r *http.Request) {
	var ev policy.DownloadEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	blocked := s.engine.HandleDownloadCreated(r.Context(), ev, time.Now().UTC())
	if blocked == nil {
		downloadsInterceptedTotal.WithLabelValues("allowed").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"blocked": false})
		return
	}

	downloadsInterceptedTotal.WithLabelValues("blocked").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked": true,
		"id":      blocked.ID,
	})
}

// DownloadAllowHandler handles POST /v1/downloads/{id}/allow — manual
// override from the popup.
func (s *Server) DownloadAllowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.AllowBlockedDownload(r.Context(), id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			writeError(w, http.StatusNotFound, "blocked download not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadsListHandler handles GET /v1/downloads
func (s *Server) DownloadsListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked_downloads": s.engine.BlockedDownloads(),
	})
}

// HostCommandsHandler handles GET /v1/host/commands — the extension
// polls for pending cancel/reissue instructions and executes them against
// the browser download API.
func (s *Server) HostCommandsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": s.commands.Drain(),
	})
}
