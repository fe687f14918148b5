package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/org/webguard/internal/policy"
	"github.com/org/webguard/pkg/models"
	"github.com/rs/zerolog/log"
)

// DecideHandler handles POST /v1/decide — the pre-grant permission check
// the extension makes before the browser hands out a capability.
func (s *Server) DecideHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind   models.CapabilityKind `json:"kind"`
		Origin string                `json:"origin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" || req.Origin == "" {
		writeError(w, http.StatusBadRequest, "kind and origin are required")
		return
	}

	d := s.engine.Decide(r.Context(), req.Kind, req.Origin, time.Now().UTC())

	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	decisionsTotal.WithLabelValues(string(req.Kind), outcome).Inc()
	log.Debug().
		Str("request_id", requestIDFromCtx(r.Context())).
		Str("kind", string(req.Kind)).
		Str("origin", req.Origin).
		Bool("allowed", d.Allowed).
		Msg("decision")

	writeJSON(w, http.StatusOK, d)
}

// SignalHandler handles POST /v1/signals — behavior sensors report
// per-origin observations here.
func (s *Server) SignalHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin string            `json:"origin"`
		Kind   models.SignalKind `json:"kind"`
		Delta  int               `json:"delta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Delta == 0 {
		req.Delta = 1
	}

	assessment, err := s.engine.IngestSignal(r.Context(), req.Origin, req.Kind, req.Delta, time.Now().UTC())
	if err != nil {
		if errors.Is(err, policy.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	signalsTotal.WithLabelValues(string(req.Kind)).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"risk": assessment})
}
