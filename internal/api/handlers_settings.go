package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/org/webguard/internal/policy"
	"github.com/org/webguard/pkg/models"
)

// SettingsGetHandler handles GET /v1/settings
func (s *Server) SettingsGetHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"settings": s.engine.Snapshot()})
}

// SettingsPatchHandler handles PATCH /v1/settings — toggles and the mode.
// Role changes go through PUT /v1/role since they carry the MFA-clearing
// invariant.
func (s *Server) SettingsPatchHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProtectionEnabled          *bool        `json:"protection_enabled"`
		ClipboardProtectionEnabled *bool        `json:"clipboard_protection_enabled"`
		Mode                       *models.Mode `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	if req.ProtectionEnabled != nil {
		s.engine.SetProtection(ctx, *req.ProtectionEnabled, now)
	}
	if req.ClipboardProtectionEnabled != nil {
		s.engine.SetClipboardProtection(ctx, *req.ClipboardProtectionEnabled, now)
	}
	if req.Mode != nil {
		if err := s.engine.SetMode(ctx, *req.Mode, now); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": s.engine.Snapshot()})
}

// RoleHandler handles PUT /v1/role
func (s *Server) RoleHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role models.Role `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.SetRole(r.Context(), req.Role, time.Now().UTC()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": req.Role})
}

// WhitelistListHandler handles GET /v1/whitelist
func (s *Server) WhitelistListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"whitelist": s.engine.Snapshot().Whitelist})
}

// WhitelistAddHandler handles POST /v1/whitelist
func (s *Server) WhitelistAddHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin string `json:"origin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.AddToWhitelist(r.Context(), req.Origin, time.Now().UTC()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WhitelistDeleteHandler handles DELETE /v1/whitelist?origin=...
// The origin goes in a query parameter because it contains slashes.
func (s *Server) WhitelistDeleteHandler(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	err := s.engine.RemoveFromWhitelist(r.Context(), origin, time.Now().UTC())
	switch {
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, "origin not whitelisted")
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// TempAllowGrantHandler handles POST /v1/temp-allow
func (s *Server) TempAllowGrantHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin  string `json:"origin"`
		Minutes int    `json:"minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	expiry, err := s.engine.GrantTempAllow(r.Context(), req.Origin, req.Minutes, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"expires_at": expiry.UTC()})
}

// TempAllowQueryHandler handles GET /v1/temp-allow?origin=...
func (s *Server) TempAllowQueryHandler(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	allowed := s.engine.TempAllowed(origin, time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

// MFAVerifyHandler handles POST /v1/mfa/verify. A wrong PIN is a normal
// negative outcome, not an HTTP error.
func (s *Server) MFAVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.engine.VerifyMFA(r.Context(), req.PIN, time.Now().UTC()) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "invalid PIN"})
}

// SensorsUnlockHandler handles POST /v1/sensors/unlock
func (s *Server) SensorsUnlockHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	until, err := s.engine.UnlockSensors(r.Context(), req.Minutes, time.Now().UTC())
	switch {
	case errors.Is(err, policy.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"until": until.UTC()})
	}
}

// SelfDestructHandler handles POST /v1/self-destruct
func (s *Server) SelfDestructHandler(w http.ResponseWriter, r *http.Request) {
	s.engine.SelfDestruct(r.Context(), time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
