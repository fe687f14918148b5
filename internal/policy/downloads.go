package policy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/org/webguard/internal/notify"
	"github.com/org/webguard/internal/risk"
	"github.com/org/webguard/internal/storage"
	"github.com/org/webguard/pkg/models"
	"github.com/rs/zerolog/log"
)

// DownloadEvent describes a download the host has already created. There
// is no pre-check hook: the policy can only veto after the fact.
type DownloadEvent struct {
	HostID        string `json:"id"`
	URL           string `json:"url"`
	FinalURL      string `json:"final_url"`
	Filename      string `json:"filename"`
	SelfInitiated bool   `json:"self_initiated"`
}

// HandleDownloadCreated applies the download interception policy to an
// observed download. A nil return means the download may proceed; a
// non-nil return is the blocked-download record after the host was told
// to cancel.
//
// Only the admin-MFA and whitelist/temp-allow rules apply here. Downloads
// are not sensor-class, so the sensors-unlock window and the
// guest-specific rule do not.
func (e *Engine) HandleDownloadCreated(ctx context.Context, ev DownloadEvent, now time.Time) *models.BlockedDownload {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recorder.EnsureToday(ctx, now)

	if !e.settings.ProtectionEnabled || ev.SelfInitiated {
		return nil
	}

	rawURL := ev.FinalURL
	if rawURL == "" {
		rawURL = ev.URL
	}
	if rawURL == "" {
		return nil
	}

	// Unresolvable source URLs degrade gracefully: the download is still
	// policed, just without per-origin stats.
	origin := resolveOrigin(rawURL)

	if e.settings.Role == models.RoleAdmin && IsAdminMFAActive(&e.settings, now) {
		e.recorder.Record(ctx, now, models.EntryInfo, "Admin mode: allowed download",
			map[string]any{"url": rawURL, "origin": origin})
		return nil
	}

	if origin != "" && (IsWhitelisted(&e.settings, origin) || IsTempAllowed(&e.settings, origin, now)) {
		e.recorder.Record(ctx, now, models.EntryInfo, "Allowed download from trusted origin",
			map[string]any{"url": rawURL, "origin": origin})
		return nil
	}

	// Block by default.
	if err := e.host.CancelDownload(ctx, ev.HostID); err != nil {
		log.Error().Err(err).Str("download_id", ev.HostID).Msg("cancelling download at host")
	}

	filename := ev.Filename
	if filename == "" {
		filename = "download"
	}
	blocked := &models.BlockedDownload{
		ID:        newDownloadID(),
		URL:       rawURL,
		Filename:  filename,
		Timestamp: now.UTC(),
		Origin:    origin,
	}
	e.blocked = append(e.blocked, blocked)
	e.recorder.AddDownloadBlocked(ctx, now)
	if err := e.store.SaveBlockedDownload(ctx, blocked); err != nil {
		storage.PersistFailures.WithLabelValues("blocked_download").Inc()
		log.Error().Err(err).Msg("persisting blocked download")
	}

	if origin != "" {
		s := e.site(origin)
		s.BlockedDownloads++
		e.persistSiteStats(ctx, origin)
		e.notifyBadge(origin, risk.Score(*s), now)
	}

	e.recorder.Record(ctx, now, models.EntryThreat, "Blocked suspicious download", map[string]any{
		"id":       blocked.ID,
		"url":      blocked.URL,
		"filename": blocked.Filename,
		"origin":   origin,
	})

	if origin != "" {
		e.notify.Dispatch(notify.Notice{
			Audience: notify.AudienceOriginTabs,
			Kind:     notify.KindDownloadBlocked,
			Origin:   origin,
			Payload: map[string]any{
				"download_id": blocked.ID,
				"filename":    blocked.Filename,
			},
			Time: now.UTC(),
		})
	}
	return blocked
}

// AllowBlockedDownload manually approves a blocked download: the host
// reissues it with collision-safe naming and the entry leaves the queue.
// If the host refuses, the entry stays so the user can retry.
func (e *Engine) AllowBlockedDownload(ctx context.Context, id string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, d := range e.blocked {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	item := e.blocked[idx]

	if err := e.host.ReissueDownload(ctx, item.URL, item.Filename); err != nil {
		return fmt.Errorf("reissuing download: %w", err)
	}

	e.blocked = append(e.blocked[:idx], e.blocked[idx+1:]...)
	if err := e.store.DeleteBlockedDownload(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("id", id).Msg("deleting blocked download")
	}

	e.recorder.Record(ctx, now, models.EntryInfo, "Manually allowed download",
		map[string]any{"id": id, "url": item.URL})

	if item.Origin != "" {
		if s, ok := e.siteStats[item.Origin]; ok {
			e.notifyBadge(item.Origin, risk.Score(*s), now)
		}
	}
	return nil
}

// resolveOrigin extracts scheme://host from a download URL, or "" when
// the URL cannot be parsed.
func resolveOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func newDownloadID() string {
	b := make([]byte, 16)
	rand.Read(b) //nolint:errcheck
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
