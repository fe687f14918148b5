package policy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/org/webguard/internal/audit"
	"github.com/org/webguard/internal/auth"
	"github.com/org/webguard/internal/host"
	"github.com/org/webguard/internal/notify"
	"github.com/org/webguard/internal/risk"
	"github.com/org/webguard/internal/storage"
	"github.com/org/webguard/pkg/models"
	"github.com/rs/zerolog/log"
)

// Error taxonomy for engine operations. Denials are normal decision
// outcomes, never errors; these cover the operations around decisions.
var (
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
)

const (
	mfaWindow            = 30 * time.Minute
	defaultUnlockMinutes = 15
)

// Engine is the policy decision engine. It exclusively owns the policy
// state, the per-origin stats table, the audit log, daily stats, and the
// blocked-download queue; a single mutex serializes every read and
// mutation so concurrent requests always observe a consistent snapshot.
//
// Persistence is fire and forget: decisions are returned from memory and
// a store failure is logged, never propagated to the caller.
type Engine struct {
	mu       sync.Mutex
	store    storage.Backend
	host     host.DownloadHost
	notify   notify.Dispatcher
	pins     auth.PinVerifier
	recorder *audit.Recorder

	settings  models.Settings
	siteStats map[string]*models.SiteStats
	blocked   []*models.BlockedDownload
}

// NewEngine creates an Engine with default state. Call Load to restore
// persisted state before serving requests.
func NewEngine(store storage.Backend, dlHost host.DownloadHost, dispatcher notify.Dispatcher, pins auth.PinVerifier) *Engine {
	return &Engine{
		store:     store,
		host:      dlHost,
		notify:    dispatcher,
		pins:      pins,
		recorder:  audit.NewRecorder(store, dispatcher),
		settings:  models.DefaultSettings(),
		siteStats: map[string]*models.SiteStats{},
	}
}

// Load restores persisted state. Missing records are a normal first run
// and leave the defaults in place; any other storage error aborts.
func (e *Engine) Load(ctx context.Context, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings, err := e.store.LoadSettings(ctx)
	switch {
	case err == nil:
		if settings.TempAllow == nil {
			settings.TempAllow = map[string]time.Time{}
		}
		e.settings = *settings
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("loading settings: %w", err)
	}

	stats, err := e.store.LoadSiteStats(ctx)
	if err != nil {
		return fmt.Errorf("loading site stats: %w", err)
	}
	if stats != nil {
		e.siteStats = stats
	}

	var daily models.DailyStats
	if d, err := e.store.LoadDailyStats(ctx); err == nil {
		daily = *d
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading daily stats: %w", err)
	}

	entries, err := e.store.LoadAuditLog(ctx, audit.MaxEntries)
	if err != nil {
		return fmt.Errorf("loading audit log: %w", err)
	}
	e.recorder.Restore(entries, daily)
	e.recorder.EnsureToday(ctx, now)

	blocked, err := e.store.LoadBlockedDownloads(ctx)
	if err != nil {
		return fmt.Errorf("loading blocked downloads: %w", err)
	}
	e.blocked = blocked
	return nil
}

// Decide evaluates a capability request. Rules run in a fixed order and
// the first match wins; later rules are stricter and must never re-open
// what an earlier rule closed. Every call produces exactly one audit
// entry and one daily-stats increment.
func (e *Engine) Decide(ctx context.Context, kind models.CapabilityKind, origin string, now time.Time) models.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.settings.ProtectionEnabled {
		return e.allowPermission(ctx, now, origin,
			fmt.Sprintf("Protection off: allowed %s", kind), nil)
	}

	if IsWhitelisted(&e.settings, origin) || IsTempAllowed(&e.settings, origin, now) {
		return e.allowPermission(ctx, now, origin,
			fmt.Sprintf("Allowed %s for whitelisted or temp-allowed site", kind), nil)
	}

	if AreSensorsUnlocked(&e.settings, now) && kind.IsSensor() {
		return e.allowPermission(ctx, now, origin,
			fmt.Sprintf("Sensors unlock: auto-allowed %s", kind),
			map[string]any{"until": e.settings.SensorsUnlockedUntil.UTC()})
	}

	if e.settings.Role == models.RoleAdmin && IsAdminMFAActive(&e.settings, now) {
		return e.allowPermission(ctx, now, origin,
			fmt.Sprintf("Admin MFA active: allowed %s", kind), nil)
	}

	if e.settings.Role == models.RoleGuest {
		return e.denyPermission(ctx, now, kind, origin, "guest",
			fmt.Sprintf("Guest mode: blocked %s for %s", kind, origin))
	}

	return e.denyPermission(ctx, now, kind, origin, "default",
		fmt.Sprintf("Blocked %s for %s; user can whitelist or temp-allow", kind, origin))
}

func (e *Engine) allowPermission(ctx context.Context, now time.Time, origin, message string, extra map[string]any) models.Decision {
	e.recorder.AddPermissionAllowed(ctx, now)
	details := map[string]any{"origin": origin}
	for k, v := range extra {
		details[k] = v
	}
	e.recorder.Record(ctx, now, models.EntryInfo, message, details)
	return models.Decision{Allowed: true}
}

func (e *Engine) denyPermission(ctx context.Context, now time.Time, kind models.CapabilityKind, origin, reason, message string) models.Decision {
	e.recorder.AddPermissionBlocked(ctx, now)
	e.recorder.Record(ctx, now, models.EntryThreat, message, map[string]any{"origin": origin})

	// Downloads and other non-sensor kinds have their own surfaces; only
	// sensor denials raise an in-page notice.
	if kind.IsSensor() {
		e.notify.Dispatch(notify.Notice{
			Audience: notify.AudienceOriginTabs,
			Kind:     notify.KindPermissionBlocked,
			Origin:   origin,
			Payload: map[string]any{
				"permission_kind": string(kind),
				"reason":          reason,
			},
			Time: now.UTC(),
		})
	}
	return models.Decision{Allowed: false}
}

// --- State-changing operations ---

// SetProtection toggles the global protection switch.
func (e *Engine) SetProtection(ctx context.Context, enabled bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings.ProtectionEnabled = enabled
	e.persistSettings(ctx)
	msg := "Protection disabled"
	if enabled {
		msg = "Protection enabled"
	}
	e.recorder.Record(ctx, now, models.EntryInfo, msg, nil)
}

// SetClipboardProtection toggles clipboard protection.
func (e *Engine) SetClipboardProtection(ctx context.Context, enabled bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings.ClipboardProtectionEnabled = enabled
	e.persistSettings(ctx)
	msg := "Clipboard protection disabled"
	if enabled {
		msg = "Clipboard protection enabled"
	}
	e.recorder.Record(ctx, now, models.EntryInfo, msg, nil)
}

// SetRole changes the user role. Moving away from admin atomically
// clears the MFA fields so a stale admin session never survives a
// demotion.
func (e *Engine) SetRole(ctx context.Context, role models.Role, now time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if role == e.settings.Role {
		return nil
	}
	if role != models.RoleAdmin {
		e.settings.AdminMFAVerified = false
		e.settings.AdminMFAExpiry = time.Time{}
	}
	e.settings.Role = role
	e.persistSettings(ctx)
	e.recorder.Record(ctx, now, models.EntryInfo,
		fmt.Sprintf("Role changed to %s", role), nil)
	return nil
}

// SetMode changes the operating mode. The mode is recorded and reported
// but not consulted by any decision rule.
func (e *Engine) SetMode(ctx context.Context, mode models.Mode, now time.Time) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if mode == e.settings.Mode {
		return nil
	}
	e.settings.Mode = mode
	e.persistSettings(ctx)
	e.recorder.Record(ctx, now, models.EntryInfo,
		fmt.Sprintf("Mode changed to %s", mode), nil)
	return nil
}

// AddToWhitelist permanently trusts an origin. Idempotent.
func (e *Engine) AddToWhitelist(ctx context.Context, rawOrigin string, now time.Time) error {
	origin, err := normalizeOrigin(rawOrigin)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if IsWhitelisted(&e.settings, origin) {
		return nil
	}
	e.settings.Whitelist = append(e.settings.Whitelist, origin)
	e.persistSettings(ctx)
	e.recorder.Record(ctx, now, models.EntryInfo, "Origin added to whitelist",
		map[string]any{"origin": origin})
	return nil
}

// RemoveFromWhitelist drops an origin from the permanent trust list.
func (e *Engine) RemoveFromWhitelist(ctx context.Context, rawOrigin string, now time.Time) error {
	origin, err := normalizeOrigin(rawOrigin)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, o := range e.settings.Whitelist {
		if o == origin {
			e.settings.Whitelist = append(e.settings.Whitelist[:i], e.settings.Whitelist[i+1:]...)
			e.persistSettings(ctx)
			e.recorder.Record(ctx, now, models.EntryInfo, "Origin removed from whitelist",
				map[string]any{"origin": origin})
			return nil
		}
	}
	return ErrNotFound
}

// GrantTempAllow gives an origin a time-bounded grant and returns the
// expiry instant.
func (e *Engine) GrantTempAllow(ctx context.Context, rawOrigin string, minutes int, now time.Time) (time.Time, error) {
	origin, err := normalizeOrigin(rawOrigin)
	if err != nil {
		return time.Time{}, err
	}
	if minutes <= 0 {
		return time.Time{}, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	expiry := now.Add(time.Duration(minutes) * time.Minute)
	e.settings.TempAllow[origin] = expiry
	e.persistSettings(ctx)
	e.recorder.Record(ctx, now, models.EntryInfo, "Temporary allow granted",
		map[string]any{"origin": origin, "minutes": minutes})
	return expiry, nil
}

// TempAllowed reports whether origin currently holds a grant.
func (e *Engine) TempAllowed(origin string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return IsTempAllowed(&e.settings, origin, now)
}

// PruneTempAllow drops expired grants and returns how many were removed.
// Expired grants are already logically absent; this is housekeeping only.
func (e *Engine) PruneTempAllow(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for origin, expiry := range e.settings.TempAllow {
		if !expiry.After(now) {
			delete(e.settings.TempAllow, origin)
			removed++
		}
	}
	if removed > 0 {
		e.persistSettings(ctx)
	}
	return removed
}

// VerifyMFA checks the admin PIN. Success opens a 30-minute MFA window;
// failure clears any existing window and records an Alert, since repeated
// failures are themselves a security signal. A wrong PIN is a normal
// negative outcome, not an error.
func (e *Engine) VerifyMFA(ctx context.Context, pin string, now time.Time) bool {
	ok := e.pins.Verify(pin)

	e.mu.Lock()
	defer e.mu.Unlock()

	if ok {
		e.settings.AdminMFAVerified = true
		e.settings.AdminMFAExpiry = now.Add(mfaWindow)
		e.persistSettings(ctx)
		e.recorder.Record(ctx, now, models.EntryInfo, "Admin MFA verified", nil)
		return true
	}

	e.settings.AdminMFAVerified = false
	e.settings.AdminMFAExpiry = time.Time{}
	e.persistSettings(ctx)
	e.recorder.Record(ctx, now, models.EntryAlert, "Admin MFA failed", nil)
	return false
}

// UnlockSensors opens the global sensor override window. Requires an
// active admin MFA session. A zero duration means the default 15 minutes.
func (e *Engine) UnlockSensors(ctx context.Context, minutes int, now time.Time) (time.Time, error) {
	if minutes < 0 {
		return time.Time{}, fmt.Errorf("%w: duration must not be negative", ErrInvalidInput)
	}
	if minutes == 0 {
		minutes = defaultUnlockMinutes
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.settings.Role != models.RoleAdmin || !IsAdminMFAActive(&e.settings, now) {
		return time.Time{}, fmt.Errorf("%w: admin MFA not active", ErrNotAuthorized)
	}

	until := now.Add(time.Duration(minutes) * time.Minute)
	e.settings.SensorsUnlockedUntil = until
	e.persistSettings(ctx)
	e.recorder.Record(ctx, now, models.EntryInfo, "Sensors unlocked for limited time",
		map[string]any{"minutes": minutes, "until": until.UTC()})
	return until, nil
}

// SelfDestruct clears all ephemeral trust state: temp grants, the MFA
// session, the sensors-unlock window, and every per-origin counter. The
// whitelist and the audit log are deliberately preserved.
func (e *Engine) SelfDestruct(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.settings.TempAllow = map[string]time.Time{}
	e.settings.AdminMFAVerified = false
	e.settings.AdminMFAExpiry = time.Time{}
	e.settings.SensorsUnlockedUntil = time.Time{}
	e.persistSettings(ctx)

	e.siteStats = map[string]*models.SiteStats{}
	if err := e.store.ResetSiteStats(ctx); err != nil {
		log.Error().Err(err).Msg("resetting site stats")
	}

	e.recorder.Record(ctx, now, models.EntryInfo, "Self-destruct executed", nil)
}

// IngestSignal feeds an externally observed behavior signal into an
// origin's counters and returns the resulting risk. Deltas come from
// untrusted sensors; the only validation is that they are non-negative.
func (e *Engine) IngestSignal(ctx context.Context, rawOrigin string, kind models.SignalKind, delta int, now time.Time) (models.RiskAssessment, error) {
	origin, err := normalizeOrigin(rawOrigin)
	if err != nil {
		return models.RiskAssessment{}, err
	}
	if !kind.Valid() {
		return models.RiskAssessment{}, fmt.Errorf("%w: unknown signal kind %q", ErrInvalidInput, kind)
	}
	if delta < 0 {
		return models.RiskAssessment{}, fmt.Errorf("%w: delta must not be negative", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.site(origin)
	switch kind {
	case models.SignalSuspiciousScript:
		s.SuspiciousScripts += delta
	case models.SignalPhishingForm:
		s.PhishingForms += delta
	case models.SignalBlockedDownload:
		s.BlockedDownloads += delta
	}
	e.persistSiteStats(ctx, origin)

	e.recorder.Record(ctx, now, models.EntryInfo, "Site stats updated", map[string]any{
		"origin":             origin,
		"suspicious_scripts": s.SuspiciousScripts,
		"phishing_forms":     s.PhishingForms,
		"blocked_downloads":  s.BlockedDownloads,
	})

	assessment := risk.Score(*s)
	e.notifyBadge(origin, assessment, now)
	return assessment, nil
}

// SiteRisk recomputes the risk assessment for an origin on demand.
func (e *Engine) SiteRisk(origin string) models.RiskAssessment {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.siteStats[origin]; ok {
		return risk.Score(*s)
	}
	return risk.Score(models.SiteStats{})
}

// RecordLog appends a caller-supplied audit entry (content scripts push
// their own events through this).
func (e *Engine) RecordLog(ctx context.Context, kind models.EntryKind, message string, details map[string]any, now time.Time) (*models.AuditLogEntry, error) {
	if kind == "" {
		kind = models.EntryInfo
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entry kind %q", ErrInvalidInput, kind)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorder.Record(ctx, now, kind, message, details), nil
}

// --- Read-only queries ---

// Snapshot returns a deep copy of the current settings.
func (e *Engine) Snapshot() models.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings.Clone()
}

// Logs returns a copy of the audit log, oldest first.
func (e *Engine) Logs() []*models.AuditLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorder.Entries()
}

// Stats returns the current-day counters, rolling the day first.
func (e *Engine) Stats(ctx context.Context, now time.Time) models.DailyStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder.EnsureToday(ctx, now)
	return e.recorder.Daily()
}

// BlockedDownloads returns a copy of the pending blocked-download queue.
func (e *Engine) BlockedDownloads() []models.BlockedDownload {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.BlockedDownload, len(e.blocked))
	for i, d := range e.blocked {
		out[i] = *d
	}
	return out
}

// --- internals ---

// site returns the stats record for origin, creating it lazily.
func (e *Engine) site(origin string) *models.SiteStats {
	s, ok := e.siteStats[origin]
	if !ok {
		s = &models.SiteStats{}
		e.siteStats[origin] = s
	}
	return s
}

func (e *Engine) persistSettings(ctx context.Context) {
	if err := e.store.SaveSettings(ctx, &e.settings); err != nil {
		storage.PersistFailures.WithLabelValues("settings").Inc()
		log.Error().Err(err).Msg("persisting settings")
	}
}

func (e *Engine) persistSiteStats(ctx context.Context, origin string) {
	if err := e.store.SaveSiteStats(ctx, origin, e.siteStats[origin]); err != nil {
		storage.PersistFailures.WithLabelValues("site_stats").Inc()
		log.Error().Err(err).Str("origin", origin).Msg("persisting site stats")
	}
}

func (e *Engine) notifyBadge(origin string, assessment models.RiskAssessment, now time.Time) {
	e.notify.Dispatch(notify.Notice{
		Audience: notify.AudienceOriginTabs,
		Kind:     notify.KindBadgeRefresh,
		Origin:   origin,
		Payload: map[string]any{
			"score": assessment.Score,
			"level": string(assessment.Level),
		},
		Time: now.UTC(),
	})
}

// normalizeOrigin validates a user-supplied origin and reduces it to
// scheme://host[:port].
func normalizeOrigin(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty origin", ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: malformed origin %q", ErrInvalidInput, raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
