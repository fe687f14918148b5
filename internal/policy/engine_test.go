package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/org/webguard/internal/auth"
	"github.com/org/webguard/internal/notify"
	"github.com/org/webguard/internal/storage"
	"github.com/org/webguard/pkg/models"
)

// --- In-memory storage backend for tests ---

type memStore struct {
	settings *models.Settings
	site     map[string]models.SiteStats
	daily    *models.DailyStats
	audit    []*models.AuditLogEntry
	blocked  map[string]models.BlockedDownload
}

func newMemStore() *memStore {
	return &memStore{
		site:    map[string]models.SiteStats{},
		blocked: map[string]models.BlockedDownload{},
	}
}

func (m *memStore) LoadSettings(context.Context) (*models.Settings, error) {
	if m.settings == nil {
		return nil, storage.ErrNotFound
	}
	s := m.settings.Clone()
	return &s, nil
}

func (m *memStore) SaveSettings(_ context.Context, s *models.Settings) error {
	c := s.Clone()
	m.settings = &c
	return nil
}

func (m *memStore) LoadSiteStats(context.Context) (map[string]*models.SiteStats, error) {
	out := map[string]*models.SiteStats{}
	for origin, s := range m.site {
		c := s
		out[origin] = &c
	}
	return out, nil
}

func (m *memStore) SaveSiteStats(_ context.Context, origin string, s *models.SiteStats) error {
	m.site[origin] = *s
	return nil
}

func (m *memStore) ResetSiteStats(context.Context) error {
	m.site = map[string]models.SiteStats{}
	return nil
}

func (m *memStore) LoadDailyStats(context.Context) (*models.DailyStats, error) {
	if m.daily == nil {
		return nil, storage.ErrNotFound
	}
	d := *m.daily
	return &d, nil
}

func (m *memStore) SaveDailyStats(_ context.Context, s *models.DailyStats) error {
	d := *s
	m.daily = &d
	return nil
}

func (m *memStore) AppendAuditEntry(_ context.Context, entry *models.AuditLogEntry) error {
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) TrimAuditLog(_ context.Context, keep int) error {
	if len(m.audit) > keep {
		m.audit = m.audit[len(m.audit)-keep:]
	}
	return nil
}

func (m *memStore) LoadAuditLog(_ context.Context, limit int) ([]*models.AuditLogEntry, error) {
	if len(m.audit) > limit {
		return m.audit[len(m.audit)-limit:], nil
	}
	return m.audit, nil
}

func (m *memStore) SaveBlockedDownload(_ context.Context, d *models.BlockedDownload) error {
	m.blocked[d.ID] = *d
	return nil
}

func (m *memStore) DeleteBlockedDownload(_ context.Context, id string) error {
	if _, ok := m.blocked[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.blocked, id)
	return nil
}

func (m *memStore) LoadBlockedDownloads(context.Context) ([]*models.BlockedDownload, error) {
	var out []*models.BlockedDownload
	for _, d := range m.blocked {
		c := d
		out = append(out, &c)
	}
	return out, nil
}

func (m *memStore) Close() {}

// --- Fake download host ---

type reissue struct {
	url, filename string
}

type fakeHost struct {
	cancelled  []string
	reissued   []reissue
	reissueErr error
}

func (h *fakeHost) CancelDownload(_ context.Context, id string) error {
	h.cancelled = append(h.cancelled, id)
	return nil
}

func (h *fakeHost) ReissueDownload(_ context.Context, url, filename string) error {
	if h.reissueErr != nil {
		return h.reissueErr
	}
	h.reissued = append(h.reissued, reissue{url, filename})
	return nil
}

const testPIN = "1234"

func newTestEngine(t *testing.T) (*Engine, *memStore, *fakeHost, *notify.Buffer) {
	t.Helper()
	store := newMemStore()
	h := &fakeHost{}
	buf := notify.NewBuffer(1000)
	eng := NewEngine(store, h, buf, auth.NewStaticVerifier(testPIN))
	if err := eng.Load(context.Background(), time.Now()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return eng, store, h, buf
}

func noticesOfKind(notices []notify.Notice, kind string) []notify.Notice {
	var out []notify.Notice
	for _, n := range notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func lastEntry(entries []*models.AuditLogEntry) *models.AuditLogEntry {
	if len(entries) == 0 {
		return nil
	}
	return entries[len(entries)-1]
}

// --- Decide ---

func TestDecideDefaultDenyEndToEnd(t *testing.T) {
	eng, _, _, buf := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	d := eng.Decide(ctx, models.CapCameraMic, "https://evil.example", now)
	if d.Allowed {
		t.Fatal("expected deny for untrusted origin under user role")
	}

	stats := eng.Stats(ctx, now)
	if stats.PermissionsBlocked != 1 {
		t.Errorf("permissionsBlocked = %d, want 1", stats.PermissionsBlocked)
	}
	if stats.PermissionsAllowed != 0 {
		t.Errorf("permissionsAllowed = %d, want 0", stats.PermissionsAllowed)
	}
	if stats.ThreatsBlocked != 1 {
		t.Errorf("threatsBlocked = %d, want 1", stats.ThreatsBlocked)
	}

	entry := lastEntry(eng.Logs())
	if entry == nil || entry.Kind != models.EntryThreat {
		t.Fatalf("expected a threat log entry, got %+v", entry)
	}

	denials := noticesOfKind(buf.Drain(), notify.KindPermissionBlocked)
	if len(denials) != 1 {
		t.Fatalf("got %d denial notices, want 1", len(denials))
	}
	n := denials[0]
	if n.Origin != "https://evil.example" || n.Payload["reason"] != "default" {
		t.Errorf("unexpected denial notice %+v", n)
	}
}

func TestDecideProtectionOffAllows(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.SetProtection(ctx, false, now)
	if !eng.Decide(ctx, models.CapCameraMic, "https://evil.example", now).Allowed {
		t.Fatal("protection off must allow")
	}
	stats := eng.Stats(ctx, now)
	if stats.PermissionsAllowed != 1 || stats.PermissionsBlocked != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if entry := lastEntry(eng.Logs()); entry.Kind != models.EntryInfo {
		t.Errorf("expected info entry, got %s", entry.Kind)
	}
}

func TestDecideWhitelistPrecedesGuestBlock(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if err := eng.AddToWhitelist(ctx, "https://trusted.example", now); err != nil {
		t.Fatal(err)
	}
	if err := eng.SetRole(ctx, models.RoleGuest, now); err != nil {
		t.Fatal(err)
	}

	// Whitelist (rule 2) wins over the guest block (rule 5).
	if !eng.Decide(ctx, models.CapCameraMic, "https://trusted.example", now).Allowed {
		t.Error("guest on a whitelisted origin must be allowed")
	}
	if eng.Decide(ctx, models.CapCameraMic, "https://other.example", now).Allowed {
		t.Error("guest on an unlisted origin must be denied")
	}
}

func TestDecideGuestDenialReason(t *testing.T) {
	eng, _, _, buf := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.SetRole(ctx, models.RoleGuest, now)
	buf.Drain()

	eng.Decide(ctx, models.CapGeolocation, "https://site.example", now)
	denials := noticesOfKind(buf.Drain(), notify.KindPermissionBlocked)
	if len(denials) != 1 || denials[0].Payload["reason"] != "guest" {
		t.Fatalf("expected one guest-reason denial, got %+v", denials)
	}

	// Non-sensor kinds are denied without an in-page notice.
	eng.Decide(ctx, models.CapabilityKind("clipboard"), "https://site.example", now)
	if got := noticesOfKind(buf.Drain(), notify.KindPermissionBlocked); len(got) != 0 {
		t.Errorf("non-sensor denial emitted %d notices", len(got))
	}
}

func TestDecideTempAllow(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	expiry, err := eng.GrantTempAllow(ctx, "https://brief.example", 10, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(10 * time.Minute); !expiry.Equal(want) {
		t.Errorf("expiry = %v, want %v", expiry, want)
	}

	if !eng.Decide(ctx, models.CapCameraMic, "https://brief.example", expiry.Add(-time.Second)).Allowed {
		t.Error("denied inside the grant window")
	}
	if eng.Decide(ctx, models.CapCameraMic, "https://brief.example", expiry).Allowed {
		t.Error("allowed at exactly the expiry instant")
	}
}

func TestSensorsUnlockFlow(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	// Gate: not admin.
	if _, err := eng.UnlockSensors(ctx, 15, now); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	eng.SetRole(ctx, models.RoleAdmin, now)
	// Gate: admin but no MFA.
	if _, err := eng.UnlockSensors(ctx, 15, now); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	if !eng.VerifyMFA(ctx, testPIN, now) {
		t.Fatal("correct PIN rejected")
	}
	until, err := eng.UnlockSensors(ctx, 15, now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(15 * time.Minute); !until.Equal(want) {
		t.Errorf("until = %v, want %v", until, want)
	}

	// Sensor capability allowed anywhere, independent of whitelist.
	if !eng.Decide(ctx, models.CapGeolocation, "https://anywhere.example", now).Allowed {
		t.Error("geolocation denied during sensors unlock")
	}

	// Demote: MFA clears but the sensors window stands on its own.
	eng.SetRole(ctx, models.RoleUser, now)
	if !eng.Decide(ctx, models.CapCameraMic, "https://anywhere.example", now).Allowed {
		t.Error("sensors unlock must not depend on role")
	}
	if eng.Decide(ctx, models.CapabilityKind("clipboard"), "https://anywhere.example", now).Allowed {
		t.Error("sensors unlock must not cover non-sensor kinds")
	}
}

func TestVerifyMFAFailureClearsAndAlerts(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.SetRole(ctx, models.RoleAdmin, now)
	eng.VerifyMFA(ctx, testPIN, now)

	if eng.VerifyMFA(ctx, "0000", now) {
		t.Fatal("wrong PIN accepted")
	}
	s := eng.Snapshot()
	if s.AdminMFAVerified || !s.AdminMFAExpiry.IsZero() {
		t.Error("failed verification must clear the MFA session")
	}
	if entry := lastEntry(eng.Logs()); entry.Kind != models.EntryAlert {
		t.Errorf("expected alert entry, got %s", entry.Kind)
	}
}

func TestRoleDemotionClearsMFA(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.SetRole(ctx, models.RoleAdmin, now)
	eng.VerifyMFA(ctx, testPIN, now)

	if err := eng.SetRole(ctx, models.RoleUser, now); err != nil {
		t.Fatal(err)
	}
	s := eng.Snapshot()
	if s.AdminMFAVerified || !s.AdminMFAExpiry.IsZero() {
		t.Error("demotion must clear MFA fields")
	}
	if IsAdminMFAActive(&s, now) {
		t.Error("MFA still active after demotion")
	}
}

func TestSelfDestructScope(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.AddToWhitelist(ctx, "https://keep.example", now)
	eng.GrantTempAllow(ctx, "https://brief.example", 30, now)
	eng.SetRole(ctx, models.RoleAdmin, now)
	eng.VerifyMFA(ctx, testPIN, now)
	eng.UnlockSensors(ctx, 15, now)
	eng.IngestSignal(ctx, "https://shady.example", models.SignalPhishingForm, 1, now)

	logsBefore := len(eng.Logs())
	eng.SelfDestruct(ctx, now)

	s := eng.Snapshot()
	if len(s.TempAllow) != 0 {
		t.Error("tempAllow not cleared")
	}
	if s.AdminMFAVerified || !s.AdminMFAExpiry.IsZero() || !s.SensorsUnlockedUntil.IsZero() {
		t.Error("MFA/sensors state not cleared")
	}
	if len(s.Whitelist) != 1 || s.Whitelist[0] != "https://keep.example" {
		t.Errorf("whitelist changed: %v", s.Whitelist)
	}
	if got := eng.SiteRisk("https://shady.example"); got.Level != models.RiskLow || got.Score != 0 {
		t.Errorf("site stats not reset: %+v", got)
	}
	// The audit log is preserved and only grows by the self-destruct entry.
	if got := len(eng.Logs()); got != logsBefore+1 {
		t.Errorf("log length = %d, want %d", got, logsBefore+1)
	}
}

func TestIngestSignal(t *testing.T) {
	eng, store, _, buf := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := eng.IngestSignal(ctx, "https://s.example", models.SignalSuspiciousScript, -1, now); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative delta: err = %v, want ErrInvalidInput", err)
	}
	if _, err := eng.IngestSignal(ctx, "https://s.example", models.SignalKind("bogus"), 1, now); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown kind: err = %v, want ErrInvalidInput", err)
	}
	if _, err := eng.IngestSignal(ctx, "not an origin", models.SignalSuspiciousScript, 1, now); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("malformed origin: err = %v, want ErrInvalidInput", err)
	}

	buf.Drain()
	got, err := eng.IngestSignal(ctx, "https://s.example", models.SignalSuspiciousScript, 2, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Score != 4 || got.Level != models.RiskMedium {
		t.Errorf("assessment = %+v, want score 4 Medium", got)
	}
	if badges := noticesOfKind(buf.Drain(), notify.KindBadgeRefresh); len(badges) != 1 {
		t.Errorf("got %d badge notices, want 1", len(badges))
	}
	if persisted := store.site["https://s.example"]; persisted.SuspiciousScripts != 2 {
		t.Errorf("persisted site stats = %+v", persisted)
	}
}

func TestAddToWhitelistIdempotent(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.AddToWhitelist(ctx, "https://a.example", now)
	logsAfterFirst := len(eng.Logs())
	eng.AddToWhitelist(ctx, "https://a.example", now)

	s := eng.Snapshot()
	if len(s.Whitelist) != 1 {
		t.Errorf("whitelist = %v, want a single entry", s.Whitelist)
	}
	if got := len(eng.Logs()); got != logsAfterFirst {
		t.Error("no-op add must not log")
	}
}

func TestRemoveFromWhitelist(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.AddToWhitelist(ctx, "https://a.example", now)
	if err := eng.RemoveFromWhitelist(ctx, "https://a.example", now); err != nil {
		t.Fatal(err)
	}
	if err := eng.RemoveFromWhitelist(ctx, "https://a.example", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPruneTempAllow(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	eng.GrantTempAllow(ctx, "https://old.example", 5, now)
	eng.GrantTempAllow(ctx, "https://fresh.example", 60, now)

	later := now.Add(10 * time.Minute)
	if removed := eng.PruneTempAllow(ctx, later); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	s := eng.Snapshot()
	if _, ok := s.TempAllow["https://fresh.example"]; !ok {
		t.Error("unexpired grant pruned")
	}
	if _, ok := s.TempAllow["https://old.example"]; ok {
		t.Error("expired grant kept")
	}
}

func TestLoadFirstRunDefaults(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	s := eng.Snapshot()
	if !s.ProtectionEnabled || s.Role != models.RoleUser || s.Mode != models.ModeNormal {
		t.Errorf("unexpected defaults: %+v", s)
	}
}

func TestLoadRestoresPersistedState(t *testing.T) {
	store := newMemStore()
	persisted := models.DefaultSettings()
	persisted.Role = models.RoleGuest
	persisted.Whitelist = []string{"https://kept.example"}
	store.settings = &persisted
	store.site["https://kept.example"] = models.SiteStats{PhishingForms: 1}

	eng := NewEngine(store, &fakeHost{}, notify.NewBuffer(10), auth.NewStaticVerifier(testPIN))
	if err := eng.Load(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}

	s := eng.Snapshot()
	if s.Role != models.RoleGuest || len(s.Whitelist) != 1 {
		t.Errorf("settings not restored: %+v", s)
	}
	if got := eng.SiteRisk("https://kept.example"); got.Score != 5 {
		t.Errorf("site stats not restored: %+v", got)
	}
}

func TestRecordLogValidation(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := eng.RecordLog(ctx, models.EntryKind("verbose"), "x", nil, now); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown kind: err = %v", err)
	}
	if _, err := eng.RecordLog(ctx, models.EntryInfo, "", nil, now); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty message: err = %v", err)
	}
	entry, err := eng.RecordLog(ctx, "", "sensor heartbeat", map[string]any{"origin": "https://x.example"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Kind != models.EntryInfo {
		t.Errorf("kind = %s, want info default", entry.Kind)
	}
}
