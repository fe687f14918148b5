package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/org/webguard/internal/notify"
	"github.com/org/webguard/pkg/models"
)

func TestDownloadBlockedByDefault(t *testing.T) {
	eng, store, h, buf := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	buf.Drain()

	blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{
		HostID:   "42",
		URL:      "https://shady.example/payload.exe",
		Filename: "payload.exe",
	}, now)
	if blocked == nil {
		t.Fatal("expected the download to be blocked")
	}
	if blocked.Origin != "https://shady.example" || blocked.Filename != "payload.exe" {
		t.Errorf("blocked record = %+v", blocked)
	}

	if len(h.cancelled) != 1 || h.cancelled[0] != "42" {
		t.Errorf("host cancels = %v, want [42]", h.cancelled)
	}

	stats := eng.Stats(ctx, now)
	if stats.DownloadsBlocked != 1 {
		t.Errorf("downloadsBlocked = %d, want 1", stats.DownloadsBlocked)
	}
	if stats.ThreatsBlocked != 1 {
		t.Errorf("threatsBlocked = %d, want 1", stats.ThreatsBlocked)
	}

	// One blocked download scores 3 → still Low, but counted.
	if got := eng.SiteRisk("https://shady.example"); got.Score != 3 {
		t.Errorf("site risk score = %d, want 3", got.Score)
	}
	if persisted := store.site["https://shady.example"]; persisted.BlockedDownloads != 1 {
		t.Errorf("persisted blockedDownloads = %d, want 1", persisted.BlockedDownloads)
	}

	notices := buf.Drain()
	if got := noticesOfKind(notices, notify.KindDownloadBlocked); len(got) != 1 {
		t.Fatalf("download-blocked notices = %d, want 1", len(got))
	} else if got[0].Payload["download_id"] != blocked.ID {
		t.Errorf("notice carries wrong id: %+v", got[0])
	}
	if got := noticesOfKind(notices, notify.KindBadgeRefresh); len(got) != 1 {
		t.Errorf("badge notices = %d, want 1", len(got))
	}
}

func TestDownloadTrustedOriginAllowed(t *testing.T) {
	eng, _, h, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.AddToWhitelist(ctx, "https://trusted.example", now)
	blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{
		HostID: "7",
		URL:    "https://trusted.example/report.pdf",
	}, now)
	if blocked != nil {
		t.Fatal("trusted origin must not be blocked")
	}
	if len(h.cancelled) != 0 {
		t.Error("host told to cancel a trusted download")
	}
	if entry := lastEntry(eng.Logs()); entry.Kind != models.EntryInfo {
		t.Errorf("expected info entry, got %s", entry.Kind)
	}
}

func TestDownloadAdminMFAAllowed(t *testing.T) {
	eng, _, h, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.SetRole(ctx, models.RoleAdmin, now)
	eng.VerifyMFA(ctx, testPIN, now)

	if blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{
		HostID: "9",
		URL:    "https://anywhere.example/tool.zip",
	}, now); blocked != nil {
		t.Fatal("admin with active MFA must not be blocked")
	}
	if len(h.cancelled) != 0 {
		t.Error("host told to cancel")
	}
}

func TestDownloadSkips(t *testing.T) {
	eng, _, h, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	eng.SetProtection(ctx, false, now)
	logsBefore := len(eng.Logs())
	if blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{HostID: "1", URL: "https://x.example/a"}, now); blocked != nil {
		t.Error("protection off must skip interception")
	}
	eng.SetProtection(ctx, true, now.Add(time.Second))

	// Self-initiated downloads (e.g. log export) are never intercepted.
	if blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{HostID: "2", URL: "https://x.example/a", SelfInitiated: true}, now); blocked != nil {
		t.Error("self-initiated download intercepted")
	}
	// Event without any URL is ignored.
	if blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{HostID: "3"}, now); blocked != nil {
		t.Error("empty-URL event intercepted")
	}
	if len(h.cancelled) != 0 {
		t.Errorf("host cancels = %v, want none", h.cancelled)
	}
	// The skip paths log nothing; only the two protection toggles do.
	if got := len(eng.Logs()); got != logsBefore+2 {
		t.Errorf("log length = %d, want %d", got, logsBefore+2)
	}
}

func TestDownloadUnresolvableOrigin(t *testing.T) {
	eng, _, _, buf := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	buf.Drain()

	blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{
		HostID: "11",
		URL:    "not a url at all",
	}, now)
	if blocked == nil {
		t.Fatal("malformed source URL must still be policed")
	}
	if blocked.Origin != "" {
		t.Errorf("origin = %q, want empty", blocked.Origin)
	}
	if blocked.Filename != "download" {
		t.Errorf("filename = %q, want fallback", blocked.Filename)
	}
	if got := eng.Stats(ctx, now).DownloadsBlocked; got != 1 {
		t.Errorf("downloadsBlocked = %d, want 1", got)
	}
	// No origin means no per-origin stats and no origin-targeted notices.
	notices := buf.Drain()
	if got := noticesOfKind(notices, notify.KindDownloadBlocked); len(got) != 0 {
		t.Errorf("origin-less block emitted %d download notices", len(got))
	}
	if got := noticesOfKind(notices, notify.KindBadgeRefresh); len(got) != 0 {
		t.Errorf("origin-less block emitted %d badge notices", len(got))
	}
}

func TestAllowBlockedDownload(t *testing.T) {
	eng, store, h, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{
		HostID:   "13",
		URL:      "https://s.example/tool.zip",
		Filename: "tool.zip",
	}, now)
	if blocked == nil {
		t.Fatal("setup: download not blocked")
	}

	if err := eng.AllowBlockedDownload(ctx, "no-such-id", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}

	if err := eng.AllowBlockedDownload(ctx, blocked.ID, now); err != nil {
		t.Fatal(err)
	}
	if len(h.reissued) != 1 || h.reissued[0].url != "https://s.example/tool.zip" || h.reissued[0].filename != "tool.zip" {
		t.Errorf("reissued = %+v", h.reissued)
	}
	if len(eng.BlockedDownloads()) != 0 {
		t.Error("entry not removed from queue")
	}
	if _, ok := store.blocked[blocked.ID]; ok {
		t.Error("entry not deleted from store")
	}
	if entry := lastEntry(eng.Logs()); entry.Kind != models.EntryInfo {
		t.Errorf("expected info entry, got %s", entry.Kind)
	}
}

func TestAllowBlockedDownloadHostFailureKeepsEntry(t *testing.T) {
	eng, _, h, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	blocked := eng.HandleDownloadCreated(ctx, DownloadEvent{
		HostID: "17",
		URL:    "https://s.example/x.bin",
	}, now)
	if blocked == nil {
		t.Fatal("setup: download not blocked")
	}

	h.reissueErr = fmt.Errorf("browser unavailable")
	if err := eng.AllowBlockedDownload(ctx, blocked.ID, now); err == nil {
		t.Fatal("expected host failure to surface")
	}
	if len(eng.BlockedDownloads()) != 1 {
		t.Error("entry must stay queued when the host refuses")
	}
}
