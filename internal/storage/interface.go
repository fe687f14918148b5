package storage

import (
	"context"
	"errors"

	"github.com/org/webguard/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist. Callers
// loading state at startup must treat it as "first run" and fall back to
// defaults.
var ErrNotFound = errors.New("not found")

// Backend defines the persistence interface for WebGuard. Settings, the
// per-origin stats table, daily stats, the audit log, and the
// blocked-download queue are independently loadable records.
type Backend interface {
	// Settings
	LoadSettings(ctx context.Context) (*models.Settings, error)
	SaveSettings(ctx context.Context, s *models.Settings) error

	// Per-origin stats
	LoadSiteStats(ctx context.Context) (map[string]*models.SiteStats, error)
	SaveSiteStats(ctx context.Context, origin string, s *models.SiteStats) error
	ResetSiteStats(ctx context.Context) error

	// Daily stats
	LoadDailyStats(ctx context.Context) (*models.DailyStats, error)
	SaveDailyStats(ctx context.Context, s *models.DailyStats) error

	// Audit log
	AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error
	TrimAuditLog(ctx context.Context, keep int) error
	LoadAuditLog(ctx context.Context, limit int) ([]*models.AuditLogEntry, error)

	// Blocked downloads
	SaveBlockedDownload(ctx context.Context, d *models.BlockedDownload) error
	DeleteBlockedDownload(ctx context.Context, id string) error
	LoadBlockedDownloads(ctx context.Context) ([]*models.BlockedDownload, error)

	// Lifecycle
	Close()
}
