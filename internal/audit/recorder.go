package audit

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/org/webguard/internal/notify"
	"github.com/org/webguard/internal/storage"
	"github.com/org/webguard/pkg/models"
	"github.com/rs/zerolog/log"
)

// MaxEntries is the audit log cap. Once exceeded, the oldest entries are
// evicted first.
const MaxEntries = 500

// Recorder appends bounded audit log entries and keeps the current-day
// aggregate counters. It is not safe for concurrent use; the policy
// engine serializes access to it.
type Recorder struct {
	store  storage.Backend
	notify notify.Dispatcher

	entries []*models.AuditLogEntry
	daily   models.DailyStats
}

// NewRecorder creates a Recorder. Restore previously persisted state with
// Restore before first use, or start empty.
func NewRecorder(store storage.Backend, dispatcher notify.Dispatcher) *Recorder {
	return &Recorder{store: store, notify: dispatcher}
}

// Restore seeds the recorder with persisted log entries and daily stats.
func (r *Recorder) Restore(entries []*models.AuditLogEntry, daily models.DailyStats) {
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}
	r.entries = entries
	r.daily = daily
}

// Record appends an entry, rolling daily stats to now's date first.
// Threat entries increment the day's threatsBlocked. Alert and Threat
// entries additionally emit a global notification request. Persistence is
// fire and forget: a store failure is logged but never fails the caller.
func (r *Recorder) Record(ctx context.Context, now time.Time, kind models.EntryKind, message string, details map[string]any) *models.AuditLogEntry {
	r.rollover(ctx, now)

	entry := &models.AuditLogEntry{
		ID:        newEntryID(),
		Timestamp: now.UTC(),
		Kind:      kind,
		Message:   message,
		Details:   details,
	}

	if kind == models.EntryThreat {
		r.daily.ThreatsBlocked++
	}

	r.entries = append(r.entries, entry)
	trimmed := false
	if len(r.entries) > MaxEntries {
		r.entries = r.entries[len(r.entries)-MaxEntries:]
		trimmed = true
	}

	if err := r.store.AppendAuditEntry(ctx, entry); err != nil {
		storage.PersistFailures.WithLabelValues("audit_entry").Inc()
		log.Error().Err(err).Msg("persisting audit entry")
	}
	if trimmed {
		if err := r.store.TrimAuditLog(ctx, MaxEntries); err != nil {
			log.Error().Err(err).Msg("trimming audit log")
		}
	}
	r.persistDaily(ctx)

	if kind == models.EntryAlert || kind == models.EntryThreat {
		r.notify.Dispatch(notify.Notice{
			Audience: notify.AudienceGlobal,
			Kind:     notify.KindAlert,
			Payload:  map[string]any{"message": message, "severity": string(kind)},
			Time:     entry.Timestamp,
		})
	}
	return entry
}

// EnsureToday rolls daily stats forward if the stored record belongs to a
// previous calendar day. Safe to call before any read of the counters.
func (r *Recorder) EnsureToday(ctx context.Context, now time.Time) {
	r.rollover(ctx, now)
}

// AddPermissionAllowed bumps the day's allowed-permission counter.
func (r *Recorder) AddPermissionAllowed(ctx context.Context, now time.Time) {
	r.rollover(ctx, now)
	r.daily.PermissionsAllowed++
	r.persistDaily(ctx)
}

// AddPermissionBlocked bumps the day's blocked-permission counter.
func (r *Recorder) AddPermissionBlocked(ctx context.Context, now time.Time) {
	r.rollover(ctx, now)
	r.daily.PermissionsBlocked++
	r.persistDaily(ctx)
}

// AddDownloadBlocked bumps the day's blocked-download counter.
func (r *Recorder) AddDownloadBlocked(ctx context.Context, now time.Time) {
	r.rollover(ctx, now)
	r.daily.DownloadsBlocked++
	r.persistDaily(ctx)
}

// Daily returns a copy of the current-day counters.
func (r *Recorder) Daily() models.DailyStats {
	return r.daily
}

// Entries returns a copy of the log, oldest first.
func (r *Recorder) Entries() []*models.AuditLogEntry {
	out := make([]*models.AuditLogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// rollover discards the stale record on day change. No cross-day
// carry-over: the prior day's counters are dropped, not archived.
func (r *Recorder) rollover(ctx context.Context, now time.Time) {
	today := now.UTC().Format(models.DateLayout)
	if r.daily.Date == today {
		return
	}
	r.daily = models.DailyStats{Date: today}
	r.persistDaily(ctx)
}

func (r *Recorder) persistDaily(ctx context.Context) {
	if err := r.store.SaveDailyStats(ctx, &r.daily); err != nil {
		storage.PersistFailures.WithLabelValues("daily_stats").Inc()
		log.Error().Err(err).Msg("persisting daily stats")
	}
}

func newEntryID() string {
	b := make([]byte, 16)
	rand.Read(b) //nolint:errcheck
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
