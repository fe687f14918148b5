package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/webguard/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Settings ---

// Settings are a single jsonb row; the check constraint on id keeps it that way.

func (p *PostgresBackend) LoadSettings(ctx context.Context) (*models.Settings, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s models.Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return &s, nil
}

func (p *PostgresBackend) SaveSettings(ctx context.Context, s *models.Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO settings (id, data, updated_at) VALUES (1, $1, NOW())
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		data,
	)
	return err
}

// --- Per-origin stats ---

func (p *PostgresBackend) LoadSiteStats(ctx context.Context) (map[string]*models.SiteStats, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT origin, suspicious_scripts, phishing_forms, blocked_downloads FROM site_stats`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]*models.SiteStats{}
	for rows.Next() {
		var origin string
		var s models.SiteStats
		if err := rows.Scan(&origin, &s.SuspiciousScripts, &s.PhishingForms, &s.BlockedDownloads); err != nil {
			return nil, err
		}
		out[origin] = &s
	}
	return out, rows.Err()
}

func (p *PostgresBackend) SaveSiteStats(ctx context.Context, origin string, s *models.SiteStats) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO site_stats (origin, suspicious_scripts, phishing_forms, blocked_downloads, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (origin) DO UPDATE SET
		   suspicious_scripts = EXCLUDED.suspicious_scripts,
		   phishing_forms = EXCLUDED.phishing_forms,
		   blocked_downloads = EXCLUDED.blocked_downloads,
		   updated_at = NOW()`,
		origin, s.SuspiciousScripts, s.PhishingForms, s.BlockedDownloads,
	)
	return err
}

func (p *PostgresBackend) ResetSiteStats(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM site_stats`)
	return err
}

// --- Daily stats ---

func (p *PostgresBackend) LoadDailyStats(ctx context.Context) (*models.DailyStats, error) {
	var s models.DailyStats
	err := p.pool.QueryRow(ctx,
		`SELECT date, threats_blocked, downloads_blocked, permissions_blocked, permissions_allowed
		 FROM daily_stats WHERE id = 1`,
	).Scan(&s.Date, &s.ThreatsBlocked, &s.DownloadsBlocked, &s.PermissionsBlocked, &s.PermissionsAllowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresBackend) SaveDailyStats(ctx context.Context, s *models.DailyStats) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO daily_stats (id, date, threats_blocked, downloads_blocked, permissions_blocked, permissions_allowed)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   date = EXCLUDED.date,
		   threats_blocked = EXCLUDED.threats_blocked,
		   downloads_blocked = EXCLUDED.downloads_blocked,
		   permissions_blocked = EXCLUDED.permissions_blocked,
		   permissions_allowed = EXCLUDED.permissions_allowed`,
		s.Date, s.ThreatsBlocked, s.DownloadsBlocked, s.PermissionsBlocked, s.PermissionsAllowed,
	)
	return err
}

// --- Audit log ---

func (p *PostgresBackend) AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (entry_id, ts, kind, message, details) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Timestamp, string(entry.Kind), entry.Message, details,
	)
	return err
}

func (p *PostgresBackend) TrimAuditLog(ctx context.Context, keep int) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM audit_log WHERE seq < (
		   SELECT COALESCE(MIN(seq), 0) FROM (
		     SELECT seq FROM audit_log ORDER BY seq DESC LIMIT $1
		   ) newest
		 )`,
		keep,
	)
	return err
}

func (p *PostgresBackend) LoadAuditLog(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT entry_id, ts, kind, message, details FROM (
		   SELECT seq, entry_id, ts, kind, message, details
		   FROM audit_log ORDER BY seq DESC LIMIT $1
		 ) newest ORDER BY seq ASC`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var kind string
		var details []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &e.Message, &details); err != nil {
			return nil, err
		}
		e.Kind = models.EntryKind(kind)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decoding audit details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Blocked downloads ---

func (p *PostgresBackend) SaveBlockedDownload(ctx context.Context, d *models.BlockedDownload) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO blocked_downloads (id, url, filename, origin, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.URL, d.Filename, d.Origin, d.Timestamp,
	)
	return err
}

func (p *PostgresBackend) DeleteBlockedDownload(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM blocked_downloads WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) LoadBlockedDownloads(ctx context.Context) ([]*models.BlockedDownload, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, url, filename, COALESCE(origin, ''), created_at
		 FROM blocked_downloads ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.BlockedDownload
	for rows.Next() {
		var d models.BlockedDownload
		if err := rows.Scan(&d.ID, &d.URL, &d.Filename, &d.Origin, &d.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
