package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "siemalert/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; serializing through one connection also
	// makes ":memory:" databases behave as one shared database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSent(ctx context.Context, key SentKey, at, refreshBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_alerts(config_id, fingerprint, sent_at) VALUES(?,?,?)
		 ON CONFLICT(config_id, fingerprint) DO UPDATE SET sent_at = excluded.sent_at
		 WHERE sent_alerts.sent_at < ?`,
		key.ConfigID, key.Fingerprint, at.UnixMilli(), refreshBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetSent(ctx context.Context, key SentKey) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sent_at FROM sent_alerts WHERE config_id = ? AND fingerprint = ?`,
		key.ConfigID, key.Fingerprint,
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) PutMarker(ctx context.Context, configID, periodKey string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO report_markers(config_id, period_key, written_at) VALUES(?,?,?)
		 ON CONFLICT(config_id, period_key) DO NOTHING`,
		configID, periodKey, at.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) HasMarker(ctx context.Context, configID, periodKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM report_markers WHERE config_id = ? AND period_key = ?`,
		configID, periodKey,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) DeleteMarker(ctx context.Context, configID, periodKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM report_markers WHERE config_id = ? AND period_key = ?`,
		configID, periodKey,
	)
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, sentBefore, markersBefore time.Time) (PruneResult, error) {
	var out PruneResult
	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_alerts WHERE sent_at < ?`, sentBefore.UnixMilli())
	if err != nil {
		return out, err
	}
	out.Sent, _ = res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `DELETE FROM report_markers WHERE written_at < ?`, markersBefore.UnixMilli())
	if err != nil {
		return out, err
	}
	out.Markers, _ = res.RowsAffected()
	return out, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, run_id, cycle, trigger_kind, succeeded, failed, skipped, took_ms, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.RunID, e.Cycle, e.Trigger,
		e.Succeeded, e.Failed, e.Skipped, e.TookMS, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
