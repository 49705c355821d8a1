package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "siemalert/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sent_alerts (
	config_id   TEXT        NOT NULL,
	fingerprint TEXT        NOT NULL,
	sent_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (config_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_sent_alerts_sent_at ON sent_alerts(sent_at);

CREATE TABLE IF NOT EXISTS report_markers (
	config_id  TEXT        NOT NULL,
	period_key TEXT        NOT NULL,
	written_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (config_id, period_key)
);

CREATE TABLE IF NOT EXISTS cycle_audit (
	id           BIGSERIAL PRIMARY KEY,
	at           TIMESTAMPTZ NOT NULL,
	run_id       TEXT        NOT NULL,
	cycle        TEXT        NOT NULL,
	trigger_kind TEXT        NOT NULL,
	succeeded    INTEGER     NOT NULL DEFAULT 0,
	failed       INTEGER     NOT NULL DEFAULT 0,
	skipped      INTEGER     NOT NULL DEFAULT 0,
	took_ms      BIGINT      NOT NULL DEFAULT 0,
	err          TEXT,
	meta         JSONB
);
`

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger

	schemaMu sync.Mutex
	schemaOK bool
}

// NewPostgresPool parses dsn and builds a pool. Connections are dialed on
// first use, so an unreachable server is not an error here.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return pool, nil
}

// openPostgres never fails on connectivity. Until the schema is in place
// every call retries it and returns its error, so cycles degrade instead of
// the process exiting.
func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	pool, err := NewPostgresPool(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	s := &postgresStore{pool: pool, log: log}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.EnsureSchema(sctx); err != nil {
		log.Warn("postgres store unreachable; retrying on use", logx.Err(err))
		return s, nil
	}
	log.Debug("postgres store opened")
	return s, nil
}

// EnsureSchema creates the ledger tables once per process.
func (s *postgresStore) EnsureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaOK {
		return nil
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	s.schemaOK = true
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) PutSent(ctx context.Context, key SentKey, at, refreshBefore time.Time) (bool, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sent_alerts(config_id, fingerprint, sent_at) VALUES($1,$2,$3)
		 ON CONFLICT (config_id, fingerprint) DO UPDATE SET sent_at = EXCLUDED.sent_at
		 WHERE sent_alerts.sent_at < $4`,
		key.ConfigID, key.Fingerprint, at.UTC(), refreshBefore.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) GetSent(ctx context.Context, key SentKey) (time.Time, bool, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return time.Time{}, false, err
	}
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT sent_at FROM sent_alerts WHERE config_id = $1 AND fingerprint = $2`,
		key.ConfigID, key.Fingerprint,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (s *postgresStore) PutMarker(ctx context.Context, configID, periodKey string, at time.Time) (bool, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO report_markers(config_id, period_key, written_at) VALUES($1,$2,$3)
		 ON CONFLICT (config_id, period_key) DO NOTHING`,
		configID, periodKey, at.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) HasMarker(ctx context.Context, configID, periodKey string) (bool, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return false, err
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM report_markers WHERE config_id = $1 AND period_key = $2)`,
		configID, periodKey,
	).Scan(&exists)
	return exists, err
}

func (s *postgresStore) DeleteMarker(ctx context.Context, configID, periodKey string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM report_markers WHERE config_id = $1 AND period_key = $2`,
		configID, periodKey,
	)
	return err
}

func (s *postgresStore) Prune(ctx context.Context, sentBefore, markersBefore time.Time) (PruneResult, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return PruneResult{}, err
	}
	var out PruneResult
	tag, err := s.pool.Exec(ctx, `DELETE FROM sent_alerts WHERE sent_at < $1`, sentBefore.UTC())
	if err != nil {
		return out, err
	}
	out.Sent = tag.RowsAffected()
	tag, err = s.pool.Exec(ctx, `DELETE FROM report_markers WHERE written_at < $1`, markersBefore.UTC())
	if err != nil {
		return out, err
	}
	out.Markers = tag.RowsAffected()
	return out, nil
}

func (s *postgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	var meta any
	if strings.TrimSpace(e.MetaJSON) != "" {
		meta = e.MetaJSON
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cycle_audit(at, run_id, cycle, trigger_kind, succeeded, failed, skipped, took_ms, err, meta)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.At.UTC(), e.RunID, e.Cycle, e.Trigger, e.Succeeded, e.Failed, e.Skipped, e.TookMS, nullStr(e.Error), meta,
	)
	return err
}
