package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"siemalert/internal/core"
	logx "siemalert/pkg/logx"
)

// PostgresStore reads configurations written by the management front-end.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

var _ core.ConfigStore = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, log logx.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: log.Component("configstore")}
}

// EnsureSchema creates the tables when missing and seeds default runtime
// parameters without overwriting existing values.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`
		CREATE TABLE IF NOT EXISTS alert_configs (
			id             TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL DEFAULT '',
			name           TEXT NOT NULL DEFAULT '',
			severities     JSONB NOT NULL DEFAULT '[]',
			recipients     JSONB NOT NULL DEFAULT '[]',
			notify_time    TEXT,
			include_fields JSONB NOT NULL DEFAULT '[]',
			enabled        BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
		`
		CREATE TABLE IF NOT EXISTS report_configs (
			id            TEXT PRIMARY KEY,
			owner_id      TEXT NOT NULL DEFAULT '',
			name          TEXT NOT NULL DEFAULT '',
			severities    JSONB NOT NULL DEFAULT '[]',
			format        TEXT NOT NULL DEFAULT 'html',
			schedule      TEXT,
			schedule_time TEXT,
			recipients    JSONB NOT NULL DEFAULT '[]',
			enabled       BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
		`
		CREATE TABLE IF NOT EXISTS system_config (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
		`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure configstore schema: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for k, v := range core.DefaultRuntimeParams() {
		batch.Queue(`INSERT INTO system_config (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, k, v)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seed runtime params: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEnabledAlertConfigs(ctx context.Context) ([]core.AlertingConfiguration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, severities, recipients, COALESCE(notify_time, ''), include_fields
		FROM alert_configs
		WHERE enabled = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AlertingConfiguration
	for rows.Next() {
		var (
			c                          core.AlertingConfiguration
			sevJSON, rcptJSON, fldJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &sevJSON, &rcptJSON, &c.NotifyTime, &fldJSON); err != nil {
			return nil, err
		}
		c.Enabled = true
		c.Severities = decodeSeverities(sevJSON)
		c.Recipients = decodeStrings(rcptJSON)
		c.IncludeFields = decodeStrings(fldJSON)
		if len(c.Severities) == 0 && len(sevJSON) > 2 {
			s.log.Warn("alert config has unreadable severities", logx.String("config_id", c.ID))
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEnabledReportConfigs(ctx context.Context) ([]core.ReportConfiguration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, severities, format, COALESCE(schedule, ''), COALESCE(schedule_time, ''), recipients
		FROM report_configs
		WHERE enabled = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ReportConfiguration
	for rows.Next() {
		var (
			c                 core.ReportConfiguration
			sevJSON, rcptJSON []byte
			format, schedule  string
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &sevJSON, &format, &schedule, &c.ScheduleTime, &rcptJSON); err != nil {
			return nil, err
		}
		c.Enabled = true
		c.Format = core.ReportFormat(strings.ToLower(format))
		c.Schedule = core.ScheduleKind(strings.ToLower(schedule))
		c.Severities = decodeSeverities(sevJSON)
		c.Recipients = decodeStrings(rcptJSON)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRuntimeParam(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM system_config WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strings.TrimSpace(v), nil
}

// SetRuntimeParam upserts one runtime parameter.
func (s *PostgresStore) SetRuntimeParam(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_config (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return err
}

// decodeSeverities accepts tier names or numeric rule levels, which older
// rows store, and drops anything else.
func decodeSeverities(b []byte) []core.Severity {
	var raw []any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	seen := map[core.Severity]struct{}{}
	var out []core.Severity
	for _, v := range raw {
		var sv core.Severity
		switch x := v.(type) {
		case string:
			p, err := core.ParseSeverity(x)
			if err != nil {
				continue
			}
			sv = p
		case float64:
			sv = core.SeverityForLevel(int(x))
		}
		if sv == "" {
			continue
		}
		if _, ok := seen[sv]; ok {
			continue
		}
		seen[sv] = struct{}{}
		out = append(out, sv)
	}
	return out
}

// decodeStrings accepts a JSON array or a comma-separated JSON string.
func decodeStrings(b []byte) []string {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		return arr
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil && s != "" {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
