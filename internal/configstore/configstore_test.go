package configstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siemalert/internal/core"
	"siemalert/internal/storage"
	logx "siemalert/pkg/logx"
)

func TestFileStoreFiltersDisabled(t *testing.T) {
	t.Parallel()

	s := NewFileStore(Rules{
		Alerts: []core.AlertingConfiguration{
			{ID: "a", Enabled: true},
			{ID: "b", Enabled: false},
		},
		Reports: []core.ReportConfiguration{{ID: "r", Enabled: true}},
		Runtime: map[string]string{core.ParamCheckInterval: " 5 ", core.ParamQueryLimit: ""},
	})
	ctx := context.Background()

	alerts, err := s.ListEnabledAlertConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a", alerts[0].ID)

	reports, err := s.ListEnabledReportConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	v, err := s.GetRuntimeParam(ctx, core.ParamCheckInterval, "2")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	v, err = s.GetRuntimeParam(ctx, core.ParamQueryLimit, "100")
	require.NoError(t, err)
	assert.Equal(t, "100", v, "blank value falls back to default")

	s.Apply(Rules{})
	alerts, err = s.ListEnabledAlertConfigs(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDecodeSeverities(t *testing.T) {
	t.Parallel()

	got := decodeSeverities([]byte(`["High","critical",13,5,"bogus","high"]`))
	assert.Equal(t, []core.Severity{core.SeverityHigh, core.SeverityCritical, core.SeverityLow}, got)
	assert.Nil(t, decodeSeverities([]byte(`not json`)))
}

func TestDecodeStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"a@x", "b@x"}, decodeStrings([]byte(`["a@x","b@x"]`)))
	assert.Equal(t, []string{"a@x", "b@x"}, decodeStrings([]byte(`"a@x, b@x,"`)))
	assert.Nil(t, decodeStrings([]byte(`42`)))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SIEMALERT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIEMALERT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := storage.NewPostgresPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	s := NewPostgresStore(pool, logx.Nop())
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema must be idempotent")

	_, err = pool.Exec(ctx, `
		INSERT INTO alert_configs (id, name, severities, recipients, notify_time, enabled)
		VALUES ('pg-test-a', 'x', '["high"]', '["soc@example.com"]', '09:00', TRUE)
		ON CONFLICT (id) DO UPDATE SET enabled = TRUE
	`)
	require.NoError(t, err)
	defer pool.Exec(ctx, `DELETE FROM alert_configs WHERE id = 'pg-test-a'`)

	alerts, err := s.ListEnabledAlertConfigs(ctx)
	require.NoError(t, err)
	var found bool
	for _, a := range alerts {
		if a.ID == "pg-test-a" {
			found = true
			assert.Equal(t, []core.Severity{core.SeverityHigh}, a.Severities)
			assert.Equal(t, "09:00", a.NotifyTime)
		}
	}
	assert.True(t, found)

	v, err := s.GetRuntimeParam(ctx, core.ParamDuplicateWindow, "x")
	require.NoError(t, err)
	assert.NotEqual(t, "x", v, "defaults are seeded")

	v, err = s.GetRuntimeParam(ctx, "missing_key_for_test", "def")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}
