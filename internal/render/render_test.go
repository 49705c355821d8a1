package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siemalert/internal/core"
)

func sampleAlerts() []core.Alert {
	ts := time.Date(2024, 1, 1, 10, 15, 30, 0, time.UTC)
	return []core.Alert{
		{Timestamp: ts, Level: 12, RuleID: "553", RuleDescription: "File deleted <script>", AgentName: "WEB1", AgentIP: "10.0.0.5"},
		{Timestamp: ts.Add(time.Minute), Level: 15, RuleID: "100", RuleDescription: "Rootkit", AgentName: "DB1", AgentIP: "10.0.0.6"},
		{Timestamp: ts.Add(2 * time.Minute), Level: 12, RuleID: "553", RuleDescription: "File deleted <script>", AgentName: "WEB1", AgentIP: "10.0.0.5"},
	}
}

func TestRenderAlertDigest(t *testing.T) {
	t.Parallel()

	r := New(time.FixedZone("PKT", 5*3600))
	cfg := core.AlertingConfiguration{Name: "web", IncludeFields: []string{"@timestamp", "rule.id", "rule.description"}}
	w := core.Window{Start: time.Date(2024, 1, 1, 10, 14, 0, 0, time.UTC), End: time.Date(2024, 1, 1, 10, 18, 0, 0, time.UTC)}

	subject, body, err := r.RenderAlertDigest(cfg, sampleAlerts(), w)
	require.NoError(t, err)
	assert.Equal(t, "[CRITICAL] Wazuh: 3 new alerts (web)", subject)
	assert.Contains(t, body, "2024-01-01 15:15 PKT")
	assert.Contains(t, body, "<th>rule.description</th>")
	assert.Contains(t, body, "&lt;script&gt;", "values are escaped")
	assert.NotContains(t, body, "<th>agent.ip</th>")
}

func TestRenderAlertDigestDefaultFields(t *testing.T) {
	t.Parallel()

	_, body, err := New(nil).RenderAlertDigest(core.AlertingConfiguration{Name: "x"}, sampleAlerts()[:1], core.Window{})
	require.NoError(t, err)
	for _, f := range core.DefaultIncludeFields {
		assert.Contains(t, body, "<th>"+f+"</th>")
	}
	assert.Contains(t, body, "10.0.0.5")
}

func TestRenderReportFormats(t *testing.T) {
	t.Parallel()

	r := New(time.UTC)
	w := core.LastWindow(time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), 7*24*time.Hour)

	cases := []struct {
		format  core.ReportFormat
		ext     string
		ctype   string
		content string
	}{
		{core.FormatHTML, ".html", "text/html", "Top rules"},
		{core.FormatPDF, ".html", "text/html", "Top agents"},
		{core.FormatCSV, ".csv", "text/csv", "553,File deleted <script>"},
	}
	for _, tc := range cases {
		cfg := core.ReportConfiguration{Name: "Weekly SOC!", Schedule: core.ScheduleWeekly, Format: tc.format}
		subject, body, att, err := r.RenderReport(cfg, sampleAlerts(), w)
		require.NoError(t, err, tc.format)
		assert.Contains(t, subject, "weekly report")
		assert.Contains(t, body, "Total alerts: <b>3</b>")
		assert.Equal(t, "report-weekly-soc-20240108"+tc.ext, att.Name)
		assert.True(t, strings.HasPrefix(att.ContentType, tc.ctype))
		assert.Contains(t, string(att.Data), tc.content)
	}
}

func TestTopCountsOrder(t *testing.T) {
	t.Parallel()

	rows := topCounts(sampleAlerts(), 10, func(a core.Alert) (string, string) { return a.RuleID, "" })
	require.Len(t, rows, 2)
	assert.Equal(t, "553", rows[0].Key)
	assert.Equal(t, 2, rows[0].Count)
}

func TestSlug(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "weekly-soc", slug("  Weekly   SOC!! "))
	assert.Equal(t, "report", slug("!!!"))
}
