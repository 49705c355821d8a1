// Package render produces the minimal digest and report artifacts the
// notifier carries: an HTML alert digest, and a report attachment in HTML or
// CSV. PDF requests fall back to an HTML attachment.
package render

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"siemalert/internal/core"
)

// Renderer implements core.Renderer. Times are shown in Location.
type Renderer struct {
	Location *time.Location
	Product  string
}

var _ core.Renderer = (*Renderer)(nil)

func New(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{Location: loc, Product: "Wazuh"}
}

type digestRow struct {
	Severity string
	Values   []string
}

type digestData struct {
	Title   string
	Product string
	From    string
	To      string
	Count   int
	Fields  []string
	Rows    []digestRow
}

type reportData struct {
	Title      string
	Product    string
	Schedule   string
	From       string
	To         string
	Total      int
	BySeverity []countRow
	TopRules   []countRow
	TopAgents  []countRow
	Generated  string
}

type countRow struct {
	Key   string
	Label string
	Count int
}

func (r *Renderer) fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(r.Location).Format("2006-01-02 15:04 MST")
}

// RenderAlertDigest renders one message listing every alert with the
// configuration's include fields.
func (r *Renderer) RenderAlertDigest(cfg core.AlertingConfiguration, alerts []core.Alert, w core.Window) (string, string, error) {
	top := topSeverity(alerts)
	subject := fmt.Sprintf("[%s] %s: %d new alert%s (%s)",
		strings.ToUpper(string(top)), r.Product, len(alerts), plural(len(alerts)), cfg.Name)

	fields := cfg.Fields()
	data := digestData{
		Title:   cfg.Name,
		Product: r.Product,
		From:    r.fmtTime(w.Start),
		To:      r.fmtTime(w.End),
		Count:   len(alerts),
		Fields:  fields,
	}
	for _, a := range alerts {
		row := digestRow{Severity: string(a.Severity())}
		for _, f := range fields {
			v := a.Field(f)
			if f == "@timestamp" || f == "timestamp" {
				v = r.fmtTime(a.Timestamp)
			}
			row.Values = append(row.Values, v)
		}
		data.Rows = append(data.Rows, row)
	}

	var buf bytes.Buffer
	if err := digestTmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render digest: %w", err)
	}
	return subject, buf.String(), nil
}

// RenderReport renders a short HTML summary body plus the attachment.
func (r *Renderer) RenderReport(cfg core.ReportConfiguration, alerts []core.Alert, w core.Window) (string, string, core.Attachment, error) {
	data := reportData{
		Title:      cfg.Name,
		Product:    r.Product,
		Schedule:   string(cfg.Schedule),
		From:       r.fmtTime(w.Start),
		To:         r.fmtTime(w.End),
		Total:      len(alerts),
		BySeverity: severityCounts(alerts),
		TopRules:   topCounts(alerts, 10, func(a core.Alert) (string, string) { return a.RuleID, a.RuleDescription }),
		TopAgents:  topCounts(alerts, 10, func(a core.Alert) (string, string) { return a.AgentName, a.AgentIP }),
		Generated:  r.fmtTime(w.End),
	}
	subject := fmt.Sprintf("%s %s report: %s (%d alerts)", r.Product, cfg.Schedule, cfg.Name, len(alerts))

	var body bytes.Buffer
	if err := reportTmpl.Execute(&body, data); err != nil {
		return "", "", core.Attachment{}, fmt.Errorf("render report: %w", err)
	}

	stamp := w.End.In(r.Location).Format("20060102")
	base := "report-" + slug(cfg.Name) + "-" + stamp

	var att core.Attachment
	switch cfg.Format {
	case core.FormatCSV:
		b, err := alertsCSV(alerts, r.Location)
		if err != nil {
			return "", "", core.Attachment{}, fmt.Errorf("render csv: %w", err)
		}
		att = core.Attachment{Name: base + ".csv", ContentType: "text/csv; charset=utf-8", Data: b}
	default:
		// html, pdf and unset all ship the HTML document.
		att = core.Attachment{Name: base + ".html", ContentType: "text/html; charset=utf-8", Data: body.Bytes()}
	}
	return subject, body.String(), att, nil
}

func alertsCSV(alerts []core.Alert, loc *time.Location) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"timestamp", "severity", "level", "rule_id", "rule_description", "agent_id", "agent_name", "agent_ip"})
	for _, a := range alerts {
		ts := ""
		if !a.Timestamp.IsZero() {
			ts = a.Timestamp.In(loc).Format(time.RFC3339)
		}
		_ = w.Write([]string{
			ts, string(a.Severity()), strconv.Itoa(a.Level), a.RuleID, a.RuleDescription,
			a.AgentID, a.AgentName, a.AgentIP,
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func topSeverity(alerts []core.Alert) core.Severity {
	best := 0
	for _, a := range alerts {
		if a.Level > best {
			best = a.Level
		}
	}
	if s := core.SeverityForLevel(best); s != "" {
		return s
	}
	return "info"
}

func severityCounts(alerts []core.Alert) []countRow {
	counts := map[core.Severity]int{}
	for _, a := range alerts {
		counts[a.Severity()]++
	}
	var out []countRow
	for _, s := range []core.Severity{core.SeverityCritical, core.SeverityHigh, core.SeverityMedium, core.SeverityLow} {
		out = append(out, countRow{Key: string(s), Count: counts[s]})
	}
	return out
}

func topCounts(alerts []core.Alert, n int, key func(core.Alert) (string, string)) []countRow {
	idx := map[string]int{}
	var rows []countRow
	for _, a := range alerts {
		k, label := key(a)
		if k == "" {
			continue
		}
		if i, ok := idx[k]; ok {
			rows[i].Count++
			continue
		}
		idx[k] = len(rows)
		rows = append(rows, countRow{Key: k, Label: label, Count: 1})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "report"
	}
	return out
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
