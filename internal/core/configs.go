package core

import "strings"

// DefaultIncludeFields are rendered for each alert when a configuration lists none.
var DefaultIncludeFields = []string{
	"@timestamp",
	"agent.ip",
	"agent.name",
	"rule.description",
	"rule.id",
}

// AlertingConfiguration describes who gets which alerts and when.
type AlertingConfiguration struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id,omitempty"`
	Name          string     `json:"name"`
	Severities    []Severity `json:"severities"`
	Recipients    []string   `json:"recipients"`
	NotifyTime    string     `json:"notify_time,omitempty"` // empty means immediate
	Enabled       bool       `json:"enabled"`
	IncludeFields []string   `json:"include_fields,omitempty"`
}

// Validate reports configuration errors that make the entry unusable.
// The error text is the skip reason surfaced in cycle summaries.
func (c AlertingConfiguration) Validate() error {
	if len(c.Severities) == 0 {
		return ErrNoSeverities
	}
	if len(cleanRecipients(c.Recipients)) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// HasUrgent reports whether any configured tier is critical or high.
func (c AlertingConfiguration) HasUrgent() bool {
	for _, s := range c.Severities {
		if s.Urgent() {
			return true
		}
	}
	return false
}

func (c AlertingConfiguration) Fields() []string {
	if len(c.IncludeFields) == 0 {
		return DefaultIncludeFields
	}
	return c.IncludeFields
}

func (c AlertingConfiguration) CleanRecipients() []string { return cleanRecipients(c.Recipients) }

// ScheduleKind is the cadence of a report.
type ScheduleKind string

const (
	ScheduleDaily   ScheduleKind = "daily"
	ScheduleWeekly  ScheduleKind = "weekly"
	ScheduleMonthly ScheduleKind = "monthly"
)

func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
		return true
	}
	return false
}

// ReportFormat is the requested attachment format.
type ReportFormat string

const (
	FormatHTML ReportFormat = "html"
	FormatPDF  ReportFormat = "pdf"
	FormatCSV  ReportFormat = "csv"
)

// ReportConfiguration describes a periodic summary report.
type ReportConfiguration struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"owner_id,omitempty"`
	Name         string       `json:"name"`
	Severities   []Severity   `json:"severities,omitempty"` // empty means every tier
	Format       ReportFormat `json:"format,omitempty"`
	Schedule     ScheduleKind `json:"schedule"`
	ScheduleTime string       `json:"schedule_time"`
	Recipients   []string     `json:"recipients"`
	Enabled      bool         `json:"enabled"`
}

func (c ReportConfiguration) Validate() error {
	if c.Schedule == "" || strings.TrimSpace(c.ScheduleTime) == "" {
		return ErrNoSchedule
	}
	if len(cleanRecipients(c.Recipients)) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// EffectiveSeverities returns every tier when none are configured.
func (c ReportConfiguration) EffectiveSeverities() []Severity {
	if len(c.Severities) == 0 {
		return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
	}
	return SortSeverities(c.Severities)
}

func (c ReportConfiguration) CleanRecipients() []string { return cleanRecipients(c.Recipients) }

func cleanRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
