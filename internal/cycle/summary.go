package cycle

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind names a cycle type.
type Kind string

const (
	KindAlertCheck Kind = "alert-check"
	KindReport     Kind = "report-cycle"
)

// Status is the per-configuration outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial" // some recipients failed
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Reasons surfaced in results besides schedule reasons.
const (
	ReasonNoNewAlerts      = "no new alerts"
	ReasonAlreadySent      = "already sent this period"
	ReasonAlreadyHandled   = "already handled by another run"
	ReasonNotifierDown     = "notifier unreachable"
	ReasonTimeout          = "timeout"
	ReasonForced           = "forced"
	ReasonRecipientsFailed = "some recipients failed"
	ReasonTestSent         = "test message sent"
)

// TestSubjectPrefix starts the subject of the message a forced alert check
// sends when it has nothing new to deliver.
const TestSubjectPrefix = "Test Alert (Manual): "

// Trigger values for RunOptions.Trigger.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// RunOptions modify a single cycle run.
type RunOptions struct {
	// Force bypasses schedule gating.
	Force bool
	// ConfigIDs restricts the run to these configurations; empty means all.
	ConfigIDs []string
	// IgnoreMarker makes report runs neither check nor write period markers.
	IgnoreMarker bool
	Trigger      string
}

func (o RunOptions) selects(id string) bool {
	if len(o.ConfigIDs) == 0 {
		return true
	}
	for _, x := range o.ConfigIDs {
		if x == id {
			return true
		}
	}
	return false
}

// RecipientCounts tallies delivery outcomes for one configuration.
type RecipientCounts struct {
	OK     int      `json:"ok"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Result is one configuration's outcome within a cycle.
type Result struct {
	ConfigID     string          `json:"config_id"`
	Name         string          `json:"name,omitempty"`
	Status       Status          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Alerts       int             `json:"alerts"`
	New          int             `json:"new"`
	Duplicates   int             `json:"duplicates"`
	LedgerErrors int             `json:"ledger_errors,omitempty"`
	PeriodKey    string          `json:"period_key,omitempty"`
	Recipients   RecipientCounts `json:"recipients"`
	Duration     time.Duration   `json:"duration"`
}

// Summary aggregates one cycle run.
type Summary struct {
	Cycle     Kind          `json:"cycle"`
	RunID     string        `json:"run_id"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	// Error is set when the cycle could not run at all (e.g. config store down).
	Error   string   `json:"error,omitempty"`
	Results []Result `json:"results"`
}

// OK reports whether nothing failed.
func (s Summary) OK() bool { return s.Error == "" && s.Failed == 0 }

func (s *Summary) tally() {
	s.Succeeded, s.Failed, s.Skipped = 0, 0, 0
	for _, r := range s.Results {
		switch r.Status {
		case StatusOK, StatusPartial:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	}
	sort.SliceStable(s.Results, func(i, j int) bool { return s.Results[i].ConfigID < s.Results[j].ConfigID })
}

// String renders a compact multi-line report for the CLI.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s: %d succeeded, %d failed, %d skipped in %s\n",
		s.Cycle, s.RunID, s.Succeeded, s.Failed, s.Skipped, s.Duration.Round(time.Millisecond))
	if s.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", s.Error)
	}
	for _, r := range s.Results {
		fmt.Fprintf(&b, "  %-24s %-8s", r.ConfigID, r.Status)
		if r.Reason != "" {
			fmt.Fprintf(&b, " %s", r.Reason)
		}
		if r.Alerts > 0 || r.New > 0 {
			fmt.Fprintf(&b, " (alerts=%d new=%d dup=%d)", r.Alerts, r.New, r.Duplicates)
		}
		if r.Recipients.OK+r.Recipients.Failed > 0 {
			fmt.Fprintf(&b, " recipients ok=%d failed=%d", r.Recipients.OK, r.Recipients.Failed)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
