// Package schedule decides whether an alerting or report configuration is due
// at a given wall-clock instant. It keeps no state between evaluations.
package schedule

import (
	"strconv"
	"strings"
	"time"

	"siemalert/internal/core"
)

// Decision reasons.
const (
	ReasonUrgent      = "urgent"
	ReasonImmediate   = "immediate"
	ReasonScheduled   = "scheduled"
	ReasonNotDue      = "not due"
	ReasonInvalidTime = "invalid time"
	ReasonNoSchedule  = "no schedule"
	ReasonBadSchedule = "unknown schedule"
)

// DefaultTolerance is the default match window around a configured time.
const DefaultTolerance = time.Minute

// Decision is the outcome of one evaluation.
type Decision struct {
	Due    bool
	Reason string
	// ScheduledAt is the configured instant that matched, in the reporting zone.
	// Zero for urgent/immediate decisions.
	ScheduledAt time.Time
	// PeriodKey identifies the report period; empty for alerting decisions.
	PeriodKey string
}

// Evaluator applies schedule rules in a fixed reporting zone.
type Evaluator struct {
	loc       *time.Location
	tolerance time.Duration
	weekday   time.Weekday
}

// New builds an evaluator. A nil loc means UTC; a negative tolerance is treated as 0.
func New(loc *time.Location, tolerance time.Duration, reportWeekday time.Weekday) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return &Evaluator{loc: loc, tolerance: tolerance, weekday: reportWeekday}
}

func (e *Evaluator) Location() *time.Location { return e.loc }

func (e *Evaluator) Tolerance() time.Duration { return e.tolerance }

func (e *Evaluator) ReportWeekday() time.Weekday { return e.weekday }

// AlertDue evaluates an alerting configuration.
func (e *Evaluator) AlertDue(cfg core.AlertingConfiguration, now time.Time) Decision {
	if cfg.HasUrgent() {
		return Decision{Due: true, Reason: ReasonUrgent}
	}
	if strings.TrimSpace(cfg.NotifyTime) == "" {
		return Decision{Due: true, Reason: ReasonImmediate}
	}
	tod, err := core.ParseTimeOfDay(cfg.NotifyTime)
	if err != nil {
		return Decision{Reason: ReasonInvalidTime}
	}
	at, ok := e.match(tod, now)
	if !ok {
		return Decision{Reason: ReasonNotDue}
	}
	return Decision{Due: true, Reason: ReasonScheduled, ScheduledAt: at}
}

// ReportDue evaluates a report configuration. Weekday and day-of-month
// qualification use the matched scheduled instant, so a tolerance window that
// crosses midnight never shifts the period.
func (e *Evaluator) ReportDue(cfg core.ReportConfiguration, now time.Time) Decision {
	if cfg.Schedule == "" || strings.TrimSpace(cfg.ScheduleTime) == "" {
		return Decision{Reason: ReasonNoSchedule}
	}
	if !cfg.Schedule.Valid() {
		return Decision{Reason: ReasonBadSchedule}
	}
	tod, err := core.ParseTimeOfDay(cfg.ScheduleTime)
	if err != nil {
		return Decision{Reason: ReasonInvalidTime}
	}
	at, ok := e.match(tod, now)
	if !ok {
		return Decision{Reason: ReasonNotDue}
	}

	switch cfg.Schedule {
	case core.ScheduleWeekly:
		if at.Weekday() != e.weekday {
			return Decision{Reason: ReasonNotDue}
		}
	case core.ScheduleMonthly:
		if at.Day() != 1 {
			return Decision{Reason: ReasonNotDue}
		}
	}
	return Decision{Due: true, Reason: ReasonScheduled, ScheduledAt: at, PeriodKey: PeriodKey(cfg.Schedule, at)}
}

// match finds the occurrence of tod (yesterday, today or tomorrow in the
// reporting zone) nearest to now and reports whether it lies within tolerance.
// now is compared at minute precision.
func (e *Evaluator) match(tod core.TimeOfDay, now time.Time) (time.Time, bool) {
	local := now.In(e.loc)
	nowMin := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, e.loc)

	var (
		best     time.Time
		bestDiff time.Duration = -1
	)
	for _, off := range []int{-1, 0, 1} {
		cand := time.Date(local.Year(), local.Month(), local.Day()+off, tod.Hour, tod.Minute, 0, 0, e.loc)
		diff := nowMin.Sub(cand)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = cand, diff
		}
	}
	if bestDiff > e.tolerance {
		return time.Time{}, false
	}
	return best, true
}

// PeriodKey names the report period containing the scheduled instant at.
//
//	daily:2024-01-01
//	weekly:2024-01-01:mon
//	monthly:2024-02-01:d1
func PeriodKey(kind core.ScheduleKind, at time.Time) string {
	day := at.Format("2006-01-02")
	switch kind {
	case core.ScheduleWeekly:
		return "weekly:" + day + ":" + strings.ToLower(at.Weekday().String()[:3])
	case core.ScheduleMonthly:
		return "monthly:" + day + ":d" + strconv.Itoa(at.Day())
	default:
		return string(kind) + ":" + day
	}
}

// ReportWindow is the data range a report covers, ending at end.
func ReportWindow(kind core.ScheduleKind, end time.Time) core.Window {
	switch kind {
	case core.ScheduleWeekly:
		return core.LastWindow(end, 7*24*time.Hour)
	case core.ScheduleMonthly:
		return core.LastWindow(end, 30*24*time.Hour)
	default:
		return core.LastWindow(end, 24*time.Hour)
	}
}
