package driver

import (
	"fmt"
	"sync"
	"time"

	"siemalert/internal/cycle"
	"siemalert/internal/task/engine"
	"siemalert/internal/task/scheduler"
)

const (
	StatusStarting = "starting"
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// LastRun summarizes the most recent run of one cycle kind.
type LastRun struct {
	RunID     string    `json:"run_id"`
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}

type Health struct {
	Status      string             `json:"status"`
	LastError   string             `json:"last_error,omitempty"`
	LastErrorAt time.Time          `json:"last_error_at,omitempty"`
	Cycles      map[string]LastRun `json:"cycles"`
}

// Status is the admin /api/v1/status payload.
type Status struct {
	Health    Health           `json:"health"`
	Interval  string           `json:"alert_check_interval"`
	Schedules []scheduler.Info `json:"schedules"`
	Engine    *engine.Snapshot `json:"engine,omitempty"`
}

// healthState is degraded while the latest run of any cycle kind was not OK.
type healthState struct {
	mu        sync.Mutex
	last      map[cycle.Kind]cycle.Summary
	lastErr   string
	lastErrAt time.Time
}

func newHealthState() healthState {
	return healthState{last: map[cycle.Kind]cycle.Summary{}}
}

// observe records s and reports whether health just turned degraded.
func (h *healthState) observe(s cycle.Summary) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	was := h.degradedLocked()
	h.last[s.Cycle] = s
	if s.OK() {
		return false
	}
	h.lastErrAt = s.StartedAt
	if s.Error != "" {
		h.lastErr = fmt.Sprintf("%s: %s", s.Cycle, s.Error)
		return !was
	}
	for _, r := range s.Results {
		if r.Status == cycle.StatusFailed {
			h.lastErr = fmt.Sprintf("%s: %s: %s", s.Cycle, r.ConfigID, r.Reason)
			break
		}
	}
	return !was
}

func (h *healthState) degradedLocked() bool {
	for _, s := range h.last {
		if !s.OK() {
			return true
		}
	}
	return false
}

func (h *healthState) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := Health{Status: StatusStarting, Cycles: map[string]LastRun{}}
	if len(h.last) == 0 {
		return out
	}
	out.Status = StatusOK
	for k, s := range h.last {
		out.Cycles[string(k)] = LastRun{
			RunID:     s.RunID,
			Trigger:   s.Trigger,
			StartedAt: s.StartedAt,
			Succeeded: s.Succeeded,
			Failed:    s.Failed,
			Skipped:   s.Skipped,
			Error:     s.Error,
		}
		if !s.OK() {
			out.Status = StatusDegraded
		}
	}
	if out.Status == StatusDegraded {
		out.LastError, out.LastErrorAt = h.lastErr, h.lastErrAt
	}
	return out
}

// Health reports starting until the first run, then ok or degraded.
func (d *Driver) Health() Health { return d.health.snapshot() }

func (d *Driver) Status() Status {
	st := Status{
		Health:    d.Health(),
		Interval:  d.Interval().String(),
		Schedules: d.deps.Scheduler.Schedules(),
	}
	if d.deps.Engine != nil {
		snap := d.deps.Engine.Snapshot()
		st.Engine = &snap
	}
	return st
}
