// Package driver owns the periodic jobs: alert-check on the live
// alert_check_interval, report-cycle every minute and a daily ledger prune.
// It serializes manual and scheduled runs of the same cycle and tracks
// health from cycle outcomes.
package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"siemalert/internal/cycle"
	"siemalert/internal/eventbus"
	"siemalert/internal/ledger"
	rtsup "siemalert/internal/runtime/supervisor"
	"siemalert/internal/schedule"
	"siemalert/internal/task/engine"
	"siemalert/internal/task/scheduler"
	logx "siemalert/pkg/logx"
)

const (
	JobAlertCheck  = "alert-check"
	JobReportCycle = "report-cycle"
	JobLedgerPrune = "ledger-prune"

	DefaultPruneCron      = "30 3 * * *"
	DefaultReconcileEvery = 5 * time.Minute
	DefaultCycleTimeout   = 5 * time.Minute
)

type Config struct {
	PruneCron      string
	ReconcileEvery time.Duration
	// CycleTimeout bounds one whole cycle run started by the scheduler.
	CycleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PruneCron == "" {
		c.PruneCron = DefaultPruneCron
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = DefaultReconcileEvery
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	return c
}

// Scheduler is the subset of scheduler.Service the driver registers jobs on.
type Scheduler interface {
	Add(name, spec string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error
	SetLocation(loc *time.Location)
	Schedules() []scheduler.Info
}

type Deps struct {
	Runner    *cycle.Runner
	Scheduler Scheduler
	Engine    *engine.Service // optional; status only
	Ledger    *ledger.Ledger
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Driver struct {
	deps Deps
	log  logx.Logger

	alertMu  sync.Mutex
	reportMu sync.Mutex

	mu       sync.Mutex
	cfg      Config
	interval time.Duration // currently registered alert-check interval
	sup      *rtsup.Supervisor
	health   healthState
}

func New(deps Deps, cfg Config) *Driver {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Driver{
		deps:   deps,
		log:    deps.Log.Component("driver"),
		cfg:    cfg.withDefaults(),
		health: newHealthState(),
	}
}

// Start registers the jobs and the reconcile loop. Collaborator failures do
// not prevent starting; they surface through Health.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return nil
	}
	cfg := d.cfg
	d.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(d.log))
	sup := d.sup
	d.mu.Unlock()

	cycleOpt := engine.TaskOptions{RetryMax: -1, CircuitTripFailures: -1}
	err := errors.Join(
		d.deps.Scheduler.Add(JobReportCycle, "* * * * *", cfg.CycleTimeout, cycleOpt, d.reportJob),
		d.deps.Scheduler.Add(JobLedgerPrune, cfg.PruneCron, time.Minute, engine.TaskOptions{RetryMax: 2}, d.pruneJob),
		d.Reconcile(ctx),
	)
	if err != nil {
		return err
	}

	sup.GoRestart("driver.reconcile", func(c context.Context) error {
		t := time.NewTicker(cfg.ReconcileEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				if err := d.Reconcile(c); err != nil {
					d.log.Warn("reconcile failed", logx.Err(err))
				}
			}
		}
	})
	d.log.Info("driver started",
		logx.Duration("alert_interval", d.Interval()),
		logx.String("prune", cfg.PruneCron),
	)
	return nil
}

func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Apply takes a reloaded config; the reconcile period applies on restart.
func (d *Driver) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	running := d.sup != nil
	d.mu.Unlock()
	if !running {
		return nil
	}
	var errs []error
	if prev.PruneCron != cfg.PruneCron {
		errs = append(errs, d.deps.Scheduler.Add(JobLedgerPrune, cfg.PruneCron, time.Minute, engine.TaskOptions{RetryMax: 2}, d.pruneJob))
	}
	if prev.CycleTimeout != cfg.CycleTimeout {
		errs = append(errs, d.deps.Scheduler.Add(JobReportCycle, "* * * * *", cfg.CycleTimeout, engine.TaskOptions{RetryMax: -1, CircuitTripFailures: -1}, d.reportJob))
		d.mu.Lock()
		d.interval = 0 // force alert-check re-registration
		d.mu.Unlock()
	}
	errs = append(errs, d.Reconcile(ctx))
	return errors.Join(errs...)
}

// SetEvaluator swaps the zone and tolerance for cycles and cron triggers.
func (d *Driver) SetEvaluator(e *schedule.Evaluator) {
	if e == nil {
		return
	}
	d.deps.Runner.SetEvaluator(e)
	d.deps.Scheduler.SetLocation(e.Location())
}

// Reconcile re-reads alert_check_interval and re-registers alert-check when
// it changed.
func (d *Driver) Reconcile(ctx context.Context) error {
	interval := d.deps.Runner.CheckInterval(ctx)
	d.mu.Lock()
	prev := d.interval
	timeout := d.cfg.CycleTimeout
	d.mu.Unlock()
	if interval == prev {
		return nil
	}
	spec := scheduler.EveryMinutes(int(interval / time.Minute))
	if err := d.deps.Scheduler.Add(JobAlertCheck, spec, timeout, engine.TaskOptions{RetryMax: -1, CircuitTripFailures: -1}, d.alertJob); err != nil {
		return err
	}
	d.mu.Lock()
	d.interval = interval
	d.mu.Unlock()
	if prev != 0 {
		d.log.Info("alert-check interval changed", logx.Duration("from", prev), logx.Duration("to", interval), logx.String("spec", spec))
	}
	return nil
}

// Interval is the alert-check interval currently registered.
func (d *Driver) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// RunAlertCheckNow runs an alert-check synchronously, waiting for any
// in-flight run of the same cycle.
func (d *Driver) RunAlertCheckNow(ctx context.Context, opts cycle.RunOptions) cycle.Summary {
	if opts.Trigger == "" {
		opts.Trigger = cycle.TriggerManual
	}
	d.alertMu.Lock()
	defer d.alertMu.Unlock()
	s := d.deps.Runner.RunAlertCheck(ctx, opts)
	d.observe(s)
	return s
}

// RunReportCycleNow is RunAlertCheckNow for reports.
func (d *Driver) RunReportCycleNow(ctx context.Context, opts cycle.RunOptions) cycle.Summary {
	if opts.Trigger == "" {
		opts.Trigger = cycle.TriggerManual
	}
	d.reportMu.Lock()
	defer d.reportMu.Unlock()
	s := d.deps.Runner.RunReportCycle(ctx, opts)
	d.observe(s)
	return s
}

// Scheduled ticks skip rather than wait when a manual run holds the cycle.
func (d *Driver) alertJob(ctx context.Context) error {
	if !d.alertMu.TryLock() {
		d.log.Debug("alert-check busy; tick skipped")
		return nil
	}
	defer d.alertMu.Unlock()
	s := d.deps.Runner.RunAlertCheck(ctx, cycle.RunOptions{Trigger: cycle.TriggerSchedule})
	d.observe(s)
	return summaryErr(s)
}

func (d *Driver) reportJob(ctx context.Context) error {
	if !d.reportMu.TryLock() {
		d.log.Debug("report-cycle busy; tick skipped")
		return nil
	}
	defer d.reportMu.Unlock()
	s := d.deps.Runner.RunReportCycle(ctx, cycle.RunOptions{Trigger: cycle.TriggerSchedule})
	d.observe(s)
	return summaryErr(s)
}

func (d *Driver) pruneJob(ctx context.Context) error {
	if d.deps.Ledger == nil {
		return nil
	}
	res, err := d.deps.Ledger.Prune(ctx)
	if err != nil {
		return err
	}
	d.log.Info("ledger pruned", logx.Int64("sent", res.Sent), logx.Int64("markers", res.Markers))
	return nil
}

func (d *Driver) observe(s cycle.Summary) {
	if !d.health.observe(s) {
		return
	}
	h := d.health.snapshot()
	d.log.Warn("driver degraded", logx.String("cycle", string(s.Cycle)), logx.String("last_error", h.LastError))
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeDriverDegraded, Time: time.Now(), Data: h})
	}
}

// summaryErr reports a cycle that could not run at all to the engine, so the
// task shows up as failed in its history.
func summaryErr(s cycle.Summary) error {
	if s.Error == "" {
		return nil
	}
	return engine.NoRetry(errors.New(s.Error))
}
