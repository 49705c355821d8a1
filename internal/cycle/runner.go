// Package cycle runs the alert-check and report cycles: for every enabled
// configuration it gates on schedule, queries the source, deduplicates,
// renders and notifies. Configurations are processed concurrently in a
// bounded pool and fail independently.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"siemalert/internal/core"
	"siemalert/internal/eventbus"
	"siemalert/internal/ledger"
	"siemalert/internal/schedule"
	"siemalert/internal/storage"
	logx "siemalert/pkg/logx"
)

const (
	DefaultConfigTimeout = 45 * time.Second
	// ReportQueryLimit caps alerts pulled into a single report.
	ReportQueryLimit = 10000
)

// AuditSink receives one entry per cycle run. storage.Store satisfies it.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators a Runner needs.
type Deps struct {
	Configs  core.ConfigStore
	Source   core.AlertSource
	Notifier core.Notifier
	Renderer core.Renderer
	Ledger   *ledger.Ledger
	Markers  *ledger.Markers
	Audit    AuditSink
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

// Options are the reloadable knobs of a Runner.
type Options struct {
	// Workers bounds concurrent configurations; 0 reads max_concurrent_jobs.
	Workers       int
	ConfigTimeout time.Duration
}

// Runner executes cycles. It holds no per-run state and is safe for
// concurrent use; serializing runs of the same kind is the caller's job.
type Runner struct {
	deps Deps
	log  logx.Logger

	mu   sync.RWMutex
	eval *schedule.Evaluator
	opts Options
}

func NewRunner(deps Deps, eval *schedule.Evaluator, opts Options) *Runner {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if eval == nil {
		eval = schedule.New(time.UTC, schedule.DefaultTolerance, time.Monday)
	}
	r := &Runner{deps: deps, log: deps.Log.Component("cycle"), eval: eval}
	r.SetOptions(opts)
	return r
}

// SetEvaluator swaps the schedule evaluator (zone/tolerance reload).
func (r *Runner) SetEvaluator(e *schedule.Evaluator) {
	if e == nil {
		return
	}
	r.mu.Lock()
	r.eval = e
	r.mu.Unlock()
}

func (r *Runner) Evaluator() *schedule.Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eval
}

func (r *Runner) SetOptions(o Options) {
	if o.ConfigTimeout <= 0 {
		o.ConfigTimeout = DefaultConfigTimeout
	}
	r.mu.Lock()
	r.opts = o
	r.mu.Unlock()
}

func (r *Runner) snapshot() (*schedule.Evaluator, Options) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eval, r.opts
}

// param reads a runtime parameter, falling back to def on error.
func (r *Runner) param(ctx context.Context, key, def string) string {
	if r.deps.Configs == nil {
		return def
	}
	v, err := r.deps.Configs.GetRuntimeParam(ctx, key, def)
	if err != nil {
		r.log.Warn("runtime param unreadable; using default", logx.String("key", key), logx.Err(err))
		return def
	}
	return v
}

// CheckInterval returns the live alert_check_interval.
func (r *Runner) CheckInterval(ctx context.Context) time.Duration {
	d, err := core.ParseCheckInterval(r.param(ctx, core.ParamCheckInterval, ""))
	if err != nil {
		r.log.Warn("invalid check interval; using default", logx.Err(err))
	}
	return d
}

func (r *Runner) workers(ctx context.Context, o Options) int {
	if o.Workers > 0 {
		return o.Workers
	}
	return core.ParsePositiveInt(r.param(ctx, core.ParamMaxConcurrentJobs, ""), core.DefaultMaxConcurrentJobs)
}

func (r *Runner) begin(kind Kind, opts RunOptions) Summary {
	trigger := opts.Trigger
	if trigger == "" {
		trigger = TriggerSchedule
	}
	s := Summary{Cycle: kind, RunID: uuid.NewString(), Trigger: trigger, StartedAt: r.deps.Now()}
	r.publish(eventbus.TypeCycleStarted, s)
	return s
}

// pool runs fn for every index with at most n in flight. Each call gets its
// own timeout; a panic becomes a failed result.
func (r *Runner) pool(ctx context.Context, n int, timeout time.Duration, count int, fn func(ctx context.Context, i int) Result, ids func(i int) (string, string)) []Result {
	results := make([]Result, count)
	g := new(errgroup.Group)
	g.SetLimit(n)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			id, name := ids(i)
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("config panicked",
						logx.String("config_id", id),
						logx.Any("panic", rec),
						logx.Stack(string(debug.Stack())),
					)
					results[i] = Result{ConfigID: id, Name: name, Status: StatusFailed, Reason: fmt.Sprintf("panic: %v", rec)}
				}
				results[i].Duration = time.Since(start)
			}()
			res := fn(cctx, i)
			if res.Status == StatusFailed && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				res.Reason = ReasonTimeout
			}
			res.ConfigID, res.Name = id, name
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) finish(ctx context.Context, s *Summary) {
	s.tally()
	s.Duration = r.deps.Now().Sub(s.StartedAt)

	for _, res := range s.Results {
		if res.Status != StatusFailed {
			continue
		}
		r.log.Warn("configuration failed",
			logx.String("cycle", string(s.Cycle)),
			logx.String("config_id", res.ConfigID),
			logx.String("reason", res.Reason),
		)
		r.publish(eventbus.TypeConfigFailed, res)
	}

	fields := []logx.Field{
		logx.String("cycle", string(s.Cycle)),
		logx.String("run_id", s.RunID),
		logx.String("trigger", s.Trigger),
		logx.Int("succeeded", s.Succeeded),
		logx.Int("failed", s.Failed),
		logx.Int("skipped", s.Skipped),
		logx.Duration("took", s.Duration),
	}
	switch {
	case !s.OK():
		r.log.Warn("cycle finished", fields...)
	case s.Trigger == TriggerSchedule && s.Succeeded == 0:
		r.log.Debug("cycle finished", fields...)
	default:
		r.log.Info("cycle finished", fields...)
	}

	r.publish(eventbus.TypeCycleFinished, *s)
	r.audit(ctx, *s)
}

func (r *Runner) audit(ctx context.Context, s Summary) {
	if r.deps.Audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"results": len(s.Results)})
	e := storage.AuditEntry{
		At:        s.StartedAt,
		RunID:     s.RunID,
		Cycle:     string(s.Cycle),
		Trigger:   s.Trigger,
		Succeeded: s.Succeeded,
		Failed:    s.Failed,
		Skipped:   s.Skipped,
		TookMS:    s.Duration.Milliseconds(),
		Error:     s.Error,
		MetaJSON:  string(meta),
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.deps.Audit.AppendAudit(actx, e); err != nil && !errors.Is(err, storage.ErrDisabled) {
		r.log.Debug("audit append failed", logx.Err(err))
	}
}

func (r *Runner) publish(typ string, data any) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(eventbus.Event{Type: typ, Time: r.deps.Now(), Data: data})
}

// recipientCounts converts a delivery report for a Result.
func recipientCounts(rep core.DeliveryReport) RecipientCounts {
	rc := RecipientCounts{OK: rep.Delivered()}
	for _, f := range rep.Failed() {
		rc.Failed++
		rc.Errors = append(rc.Errors, f.Recipient+": "+f.Err.Error())
	}
	return rc
}
