package cycle

import (
	"context"
	"errors"
	"time"

	"siemalert/internal/core"
	"siemalert/internal/schedule"
	logx "siemalert/pkg/logx"
)

// RunAlertCheck evaluates every enabled alerting configuration once.
func (r *Runner) RunAlertCheck(ctx context.Context, opts RunOptions) Summary {
	s := r.begin(KindAlertCheck, opts)
	eval, o := r.snapshot()

	cfgs, err := r.deps.Configs.ListEnabledAlertConfigs(ctx)
	if err != nil {
		s.Error = "config store: " + err.Error()
		r.finish(ctx, &s)
		return s
	}
	selected := cfgs[:0:0]
	for _, c := range cfgs {
		if opts.selects(c.ID) {
			selected = append(selected, c)
		}
	}

	now := r.deps.Now()
	interval := r.CheckInterval(ctx)
	limit := core.ParsePositiveInt(r.param(ctx, core.ParamQueryLimit, ""), core.DefaultQueryLimit)
	window := core.LastWindow(now, interval)

	s.Results = r.pool(ctx, r.workers(ctx, o), o.ConfigTimeout, len(selected),
		func(cctx context.Context, i int) Result {
			return r.alertConfig(cctx, selected[i], now, window, limit, eval.AlertDue, opts)
		},
		func(i int) (string, string) { return selected[i].ID, selected[i].Name },
	)
	r.finish(ctx, &s)
	return s
}

func (r *Runner) alertConfig(ctx context.Context, cfg core.AlertingConfiguration, now time.Time, window core.Window, limit int, due func(core.AlertingConfiguration, time.Time) schedule.Decision, opts RunOptions) Result {
	log := r.log.With(logx.String("config_id", cfg.ID))

	if err := cfg.Validate(); err != nil {
		return Result{Status: StatusSkipped, Reason: err.Error()}
	}
	reason := ReasonForced
	if !opts.Force {
		d := due(cfg, now)
		if !d.Due {
			return Result{Status: StatusSkipped, Reason: d.Reason}
		}
		reason = d.Reason
	}

	found, err := r.deps.Source.Search(ctx, core.SearchQuery{
		Severities: core.SortSeverities(cfg.Severities),
		Window:     window,
		Limit:      limit,
	})
	if err != nil {
		res := Result{Status: StatusFailed, Reason: "source error: " + err.Error()}
		if opts.Force {
			// The delivery path is still proven; the source failure stands.
			if terr := r.sendTest(ctx, cfg, window, &res); terr != nil {
				res.Reason += "; test message: " + terr.Error()
			} else {
				res.Reason += "; " + ReasonTestSent
			}
		}
		return res
	}
	res := Result{Alerts: len(found.Alerts)}
	if found.Total > len(found.Alerts) {
		log.Debug("source returned a truncated page", logx.Int("total", found.Total), logx.Int("limit", limit))
	}

	part := r.deps.Ledger.Partition(ctx, cfg.ID, found.Alerts)
	res.New, res.Duplicates, res.LedgerErrors = len(part.New), part.Duplicates, part.ReadErrors
	if len(part.New) == 0 {
		res.Status, res.Reason = StatusOK, ReasonNoNewAlerts
		if !opts.Force {
			return res
		}
		if err := r.sendTest(ctx, cfg, window, &res); err != nil {
			res.Status, res.Reason = StatusFailed, err.Error()
			return res
		}
		res.Reason = ReasonNoNewAlerts + "; " + ReasonTestSent
		if res.Recipients.Failed > 0 {
			res.Status = StatusPartial
		}
		return res
	}

	alerts := make([]core.Alert, len(part.New))
	for i, e := range part.New {
		alerts[i] = e.Alert
	}
	subject, body, err := r.deps.Renderer.RenderAlertDigest(cfg, alerts, window)
	if err != nil {
		res.Status, res.Reason = StatusFailed, "render error: "+err.Error()
		return res
	}

	rep, err := r.deps.Notifier.Send(ctx, core.Message{
		Recipients: cfg.CleanRecipients(),
		Subject:    subject,
		Body:       body,
		HTML:       true,
		Tag:        "alert:" + cfg.ID,
	})
	if err != nil {
		res.Status, res.Reason = StatusFailed, ReasonNotifierDown+": "+err.Error()
		return res
	}
	res.Recipients = recipientCounts(rep)
	if !rep.AnyDelivered() {
		// Nothing recorded: the next tick retries.
		res.Status, res.Reason = StatusFailed, ReasonNotifierDown
		if e := rep.Err(); e != nil {
			res.Reason += ": " + e.Error()
		}
		return res
	}

	if failed, ferr := r.deps.Ledger.RecordAll(ctx, cfg.ID, part.New); failed > 0 {
		log.Warn("sent records not written; alerts may repeat",
			logx.Int("failed", failed),
			logx.Int("new", len(part.New)),
			logx.Err(ferr),
		)
		res.LedgerErrors += failed
	}

	res.Status, res.Reason = StatusOK, reason
	if res.Recipients.Failed > 0 {
		res.Status, res.Reason = StatusPartial, ReasonRecipientsFailed
	}
	log.Info("alert digest sent",
		logx.Int("new", res.New),
		logx.Int("duplicates", res.Duplicates),
		logx.Int("recipients_ok", res.Recipients.OK),
		logx.Int("recipients_failed", res.Recipients.Failed),
		logx.String("trigger", reason),
	)
	return res
}

// sendTest delivers an empty digest on a forced run so an operator can see
// that delivery works. Nothing is recorded in the ledger.
func (r *Runner) sendTest(ctx context.Context, cfg core.AlertingConfiguration, window core.Window, res *Result) error {
	_, body, err := r.deps.Renderer.RenderAlertDigest(cfg, nil, window)
	if err != nil {
		return errors.New("render error: " + err.Error())
	}
	rep, err := r.deps.Notifier.Send(ctx, core.Message{
		Recipients: cfg.CleanRecipients(),
		Subject:    TestSubjectPrefix + cfg.Name,
		Body:       body,
		HTML:       true,
		Tag:        "test:" + cfg.ID,
	})
	if err != nil {
		return errors.New(ReasonNotifierDown + ": " + err.Error())
	}
	res.Recipients = recipientCounts(rep)
	if !rep.AnyDelivered() {
		reason := ReasonNotifierDown
		if e := rep.Err(); e != nil {
			reason += ": " + e.Error()
		}
		return errors.New(reason)
	}
	r.log.Info("test message sent", logx.String("config_id", cfg.ID), logx.Int("recipients_ok", res.Recipients.OK))
	return nil
}
