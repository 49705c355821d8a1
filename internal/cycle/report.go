package cycle

import (
	"context"
	"time"

	"siemalert/internal/core"
	"siemalert/internal/schedule"
	logx "siemalert/pkg/logx"
)

// RunReportCycle evaluates every enabled report configuration once.
func (r *Runner) RunReportCycle(ctx context.Context, opts RunOptions) Summary {
	s := r.begin(KindReport, opts)
	eval, o := r.snapshot()

	cfgs, err := r.deps.Configs.ListEnabledReportConfigs(ctx)
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
	s.Results = r.pool(ctx, r.workers(ctx, o), o.ConfigTimeout, len(selected),
		func(cctx context.Context, i int) Result {
			return r.reportConfig(cctx, selected[i], now, eval, opts)
		},
		func(i int) (string, string) { return selected[i].ID, selected[i].Name },
	)
	r.finish(ctx, &s)
	return s
}

func (r *Runner) reportConfig(ctx context.Context, cfg core.ReportConfiguration, now time.Time, eval *schedule.Evaluator, opts RunOptions) Result {
	log := r.log.With(logx.String("config_id", cfg.ID))

	if err := cfg.Validate(); err != nil {
		return Result{Status: StatusSkipped, Reason: err.Error()}
	}
	if !cfg.Schedule.Valid() {
		return Result{Status: StatusSkipped, Reason: schedule.ReasonBadSchedule}
	}

	var period string
	if opts.Force {
		period = schedule.PeriodKey(cfg.Schedule, now.In(eval.Location()))
	} else {
		d := eval.ReportDue(cfg, now)
		if !d.Due {
			return Result{Status: StatusSkipped, Reason: d.Reason}
		}
		period = d.PeriodKey
	}
	res := Result{PeriodKey: period}

	// The period is claimed before sending so two runs sharing a store never
	// both send it. A claim is released only when nothing was attempted.
	claimed := false
	if !opts.IgnoreMarker && r.deps.Markers != nil {
		sent, err := r.deps.Markers.AlreadySent(ctx, cfg.ID, period)
		if err != nil {
			res.Status, res.Reason = StatusFailed, "marker error: "+err.Error()
			return res
		}
		if sent {
			res.Status, res.Reason = StatusSkipped, ReasonAlreadySent
			return res
		}
		won, err := r.deps.Markers.Claim(ctx, cfg.ID, period)
		if err != nil {
			res.Status, res.Reason = StatusFailed, "marker error: "+err.Error()
			return res
		}
		if !won {
			res.Status, res.Reason = StatusSkipped, ReasonAlreadyHandled
			return res
		}
		claimed = true
	}
	release := func() {
		if !claimed {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.deps.Markers.Release(rctx, cfg.ID, period); err != nil {
			log.Warn("report claim not released; period stays skipped", logx.String("period", period), logx.Err(err))
		}
	}

	window := schedule.ReportWindow(cfg.Schedule, now)
	found, err := r.deps.Source.Search(ctx, core.SearchQuery{
		Severities: cfg.EffectiveSeverities(),
		Window:     window,
		Limit:      ReportQueryLimit,
	})
	if err != nil {
		release()
		res.Status, res.Reason = StatusFailed, "source error: "+err.Error()
		return res
	}
	res.Alerts = len(found.Alerts)

	subject, body, att, err := r.deps.Renderer.RenderReport(cfg, found.Alerts, window)
	if err != nil {
		release()
		res.Status, res.Reason = StatusFailed, "render error: "+err.Error()
		return res
	}

	msg := core.Message{
		Recipients: cfg.CleanRecipients(),
		Subject:    subject,
		Body:       body,
		HTML:       true,
		Tag:        "report:" + cfg.ID,
	}
	if len(att.Data) > 0 {
		msg.Attachments = []core.Attachment{att}
	}
	rep, err := r.deps.Notifier.Send(ctx, msg)
	if err != nil {
		// Nothing attempted: retried next tick.
		release()
		res.Status, res.Reason = StatusFailed, ReasonNotifierDown+": "+err.Error()
		return res
	}
	// An attempt was made for this period; the claim stays even if every
	// recipient failed.
	res.Recipients = recipientCounts(rep)

	switch {
	case res.Recipients.Failed == 0:
		res.Status, res.Reason = StatusOK, ""
		if opts.Force {
			res.Reason = ReasonForced
		}
	case res.Recipients.OK > 0:
		res.Status, res.Reason = StatusPartial, ReasonRecipientsFailed
		log.Warn("report delivered to some recipients only",
			logx.String("period", period),
			logx.Strings("errors", res.Recipients.Errors),
		)
	default:
		res.Status, res.Reason = StatusFailed, ReasonNotifierDown
		log.Warn("report delivery failed for every recipient",
			logx.String("period", period),
			logx.Strings("errors", res.Recipients.Errors),
		)
	}
	if res.Status != StatusFailed {
		log.Info("report sent",
			logx.String("period", period),
			logx.Int("alerts", res.Alerts),
			logx.Int("recipients_ok", res.Recipients.OK),
		)
	}
	return res
}
