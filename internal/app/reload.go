package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"siemalert/internal/config"
	"siemalert/internal/eventbus"
	logx "siemalert/pkg/logx"
)

// Sections whose components are built once; a change is logged and waits
// for a restart.
var restartSections = []string{"storage", "source", "configstore", "admin"}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, next)
			lastApplied = next
		}
	}
}

// applyConfig pushes a committed config into the running components.
// Committed configs already passed validate, so mapping errors here only
// keep the previous setting.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	if a.files != nil {
		a.files.Apply(rulesOf(next))
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if channels, err := buildChannels(next); err != nil {
		a.log.Warn("invalid notifier channels; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		a.notif.SetChannels(channels...)
	}

	if ecfg, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}
	if ropts, err := mapRunnerOptions(next); err == nil {
		a.runner.SetOptions(ropts)
	}

	if eval, err := buildEvaluator(next); err != nil {
		a.log.Warn("invalid scheduler zone; keeping previous", logx.Err(err))
	} else {
		prevLoc := a.runner.Evaluator().Location()
		a.driver.SetEvaluator(eval)
		if prevLoc.String() != eval.Location().String() {
			a.log.Warn("reporting zone changed; rendered times use the new zone after restart",
				logx.String("from", prevLoc.String()), logx.String("to", eval.Location().String()))
		}
	}

	if dcfg, err := mapDriverConfig(next); err != nil {
		a.log.Warn("invalid driver config; keeping previous", logx.Err(err))
	} else if err := a.driver.Apply(ctx, dcfg); err != nil {
		a.log.Warn("driver reconfigure failed", logx.Err(err))
	}

	switch {
	case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.stopScheduling(stopCtx)
		cancel()
	case !prev.Scheduler.Enabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		if err := a.startScheduling(ctx); err != nil {
			a.log.Error("scheduler start failed", logx.Err(err))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
