package config

import (
	"reflect"
	"sort"
	"strings"

	logx "siemalert/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// safe attributes for logging. Secrets are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", newCfg.Logging.Ops.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		tol := ""
		if newCfg.Scheduler.MatchTolerance != nil {
			tol = *newCfg.Scheduler.MatchTolerance
		}
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.utc_offset", strings.TrimSpace(newCfg.Scheduler.UTCOffset)),
			logx.String("scheduler.match_tolerance", tol),
			logx.String("scheduler.report_weekday", newCfg.Scheduler.ReportWeekday),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.config_workers", newCfg.Engine.ConfigWorkers),
			logx.String("engine.config_timeout", newCfg.Engine.ConfigTimeout),
		)
	}

	if storageShape(oldCfg.Storage) != storageShape(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if sourceShape(oldCfg.Source) != sourceShape(newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.driver", newCfg.Source.Driver),
			logx.String("source.url", newCfg.Source.URL),
			logx.Bool("source.password_set", newCfg.Source.Password != ""),
			logx.Bool("source.manager_set", newCfg.Source.Manager != nil),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.concurrency", n.Concurrency),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.email", n.Email != nil),
			logx.Bool("notifier.webhook", n.Webhook != nil),
			logx.Bool("notifier.telegram", n.Telegram != nil && n.Telegram.Token != ""),
		)
	}

	if oldCfg.ConfigStore.Driver != newCfg.ConfigStore.Driver || oldCfg.ConfigStore.DSN != newCfg.ConfigStore.DSN {
		changed = append(changed, "configstore")
		attrs = append(attrs, logx.String("configstore.driver", newCfg.ConfigStore.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rules, newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.alerts", len(newCfg.Rules.Alerts)),
			logx.Int("rules.reports", len(newCfg.Rules.Reports)),
			logx.Int("rules.runtime", len(newCfg.Rules.Runtime)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// storageShape drops secrets so a password rotation alone is still detected
// but never logged.
func storageShape(s StorageConfig) StorageConfig {
	if s.Password != "" {
		s.Password = "set"
	}
	return s
}

func sourceShape(s SourceConfig) string {
	mgr := ""
	if s.Manager != nil {
		mgr = s.Manager.URL + "|" + s.Manager.Username + "|" + s.Manager.Password
	}
	return strings.Join([]string{
		s.Driver, s.URL, s.Index, s.Username, s.Password, s.Timeout, s.StaticPath, mgr,
		boolStr(s.InsecureSkipVerify),
	}, "\x00")
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
