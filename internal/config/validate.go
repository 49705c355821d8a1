package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"siemalert/internal/core"
)

// Validate checks structural problems that would prevent the process from
// running. Individual rule problems (no recipients, bad notify time) are not
// errors here; cycles skip those entries with a reason.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Scheduler.MatchTolerance != nil {
		_, err := ParseDurationField("scheduler.match_tolerance", *cfg.Scheduler.MatchTolerance)
		add(err)
	}
	if w := strings.TrimSpace(cfg.Scheduler.ReportWeekday); w != "" {
		if _, err := ParseWeekday(w); err != nil {
			add(fmt.Errorf("scheduler.report_weekday: %w", err))
		}
	}
	if cfg.Scheduler.Timezone != "" && cfg.Scheduler.UTCOffset != "" {
		add(errors.New("scheduler: set timezone or utc_offset, not both"))
	}
	_, err := ParseDurationField("scheduler.reconcile_every", cfg.Scheduler.ReconcileEvery)
	add(err)
	_, err = ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)
	add(err)
	_, err = ParseDurationField("engine.config_timeout", cfg.Engine.ConfigTimeout)
	add(err)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "file":
	case "memory", "none":
	case "postgres":
		if cfg.Storage.DSN == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	case "redis":
		if cfg.Storage.Addr == "" {
			add(errors.New("storage.addr is required for redis"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Source.Driver)); d {
	case "", "opensearch":
		if strings.TrimSpace(cfg.Source.URL) == "" {
			add(errors.New("source.url is required for opensearch"))
		}
	case "static":
	default:
		add(fmt.Errorf("source.driver: unknown driver %q", d))
	}
	_, err = ParseDurationField("source.timeout", cfg.Source.Timeout)
	add(err)

	if cfg.Notifier.Email != nil && strings.TrimSpace(cfg.Notifier.Email.Host) == "" {
		add(errors.New("notifier.email.host is required"))
	}
	for _, f := range []struct{ path, raw string }{
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.ConfigStore.Driver)); d {
	case "", "file":
	case "postgres":
		if cfg.ConfigStore.DSN == "" {
			add(errors.New("configstore.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("configstore.driver: unknown driver %q", d))
	}

	if cfg.Admin.Enabled {
		add(validateAdmin(cfg.Admin))
	}

	seen := map[string]struct{}{}
	for i, a := range cfg.Rules.Alerts {
		if strings.TrimSpace(a.ID) == "" {
			add(fmt.Errorf("rules.alerts[%d]: id is required", i))
			continue
		}
		if _, dup := seen["a:"+a.ID]; dup {
			add(fmt.Errorf("rules.alerts[%d]: duplicate id %q", i, a.ID))
		}
		seen["a:"+a.ID] = struct{}{}
		for _, s := range a.Severities {
			if _, err := core.ParseSeverity(string(s)); err != nil {
				add(fmt.Errorf("rules.alerts[%d]: %w", i, err))
			}
		}
	}
	for i, r := range cfg.Rules.Reports {
		if strings.TrimSpace(r.ID) == "" {
			add(fmt.Errorf("rules.reports[%d]: id is required", i))
			continue
		}
		if _, dup := seen["r:"+r.ID]; dup {
			add(fmt.Errorf("rules.reports[%d]: duplicate id %q", i, r.ID))
		}
		seen["r:"+r.ID] = struct{}{}
		for _, s := range r.Severities {
			if _, err := core.ParseSeverity(string(s)); err != nil {
				add(fmt.Errorf("rules.reports[%d]: %w", i, err))
			}
		}
	}
	add(validateRuntimeParams(cfg.Rules.Runtime))

	return errors.Join(errs...)
}

func validateAdmin(a AdminConfig) error {
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("admin.addr: %w", err)
	}
	if a.Token == "" && !a.AllowInsecure && !isLoopback(host) {
		return errors.New("admin: token is required for non-loopback addr (or set allow_insecure)")
	}
	for _, f := range []struct{ path, raw string }{
		{"admin.read_timeout", a.ReadTimeout},
		{"admin.write_timeout", a.WriteTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ParseWeekday accepts full or three-letter English weekday names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("unknown weekday %q", s)
}
