package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"siemalert/internal/admin"
	"siemalert/internal/config"
	"siemalert/internal/configstore"
	"siemalert/internal/core"
	"siemalert/internal/cycle"
	"siemalert/internal/driver"
	"siemalert/internal/notifier"
	"siemalert/internal/schedule"
	"siemalert/internal/source"
	"siemalert/internal/storage"
	"siemalert/internal/task/engine"
	logx "siemalert/pkg/logx"
)

const (
	defaultSQLitePath  = "./data/siemalert.db"
	defaultLedgerPath  = "./data/ledger.json"
	defaultAdminAddr   = "127.0.0.1:8087"
	defaultEngineQueue = 16
	defaultCycleLimit  = 10 * time.Minute
	defaultConfigLimit = 45 * time.Second
	defaultNotifyRetry = 2
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled,
			Target:     cfg.Logging.Ops.Target,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driverName := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driverName {
	case "", "sqlite", "sqlite3":
		driverName = "sqlite"
		if path == "" {
			path = defaultSQLitePath
		}
	case "file":
		if path == "" {
			path = defaultLedgerPath
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driverName,
		Path:        path,
		DSN:         sc.DSN,
		Addr:        sc.Addr,
		Password:    sc.Password,
		DB:          sc.DB,
		KeyPrefix:   sc.KeyPrefix,
		BusyTimeout: busy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	if ec.Workers < 0 || ec.QueueSize < 0 || ec.HistorySize < 0 || ec.RetryMax < 0 {
		return engine.Config{}, errors.New("engine: counts must be >= 0")
	}
	def, err := config.ParseDurationOrDefault("engine.default_timeout", ec.DefaultTimeout, defaultCycleLimit)
	if err != nil {
		return engine.Config{}, err
	}
	queue := ec.QueueSize
	if queue == 0 {
		queue = defaultEngineQueue
	}
	return engine.Config{
		Enabled:        true,
		Workers:        ec.Workers,
		QueueSize:      queue,
		DefaultTimeout: def,
		HistorySize:    ec.HistorySize,
		RetryMax:       ec.RetryMax,
	}, nil
}

func mapRunnerOptions(cfg *config.Config) (cycle.Options, error) {
	timeout, err := config.ParseDurationOrDefault("engine.config_timeout", cfg.Engine.ConfigTimeout, defaultConfigLimit)
	if err != nil {
		return cycle.Options{}, err
	}
	return cycle.Options{Workers: cfg.Engine.ConfigWorkers, ConfigTimeout: timeout}, nil
}

func mapDriverConfig(cfg *config.Config) (driver.Config, error) {
	every, err := config.ParseDurationField("scheduler.reconcile_every", cfg.Scheduler.ReconcileEvery)
	if err != nil {
		return driver.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("engine.default_timeout", cfg.Engine.DefaultTimeout, defaultCycleLimit)
	if err != nil {
		return driver.Config{}, err
	}
	return driver.Config{
		PruneCron:      strings.TrimSpace(cfg.Scheduler.PruneCron),
		ReconcileEvery: every,
		CycleTimeout:   timeout,
	}, nil
}

// buildEvaluator resolves zone, tolerance and report weekday.
func buildEvaluator(cfg *config.Config) (*schedule.Evaluator, error) {
	sc := cfg.Scheduler
	loc, err := schedule.LoadZone(sc.UTCOffset, sc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	tol := schedule.DefaultTolerance
	if sc.MatchTolerance != nil {
		if tol, err = config.ParseDurationField("scheduler.match_tolerance", *sc.MatchTolerance); err != nil {
			return nil, err
		}
	}
	weekday := time.Monday
	if strings.TrimSpace(sc.ReportWeekday) != "" {
		if weekday, err = config.ParseWeekday(sc.ReportWeekday); err != nil {
			return nil, fmt.Errorf("scheduler.report_weekday: %w", err)
		}
	}
	return schedule.New(loc, tol, weekday), nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	retries := defaultNotifyRetry
	if nc.RetryMax != nil {
		retries = *nc.RetryMax
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Concurrency:   nc.Concurrency,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
		HistorySize:   nc.HistorySize,
	}, nil
}

// buildChannels returns the delivery channels the config enables. The
// webhook channel is always present: any http(s) recipient routes to it.
func buildChannels(cfg *config.Config) ([]notifier.Channel, error) {
	nc := cfg.Notifier
	var out []notifier.Channel
	if e := nc.Email; e != nil {
		ch, err := notifier.NewEmailChannel(notifier.EmailConfig{
			Host:               e.Host,
			Port:               e.Port,
			Username:           e.Username,
			Password:           e.Password,
			From:               e.From,
			UseTLS:             e.UseTLS,
			UseStartTLS:        e.UseStartTLS,
			InsecureSkipVerify: e.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.email: %w", err)
		}
		out = append(out, ch)
	}

	wc := notifier.WebhookConfig{}
	if w := nc.Webhook; w != nil {
		timeout, err := config.ParseDurationField("notifier.webhook.timeout", w.Timeout)
		if err != nil {
			return nil, err
		}
		wc = notifier.WebhookConfig{HMACSecret: w.HMACSecret, CustomHeaders: w.Headers, Timeout: timeout}
	}
	out = append(out, notifier.NewWebhookChannel(wc))

	if t := nc.Telegram; t != nil && strings.TrimSpace(t.Token) != "" {
		ch, err := notifier.NewTelegramChannel(notifier.TelegramConfig{Token: t.Token, URL: t.APIURL})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

// rulesOf copies the file rules with severity names lowercased, so configs
// built without going through the JSON decoder compare like parsed ones.
func rulesOf(cfg *config.Config) configstore.Rules {
	alerts := make([]core.AlertingConfiguration, len(cfg.Rules.Alerts))
	for i, a := range cfg.Rules.Alerts {
		a.Severities = core.NormalizeSeverities(a.Severities)
		alerts[i] = a
	}
	reports := make([]core.ReportConfiguration, len(cfg.Rules.Reports))
	for i, r := range cfg.Rules.Reports {
		r.Severities = core.NormalizeSeverities(r.Severities)
		reports[i] = r
	}
	return configstore.Rules{
		Alerts:  alerts,
		Reports: reports,
		Runtime: cfg.Rules.Runtime,
	}
}

func mapOpenSearchConfig(cfg *config.Config) (source.OpenSearchConfig, error) {
	sc := cfg.Source
	timeout, err := config.ParseDurationField("source.timeout", sc.Timeout)
	if err != nil {
		return source.OpenSearchConfig{}, err
	}
	return source.OpenSearchConfig{
		URL:                sc.URL,
		Index:              sc.Index,
		Username:           sc.Username,
		Password:           sc.Password,
		InsecureSkipVerify: sc.InsecureSkipVerify,
		Timeout:            timeout,
	}, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// manual runs hold the request open for a whole cycle
	write, err := config.ParseDurationOrDefault("admin.write_timeout", ac.WriteTimeout, 15*time.Minute)
	if err != nil {
		return admin.Config{}, err
	}
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		addr = defaultAdminAddr
	}
	return admin.Config{
		Addr:         addr,
		Token:        ac.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
		Pprof: admin.PprofConfig{
			Enabled:              ac.Pprof,
			MutexProfileFraction: ac.MutexProfileFraction,
			BlockProfileRate:     ac.BlockProfileRate,
		},
	}, nil
}

// validate is installed as the reload gate: a config that would fail to map
// is rejected before it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	add(err)
	_, err = mapEngineConfig(cfg)
	add(err)
	_, err = mapRunnerOptions(cfg)
	add(err)
	_, err = mapDriverConfig(cfg)
	add(err)
	_, err = buildEvaluator(cfg)
	add(err)
	_, err = mapNotifierConfig(cfg)
	add(err)
	_, err = buildChannels(cfg)
	add(err)
	if cfg.Admin.Enabled {
		_, err = mapAdminConfig(cfg)
		add(err)
	}
	return errors.Join(errs...)
}
