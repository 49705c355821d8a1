package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/jackc/pgx/v5/pgxpool"

	"siemalert/internal/admin"
	"siemalert/internal/config"
	"siemalert/internal/configstore"
	"siemalert/internal/core"
	"siemalert/internal/cycle"
	"siemalert/internal/driver"
	"siemalert/internal/eventbus"
	"siemalert/internal/ledger"
	"siemalert/internal/metrics"
	"siemalert/internal/notifier"
	"siemalert/internal/render"
	rtsup "siemalert/internal/runtime/supervisor"
	"siemalert/internal/source"
	"siemalert/internal/storage"
	"siemalert/internal/task/engine"
	"siemalert/internal/task/scheduler"
	logx "siemalert/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	pool  *pgxpool.Pool
	files *configstore.FileStore
	pg    *configstore.PostgresStore
	src   core.AlertSource
	mgr   *source.Manager

	notif   *notifier.Service
	runner  *cycle.Runner
	engine  *engine.Service
	sched   *scheduler.Service
	driver  *driver.Driver
	metrics *metrics.Collector
	admin   *admin.Server
}

// NewApp loads the config and builds every component without starting
// background work. Manual runs (CLI) can use Driver directly.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgPath: cfgPath, cfgm: cfgm, logs: logSvc, log: log.Component("app"), bus: eventbus.New()}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// LoadConfig parses and validates the config at path without building
// any component.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		a.log.Warn("storage disabled; ledger kept in memory and lost on restart")
		st = storage.NewMemory()
	case err != nil:
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st

	configs, err := a.buildConfigStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := a.buildSource(cfg, log); err != nil {
		return err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	channels, err := buildChannels(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, log, a.bus, channels...)
	a.logs.SetSender(a.notif)

	eval, err := buildEvaluator(cfg)
	if err != nil {
		return err
	}
	ropts, err := mapRunnerOptions(cfg)
	if err != nil {
		return err
	}
	led := ledger.New(st, configs, log)
	a.runner = cycle.NewRunner(cycle.Deps{
		Configs:  configs,
		Source:   a.src,
		Notifier: a.notif,
		Renderer: render.New(eval.Location()),
		Ledger:   led,
		Markers:  ledger.NewMarkers(st, log),
		Audit:    st,
		Bus:      a.bus,
		Log:      log,
	}, eval, ropts)

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, log, a.bus)
	a.sched = scheduler.New(a.engine, eval.Location(), log)

	dcfg, err := mapDriverConfig(cfg)
	if err != nil {
		return err
	}
	a.driver = driver.New(driver.Deps{
		Runner:    a.runner,
		Scheduler: a.sched,
		Engine:    a.engine,
		Ledger:    led,
		Bus:       a.bus,
		Log:       log,
	}, dcfg)

	a.metrics = metrics.New(a.bus)
	if cfg.Admin.Enabled {
		acfg, err := mapAdminConfig(cfg)
		if err != nil {
			return err
		}
		a.admin = admin.New(acfg, a.driver, a.metrics.Handler(), log)
	}
	return nil
}

// buildConfigStore returns the file store fed from rules, or a postgres
// store. The pool connects lazily so an unreachable database degrades
// cycles instead of failing startup.
func (a *App) buildConfigStore(ctx context.Context, cfg *config.Config, log logx.Logger) (core.ConfigStore, error) {
	if !strings.EqualFold(strings.TrimSpace(cfg.ConfigStore.Driver), "postgres") {
		a.files = configstore.NewFileStore(rulesOf(cfg))
		return a.files, nil
	}
	pool, err := pgxpool.New(ctx, cfg.ConfigStore.DSN)
	if err != nil {
		return nil, fmt.Errorf("configstore: %w", err)
	}
	a.pool = pool
	a.pg = configstore.NewPostgresStore(pool, log)
	return a.pg, nil
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchemas creates missing tables for the ledger store and the postgres
// config store. Start retries the config store in the background; manual runs
// skip Start and call this once instead.
func (a *App) EnsureSchemas(ctx context.Context) error {
	var errs []error
	if se, ok := a.store.(schemaEnsurer); ok {
		if err := se.EnsureSchema(ctx); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if a.pg != nil {
		if err := a.pg.EnsureSchema(ctx); err != nil {
			errs = append(errs, fmt.Errorf("configstore: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) buildSource(cfg *config.Config, log logx.Logger) error {
	if strings.EqualFold(strings.TrimSpace(cfg.Source.Driver), "static") {
		if cfg.Source.StaticPath == "" {
			a.src = source.NewStatic()
			return nil
		}
		st, err := source.LoadStatic(cfg.Source.StaticPath)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		a.src = st
		return nil
	}
	oc, err := mapOpenSearchConfig(cfg)
	if err != nil {
		return err
	}
	search, err := source.NewOpenSearch(oc, log)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	a.src = search
	if m := cfg.Source.Manager; m != nil && m.URL != "" {
		mgr, err := source.NewManager(source.ManagerConfig{
			URL:                m.URL,
			Username:           m.Username,
			Password:           m.Password,
			InsecureSkipVerify: cfg.Source.InsecureSkipVerify,
			Timeout:            oc.Timeout,
		}, log)
		if err != nil {
			return fmt.Errorf("source.manager: %w", err)
		}
		a.mgr = mgr
	}
	return nil
}

func (a *App) Driver() *driver.Driver { return a.driver }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.pg != nil {
		a.sup.GoRestart("configstore.schema", a.pg.EnsureSchema, rtsup.WithRestartBackoff(time.Second, time.Minute))
	}
	a.sup.GoRestart("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.sup.GoRestart("eventbus.log", a.logEvents)
	if a.mgr != nil {
		a.sup.GoRestart("source.manager.health", a.watchManager)
	}

	a.engine.Start(c)
	if a.Config().Scheduler.Enabled {
		if err := a.startScheduling(c); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled; only manual runs will execute")
	}

	if a.admin != nil {
		if err := a.admin.Start(); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}

	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) startScheduling(ctx context.Context) error {
	if err := a.driver.Start(ctx); err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	a.sched.Start(ctx)
	return nil
}

func (a *App) stopScheduling(ctx context.Context) {
	a.sched.Stop(ctx)
	_ = a.driver.Stop(ctx)
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// watchManager pings the Wazuh manager API and logs transitions.
func (a *App) watchManager(ctx context.Context) error {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	healthy := true
	for {
		err := a.mgr.Ping(ctx)
		switch {
		case err != nil && healthy:
			a.log.Warn("wazuh manager unreachable", logx.Err(err))
		case err == nil && !healthy:
			a.log.Info("wazuh manager reachable again")
		}
		healthy = err == nil
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Stop shuts components down in reverse order. It is also the cleanup path
// for an App that was built but never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return a.logs.Close()
	}
	a.sdNotify(daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("admin", 3*time.Second, func(c context.Context) error {
		if a.admin == nil {
			return nil
		}
		return a.admin.Stop(c)
	})
	step("scheduling", 2*time.Second, func(c context.Context) error { a.stopScheduling(c); return nil })
	// running cycles finish or hit their timeout here
	step("engine", 30*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
