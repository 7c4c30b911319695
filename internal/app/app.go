// Package app wires configuration, storage, the scheduling core and the
// Telegram front end into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"moodping/internal/checkin"
	"moodping/internal/config"
	"moodping/internal/eventbus"
	"moodping/internal/httpapi"
	"moodping/internal/maintenance"
	"moodping/internal/metrics"
	"moodping/internal/notifier"
	"moodping/internal/preferences"
	"moodping/internal/reconcile"
	rtsup "moodping/internal/runtime/supervisor"
	"moodping/internal/storage"
	"moodping/internal/task/engine"
	"moodping/internal/task/scheduler"
	kit "moodping/internal/transport"
	telegram "moodping/internal/transport/telegram/adapter"
	"moodping/internal/transport/telegram/router"
	logx "moodping/pkg/logx"
	"moodping/pkg/systemd"
)

type App struct {
	version string
	cfg     *config.Config
	cfgm    *config.ConfigManager

	sup  *rtsup.Supervisor
	log  logx.Logger
	base logx.Logger // without a component, for deriving others
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter kit.Adapter

	engine   *engine.Service
	sched    *scheduler.Service
	sender   *notifier.Sender
	delivery *checkin.Delivery
	checkin  *checkin.Controller
	rec      *reconcile.Reconciler
	prefs    *preferences.Service
	maint    *maintenance.Jobs
	metrics  *metrics.Metrics
	router   *router.Router
	http     *httpapi.Server
	sd       *systemd.Notifier

	updates chan kit.Update
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a, err := build(context.Background(), cfg, ad, log, version)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build wires components around an existing adapter.
func build(ctx context.Context, cfg *config.Config, ad kit.Adapter, log logx.Logger, version string) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	recCfg, err := mapReconcileConfig(cfg, schedCfg.Grace)
	if err != nil {
		return nil, err
	}
	maintCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	eng := engine.New(mapEngineConfig(cfg), log, bus)
	sched := scheduler.New(schedCfg, eng, log, bus)

	sender := notifier.New(mapNotifierConfig(cfg), ad, log, bus)
	delivery := checkin.NewDelivery(store, sender, log, bus)
	rec := reconcile.New(recCfg, sched, store, reconcile.Callbacks{
		Ping:   delivery.DailyPing,
		Digest: delivery.WeeklyDigest,
	}, log, bus)
	ctl := checkin.NewController(mapCheckinConfig(cfg), sched, store, delivery.Postponed, log, bus)
	prefs := preferences.New(store, rec, mapDefaults(cfg), log)
	maint := maintenance.New(maintCfg, store, rec, log)
	met := metrics.New(sched.Len)

	r := router.New(router.Config{}, ad, log.With(logx.String("comp", "commands")))
	router.Register(r, prefs, ctl)

	a := &App{
		version:  version,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "app")),
		base:     log,
		bus:      bus,
		store:    store,
		adapter:  ad,
		engine:   eng,
		sched:    sched,
		sender:   sender,
		delivery: delivery,
		checkin:  ctl,
		rec:      rec,
		prefs:    prefs,
		maint:    maint,
		metrics:  met,
		router:   r,
		sd:       systemd.New(cfg.Systemd.Notify, log),
		updates:  make(chan kit.Update, 256),
	}
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Config{
			Addr:       cfg.HTTP.Addr,
			Version:    version,
			Pprof:      cfg.HTTP.Pprof,
			PprofToken: cfg.HTTP.PprofToken,
		}, httpapi.Deps{
			DB:      store,
			Status:  sched,
			Metrics: met.Handler(),
		}, log)
	}
	return a, nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the core up before the front end: jobs are registered and
// reconciled before the first Telegram update is read.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.logEvents()

	a.engine.Start(runCtx)
	a.sched.Start(runCtx)

	if err := a.maint.Register(a.sched); err != nil {
		return fmt.Errorf("register maintenance jobs: %w", err)
	}
	sum, err := a.rec.ReconcileAll(runCtx)
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	a.log.Info("startup reconcile done",
		logx.Int("users", sum.Users),
		logx.Int("failed", sum.Failed),
		logx.Int("jobs", a.sched.Len()),
		logx.Duration("took", sum.Took),
	)

	if a.http != nil {
		if err := a.http.Start(runCtx); err != nil {
			return err
		}
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("telegram.menu.update", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.router.PublishMenu(mctx); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})

	if a.cfgm != nil {
		a.watchConfig()
	}

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d jobs scheduled", a.sched.Len()))
	if a.cfg.Systemd.Watchdog {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.sd.RunWatchdog(c, a.healthy)
		})
	}

	a.log.Info("app started", logx.String("version", a.version))
	return nil
}

func (a *App) healthy() bool {
	if !a.sched.Running() {
		return false
	}
	ctx, cancel := context.WithTimeout(a.sup.Context(), 2*time.Second)
	defer cancel()
	return a.store.Ping(ctx) == nil
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) watchConfig() {
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig pushes the live-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(next))
	}
	a.engine.Apply(ctx, mapEngineConfig(next))
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	a.sender.Apply(mapNotifierConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down front to back. Each step is bounded so one
// slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 2*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	a.sup.Cancel()

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
