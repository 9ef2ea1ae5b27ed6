package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"instabot/internal/config"
	"instabot/internal/engine"
	"instabot/internal/eventbus"
	"instabot/internal/executor"
	"instabot/internal/notifier"
	"instabot/internal/observability"
	rtsup "instabot/internal/runtime/supervisor"
	"instabot/internal/storage"
	logx "instabot/pkg/logx"
	"instabot/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sd   systemd.Notifier

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	driver  executor.Driver
	sched   *engine.Scheduler
	metrics *observability.Metrics
	http    *observability.Server

	notif    *notifier.Service
	telegram *notifier.Telegram
	cmds     *notifier.Commands

	autoStart bool
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       eventbus.New(),
		autoStart: cfg.Schedule.AutoStartEnabled(),
	}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	settings, err := cfg.EngineSettings()
	if err != nil {
		return err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	dc, err := mapDriverConfig(cfg)
	if err != nil {
		return err
	}
	if a.driver, err = executor.New(dc, a.log.With(logx.String("comp", "driver"))); err != nil {
		return err
	}

	// A nil storage.Store must stay a nil engine.StatsStore.
	var stats engine.StatsStore
	if a.store != nil {
		stats = a.store
	}
	a.sched = engine.NewScheduler(engine.Options{
		Settings: settings,
		Executor: a.driver,
		Store:    stats,
		Bus:      a.bus,
		Log:      a.log.With(logx.String("comp", "scheduler")),
	})

	a.metrics = observability.NewMetrics()
	a.metrics.SetLimits(settings.Limits)

	ns, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if ns.service.Enabled {
		tg, err := notifier.NewTelegram(ns.telegram, a.log)
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		a.telegram = tg
		a.notif = notifier.New(ns.service, tg, a.bus, a.log.With(logx.String("comp", "notifier")))
		if ns.commands {
			a.cmds = notifier.NewCommands(a.sched, ns.owners)
		}
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = observability.NewServer(hc, a.sched, a.metrics, a.runtimeStatus, a.log)
	return nil
}

// Scheduler exposes the action loop for callers that drive it directly.
func (a *App) Scheduler() *engine.Scheduler { return a.sched }

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

// Start waits for the driver, starts the background services and, when
// schedule.auto_start allows it, the scheduler.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	_ = a.sd.Status("waiting for driver")
	if err := a.driver.WaitReady(ctx); err != nil {
		return fmt.Errorf("driver not ready: %w", err)
	}

	a.sup.Go("metrics", func(c context.Context) error {
		return ignoreCanceled(a.metrics.Consume(c, a.bus))
	})
	a.sup.Go("events.log", func(c context.Context) error {
		return ignoreCanceled(a.logEvents(c))
	})

	if a.notif != nil {
		a.notif.Start(a.sup.Context())
		a.sup.Go("notifier.watch", func(c context.Context) error {
			return ignoreCanceled(a.notif.Watch(c, a.bus))
		})
	}
	if a.telegram != nil && a.cmds != nil {
		a.sup.GoRestart("telegram.poll", func(c context.Context) error {
			return a.telegram.Serve(c, a.cmds)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return ignoreCanceled(a.cfgm.Watch(c))
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return ignoreCanceled(a.sd.Watchdog(c))
	})

	if a.autoStart {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
		_ = a.sd.Status("running")
	} else {
		a.log.Info("auto_start disabled; waiting for a start command")
		_ = a.sd.Status("idle")
	}

	_ = a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// logEvents mirrors bus traffic at debug level; failures and blocks also
// surface at warn from the scheduler itself.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies live sections of a reloaded config and warns about the
// rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(mapLoggingConfig(newCfg))

			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config sections changed; restart required for changes to take effect",
					logx.String("sections", strings.Join(pending, ",")))
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) runtimeStatus() any {
	out := map[string]any{"supervisor": a.sup.Snapshot()}
	if a.notif != nil {
		out["notifications"] = a.notif.History()
	}
	return out
}

// Stop shuts everything down in dependency order: the scheduler first so its
// final snapshot reaches storage, storage last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = a.sd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error {
		err := a.sched.Stop(c)
		if errors.Is(err, engine.ErrNotRunning) {
			return nil
		}
		return err
	})
	step("http", time.Second, a.http.Stop)
	if a.notif != nil {
		// Give the stop alert a chance to go out before the queue closes.
		step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	}

	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	a.closeStore()

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
