// Package app wires configuration into the bot, its scheduler and the
// operator alert sink, and owns their start/stop order.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plotbot/internal/bot"
	"plotbot/internal/config"
	"plotbot/internal/eventbus"
	"plotbot/internal/observability/pprof"
	"plotbot/internal/runtime/supervisor"
	"plotbot/internal/social"
	"plotbot/internal/storage"
	"plotbot/internal/task/runner"
	"plotbot/internal/task/scheduler"
	"plotbot/internal/transport/telegram"
	logx "plotbot/pkg/logx"
)

// watchMaxRestarts bounds consecutive config watcher failures.
const watchMaxRestarts = 5

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	alerter *telegram.Alerter
	bot     *bot.Bot
	sched   *scheduler.Service
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start; one-shot commands use Bot directly.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	d, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	// Alerts stay off until the sender exists.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)

	var alerter *telegram.Alerter
	if tc, ok := mapAlerter(cfg); ok {
		alerter, err = telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		logSvc.SetSender(alerter)
	}
	logSvc.Apply(logCfg)

	a, err := build(cfg, d, logSvc, log, alerter)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

func build(cfg *config.Config, d config.Durations, logSvc *logx.Service, log logx.Logger, alerter *telegram.Alerter) (*App, error) {
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled := mapStorage(cfg, d); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	sc, policy := mapSocial(cfg, d)
	client, err := social.NewClient(sc, policy, log.With(logx.String("comp", "social")), bus)
	if err != nil {
		closeStore()
		return nil, err
	}

	run := runner.New(mapRunner(cfg, d), log.With(logx.String("comp", "runner")), bus)

	settings, err := mapSettings(cfg, d)
	if err != nil {
		closeStore()
		return nil, err
	}
	b, err := bot.New(settings, run, client, store, log.With(logx.String("comp", "bot")), bus)
	if err != nil {
		closeStore()
		return nil, err
	}

	return &App{
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		alerter: alerter,
		bot:     b,
	}, nil
}

func (a *App) Bot() *bot.Bot { return a.bot }

// Store returns the post log, or storage.ErrDisabled.
func (a *App) Store() (storage.Store, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store, nil
}

func (a *App) Logger() logx.Logger { return a.log }

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

// Start runs the daemon: scheduled cycles, alert forwarding and config hot
// reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.sched = scheduler.New(mapScheduler(cfg), a.sup, a.log.With(logx.String("comp", "scheduler")), a.bus)
	if err := a.applySchedules(cfg); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; no cycles will run")
	}

	if a.alerter != nil {
		a.sup.Go("telegram.notify", func(c context.Context) error {
			return a.alerter.Forward(c, a.bus, telegram.FormatEvent)
		})
	}

	// Keep this debug-level to avoid noise from the reply poll.
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
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	if dc := cfg.Debug; dc.Enabled {
		srv, err := pprof.New(pprof.Config{Addr: dc.Addr, Token: dc.Token}, a.status, a.log.With(logx.String("comp", "debug")))
		if err != nil {
			return err
		}
		// Optional; a failure never stops the bot.
		a.sup.Go0("debug.http", func(c context.Context) {
			if err := srv.Serve(c); err != nil {
				a.log.Error("debug server failed", logx.Err(err))
			}
		})
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validate(cfg)
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
				// Coalesce bursts: keep only the latest config.
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
				a.reload(c, last, next)
				last = next
			}
		}
	})
	// Watch heals fsnotify itself; repeated failures here are fatal so the
	// service manager restarts the daemon with a fresh watcher.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second), supervisor.WithMaxRestarts(watchMaxRestarts))

	snap := a.sched.Snapshot()
	for _, s := range snap.Schedules {
		a.log.Info("schedule ready", logx.String("name", s.Name), logx.String("spec", s.Spec), logx.Time("next", s.Next))
	}
	a.log.Info("app started", logx.Bool("scheduler", snap.Running), logx.String("tz", snap.Timezone))
	return nil
}

// Status is served at /status by the debug server.
type Status struct {
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Supervisor supervisor.Counters `json:"supervisor"`
}

func (a *App) status() any {
	return Status{Scheduler: a.sched.Snapshot(), Supervisor: a.sup.Counters()}
}

func (a *App) jobs() map[string]scheduler.Job {
	return map[string]scheduler.Job{
		SchedulePost: func(ctx context.Context) error {
			_, err := a.bot.PostPlot(ctx)
			return err
		},
		ScheduleReply: func(ctx context.Context) error {
			_, err := a.bot.ReplyMentions(ctx)
			return err
		},
		ScheduleSync: func(ctx context.Context) error {
			_, err := a.bot.SyncCursor(ctx)
			return err
		},
	}
}

// applySchedules registers (or removes) every trigger from cfg.
func (a *App) applySchedules(cfg *config.Config) error {
	jobs := a.jobs()
	for _, s := range mapSchedules(cfg) {
		if err := a.sched.AddSchedule(s.name, s.spec, 0, jobs[s.name]); err != nil {
			return fmt.Errorf("scheduler.%s: %w", s.name, err)
		}
	}
	return nil
}

// reload applies a validated config. Logging, bot settings and triggers
// change live; the rest waits for a restart.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := strings.Join(sections, ",")
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	d, err := next.Durations()
	if err != nil {
		a.log.Warn("invalid durations; keeping previous", logx.Err(err))
		return
	}
	if settings, err := mapSettings(next, d); err != nil {
		a.log.Warn("invalid bot settings; keeping previous", logx.Err(err))
	} else if err := a.bot.Apply(settings); err != nil {
		a.log.Warn("bot settings rejected; keeping previous", logx.Err(err))
	}

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(mapScheduler(next))
	if err := a.applySchedules(next); err != nil {
		a.log.Warn("schedule update failed", logx.Err(err))
	}
	switch {
	case wasEnabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", changed)}, attrs...)...)
}

// Stop shuts the app down in order: triggers, in-flight cycles, storage,
// logging. Each step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if a.sup != nil {
		a.sup.Cancel()
		a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error {
			a.sched.Stop(c)
			return nil
		})
		// Cycles end with the supervisor context; renders are killed by the runner.
		a.step(ctx, "supervisor", 5*time.Second, a.sup.Wait)
	}
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
		limit = time.Until(dl)
	}
	stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
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
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
