package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindd/internal/channel"
	"remindd/internal/config"
	"remindd/internal/dedup"
	"remindd/internal/eventbus"
	"remindd/internal/observability/ops"
	"remindd/internal/reminder"
	"remindd/internal/runtime/supervisor"
	"remindd/internal/secret"
	"remindd/internal/storage"
	"remindd/internal/task/engine"
	"remindd/internal/task/scheduler"
	"remindd/internal/todo"
	logx "remindd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	dedup  dedup.Store
	cipher *secret.Cipher

	disp   *channel.Dispatcher
	engine *engine.Service
	sched  *scheduler.Service
	repo   *todo.Repository
	rem    *reminder.Service
	ops    *ops.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := a.log

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(ctx, sc, log); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if a.dedup, err = dedup.Open(ctx, mapDedupConfig(cfg), a.store, log.With(logx.String("comp", "dedup"))); err != nil {
		return fmt.Errorf("open dedup: %w", err)
	}

	if key := strings.TrimSpace(cfg.Channels.EncryptionKey); key != "" {
		if a.cipher, err = secret.NewCipher(key); err != nil {
			return err
		}
	} else {
		log.Warn("no channel encryption key; telegram channels cannot be added or used",
			logx.String("env", config.EnvEncryptionKey))
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	var opener channel.Opener
	if a.cipher != nil {
		opener = a.cipher
	}
	a.disp = channel.NewDispatcher(log, cfg.Channels.RatePerSec)
	a.disp.Register(channel.KindTelegram, channel.TelegramFactory(opener, tgCfg))
	a.disp.Register(channel.KindEmail, channel.EmailFactory(mapEmailConfig(cfg)))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.engine, log.With(logx.String("comp", "scheduler")))

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		return err
	}
	a.repo = todo.NewRepository(a.store, log)
	a.rem, err = reminder.New(remCfg, reminder.Deps{
		Items:     a.repo,
		Channels:  a.store,
		Notifier:  a.disp,
		Dedup:     a.dedup,
		Scheduler: a.sched,
		Log:       log,
		Bus:       a.bus,
	})
	if err != nil {
		return err
	}
	a.repo.OnSave(a.rem.OnItemSaved)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(opsCfg, a.status, a.health, log)

	log.Info("app built",
		logx.String("storage", sc.Driver),
		logx.String("dedup", cfg.Dedup.Driver),
		logx.Bool("scheduler", schedCfg.Enabled),
	)
	return nil
}

// Repository is the entry point for todo mutations; saves through it drive reminders.
func (a *App) Repository() *todo.Repository { return a.repo }

func (a *App) Reminders() *reminder.Service { return a.rem }

// AddChannel seals the channel's credentials and stores it.
func (a *App) AddChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	if ch.Telegram != nil {
		if a.cipher == nil {
			return channel.Channel{}, secret.ErrMissingKey
		}
		if err := channel.Seal(a.cipher, &ch); err != nil {
			return channel.Channel{}, err
		}
	}
	return a.store.CreateChannel(ctx, ch)
}

// SetUserChannels routes the user's reminders to channelIDs, in order.
func (a *App) SetUserChannels(ctx context.Context, userID int64, channelIDs []int64) error {
	return a.store.SetUserChannels(ctx, userID, channelIDs)
}

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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		var errs []error
		if _, err := mapStorageConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapReminderConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapTelegramConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
			}
		}
		return errors.Join(errs...)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.rem.RegisterSweep(); err != nil {
		return fmt.Errorf("register sweep: %w", err)
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; reminders will not be delivered")
	}

	if a.rem.Config().RecoverOnStart {
		if _, err := a.rem.Recover(a.sup.Context()); err != nil {
			a.log.Warn("recover queued reminders", logx.Err(err))
		}
	}

	a.ops.Start(a.sup.Context())

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
				// Keep this debug-level to avoid noise from task lifecycle events.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// applyConfig applies the live-reloadable parts of a new config.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(next))
	a.disp.SetRate(next.Channels.RatePerSec)
	if opsCfg, err := mapOpsConfig(next); err == nil {
		a.ops.Reconfigure(a.sup.Context(), opsCfg)
	}

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Status is the body of the ops /status endpoint.
type Status struct {
	Scheduler       bool            `json:"scheduler_enabled"`
	PendingOnce     int             `json:"pending_reminders"`
	Engine          engine.Snapshot `json:"engine"`
	DispatchRate    int             `json:"channels_rate_per_sec"`
	SupervisorError string          `json:"supervisor_error,omitempty"`
}

func (a *App) status(context.Context) any {
	st := Status{
		Scheduler:    a.sched.Enabled(),
		PendingOnce:  a.sched.Pending(),
		Engine:       a.engine.Snapshot(),
		DispatchRate: a.cfgm.Get().Channels.RatePerSec,
	}
	if err := a.Err(); err != nil {
		st.SupervisorError = err.Error()
	}
	return st
}

func (a *App) health(context.Context) error {
	if err := a.Err(); err != nil {
		return err
	}
	if a.sched.Enabled() && !a.engine.Enabled() {
		return errors.New("task engine disabled while scheduler enabled")
	}
	return nil
}

func (a *App) closeResources() {
	if a.dedup != nil {
		if err := a.dedup.Close(); err != nil {
			a.log.Warn("close dedup", logx.Err(err))
		}
		a.dedup = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", logx.Err(err))
		}
		a.store = nil
	}
}
