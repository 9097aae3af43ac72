// Package app owns construction order and lifecycle: config, logging,
// storage, action handlers, engine, dispatcher, and the scheduler facade.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobd/internal/action"
	"jobd/internal/config"
	"jobd/internal/dispatch"
	"jobd/internal/engine"
	"jobd/internal/eventbus"
	rtsup "jobd/internal/runtime/supervisor"
	"jobd/internal/scheduler"
	"jobd/internal/store"
	"jobd/internal/template"
	logx "jobd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	registry *action.Registry
	funcs    *action.Funcs
	catalog  *template.Catalog

	eng   *engine.Service
	disp  *dispatch.Dispatcher
	sched *scheduler.Service

	dispatchEnabled bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	// Action handlers. Webhook is always available; the Telegram notifier
	// only when a token is configured; custom functions are bound by the
	// embedder via Funcs().
	registry := action.NewRegistry()
	webhookCfg, err := mapWebhookConfig(cfg)
	if err != nil {
		return nil, err
	}
	registry.Register(action.NewWebhook(webhookCfg))
	funcs := action.NewFuncs()
	registry.Register(funcs)
	if cfg.Notifier != nil {
		n, err := action.NewNotifier(action.NotifierConfig{
			Token:  cfg.Notifier.Token,
			ChatID: cfg.Notifier.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		registry.Register(n)
		log.Info("telegram notifier enabled")
	}

	catalog := template.NewCatalog()
	if p := strings.TrimSpace(cfg.Templates.Path); p != "" {
		if err := catalog.LoadFile(p); err != nil {
			return nil, fmt.Errorf("templates: %w", err)
		}
		log.Info("template catalog loaded", logx.String("path", p))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, registry, st, log.With(logx.String("comp", "engine")), bus)

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, st.Jobs(), eng, bus, log.With(logx.String("comp", "dispatch")))

	sched := scheduler.New(st, eng, catalog, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath:         cfgPath,
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		st:              st,
		registry:        registry,
		funcs:           funcs,
		catalog:         catalog,
		eng:             eng,
		disp:            disp,
		sched:           sched,
		dispatchEnabled: cfg.Dispatcher.Enabled,
	}, nil
}

// Scheduler is the facade embedders drive (CRUD, execute-now, bulk, stats).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Funcs exposes the CUSTOM_FUNCTION binding table.
func (a *App) Funcs() *action.Funcs { return a.funcs }

// Bus exposes lifecycle events for embedders.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: the manager validates before publishing,
	// so a component never sees a config the app cannot map.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWebhookConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.eng.Start(a.sup.Context())
	if a.dispatchEnabled {
		a.disp.Start(a.sup.Context())
	} else {
		a.log.Info("dispatcher disabled via config")
	}

	// Debug visibility into lifecycle events; components subscribe themselves
	// for anything load-bearing.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the newest config.
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

		sections, attrs := config.SummarizeChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}

		for _, s := range sections {
			if s == "storage" || s == "notifier" || s == "templates" {
				a.log.Warn("config section requires restart to take effect",
					logx.String("section", s))
			}
		}

		a.logs.Apply(logx.Config{
			Level:   newCfg.Logging.Level,
			Console: newCfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: newCfg.Logging.File.Enabled,
				Path:    newCfg.Logging.File.Path,
			},
		})

		if engCfg, err := mapEngineConfig(newCfg); err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else {
			a.eng.Apply(ctx, engCfg)
		}

		if dispCfg, err := mapDispatchConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dispCfg)
			prev := a.dispatchEnabled
			a.dispatchEnabled = newCfg.Dispatcher.Enabled
			if prev && !a.dispatchEnabled {
				a.log.Info("dispatcher disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.disp.Stop(stopCtx)
				cancel()
			} else if !prev && a.dispatchEnabled {
				a.log.Info("dispatcher enabled via config")
				a.disp.Start(ctx)
			}
		}

		fields := append([]logx.Field{
			logx.String("changed", strings.Join(sections, ",")),
		}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
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
			a.log.Debug("stop step end",
				logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Dispatcher first so no new occurrences are claimed, then the engine
	// drains, then storage closes.
	step("dispatch", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.eng.Stop(c); return nil })
	step("store", 1*time.Second, func(context.Context) error { return a.st.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { a.sup.Stop(c); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
