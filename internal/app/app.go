// Package app wires the configured components into a running daemon and
// applies config hot-reloads to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"fgsvc/internal/config"
	"fgsvc/internal/eventbus"
	"fgsvc/internal/eventsink"
	"fgsvc/internal/foreground"
	"fgsvc/internal/lifecycle"
	"fgsvc/internal/metrics"
	"fgsvc/internal/observability/httpserver"
	"fgsvc/internal/recovery"
	"fgsvc/internal/runtime/loop"
	rtsup "fgsvc/internal/runtime/supervisor"
	"fgsvc/internal/scheduler"
	"fgsvc/internal/storage"
	"fgsvc/internal/task/engine"
	"fgsvc/internal/trigger"
	kit "fgsvc/internal/transport"
	tgadapter "fgsvc/internal/transport/telegram/adapter"
	"fgsvc/internal/transport/telegram/router"
	logx "fgsvc/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	sups *rtsup.Registry

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prom  *metrics.Prom

	loop      *loop.Loop
	hostClose io.Closer
	render    renderers
	lc        *lifecycle.Controller
	engine    *engine.Service
	sched     *scheduler.Scheduler
	mon       *recovery.Monitor
	fg        *foreground.Service
	triggers  *trigger.Service
	http      *httpserver.Service
	forwarder *eventsink.Forwarder

	adapter *tgadapter.Adapter
	router  *router.Router
	updates chan kit.Update
}

// New loads cfgPath and builds every component without starting any.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		ad   *tgadapter.Adapter
		sink logx.Sink
	)
	if tg := cfg.Telegram; tg != nil {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tg.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = tgadapter.New(tgadapter.Config{Token: tg.Token, PollTimeout: poll}, bootLog)
		if err != nil {
			return nil, err
		}
		sink = chatSink(ad)
	}

	logSvc, root := logx.New(logConfig(cfg), sink)
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		sups:    rtsup.NewRegistry(),
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(ctx, cfg, root); err != nil {
		a.closeBuilt()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	var err error
	a.store, err = storage.Open(storageConfig(cfg), root)
	if err != nil {
		return err
	}
	if a.prom, err = metrics.New(); err != nil {
		return err
	}

	h, closer, err := buildHost(ctx, cfg.Host, root.With(logx.String("comp", "host")))
	if err != nil {
		return err
	}
	a.hostClose = closer

	var adapter kit.Adapter
	if a.adapter != nil {
		adapter = a.adapter
	}
	a.render = buildRenderers(cfg, adapter, a.bus, root)
	a.loop = loop.New(root)

	a.lc, err = lifecycle.New(lifecycle.Options{
		Loop:           a.loop,
		Host:           h,
		Renderer:       a.render.renderer,
		Store:          a.store,
		Bus:            a.bus,
		Log:            root,
		DeclaredTypes:  cfg.Host.DeclaredTypes,
		StopStrategies: stopStrategies(cfg.Host),
	})
	if err != nil {
		return err
	}

	a.engine = engine.New(engineConfig(cfg), root.With(logx.String("comp", "taskengine")), a.bus, a.prom)
	a.sched, err = scheduler.New(scheduler.Options{Loop: a.loop, Lifecycle: a.lc, Runner: a.engine, Bus: a.bus, Log: root})
	if err != nil {
		return err
	}
	rec := recoveryOptions(cfg.Recovery)
	rec.Loop, rec.Lifecycle, rec.Observer, rec.Bus, rec.Log = a.loop, a.lc, h, a.bus, root
	rec.OnSnapshot = a.prom.Snapshot
	a.mon, err = recovery.New(rec)
	if err != nil {
		return err
	}
	a.fg, err = foreground.New(foreground.Options{
		Lifecycle: a.lc,
		Scheduler: a.sched,
		Monitor:   a.mon,
		Bus:       a.bus,
		Metrics:   a.prom,
		Log:       root,
		Actions:   cfg.Actions,
	})
	if err != nil {
		return err
	}
	if err := a.applyTasks(nil, cfg.Tasks); err != nil {
		return err
	}

	a.triggers = trigger.New(a.fg.RunTask, root)
	defs, err := trigger.FromConfig(cfg.Triggers)
	if err != nil {
		return err
	}
	if err := a.triggers.Apply(cfg.Scheduler.Timezone, defs); err != nil {
		return err
	}

	a.http = httpserver.New(root, a.prom.Handler(), a.health)
	a.forwarder = eventsink.NewForwarder(a.bus, root, buildSinks(cfg, a.store, root.With(logx.String("comp", "eventsink")))...)

	if a.adapter != nil {
		a.router = router.New(root, a.adapter, cfg.Telegram.OwnerUserIDs)
		if a.render.telegram != nil {
			a.router.AddFallback(a.render.telegram.HandleUpdate)
		}
	}
	return nil
}

// closeBuilt releases what a failed build already opened.
func (a *App) closeBuilt() {
	if a.forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = a.forwarder.Stop(ctx)
		cancel()
	}
	if a.hostClose != nil {
		_ = a.hostClose.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Foreground exposes the operation surface, mainly for tests and embedding.
func (a *App) Foreground() *foreground.Service { return a.fg }

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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sups.Set("app", a.sup)
	rctx := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(a.validateReload)

	a.sup.Go("control.loop", a.loop.Run)

	a.engine.Start(rctx)
	a.sups.Set("task.engine", a.engine.Supervisor())

	if err := a.lc.Restore(ctx); err != nil {
		a.log.Warn("restore failed", logx.Err(err))
	}
	a.forwarder.Start(rctx)
	a.sup.Go("foreground.events", a.fg.Run)

	cfg := a.cfgm.Get()
	if auto := cfg.Notification.Autostart; auto != nil && a.lc.LastConfig() == nil {
		if err := a.fg.Start(ctx, *auto); err != nil {
			a.log.Warn("autostart failed", logx.Err(err))
		}
	}
	if cfg.Recovery.Enabled {
		if _, err := a.fg.StartMonitoring(ctx, config.MustDuration(cfg.Recovery.Interval, recovery.DefaultInterval)); err != nil {
			return err
		}
	}

	a.triggers.Start(rctx)
	a.http.Reconfigure(rctx, httpConfig(cfg))

	if a.adapter != nil {
		if err := a.adapter.Start(rctx, a.updates); err != nil {
			return err
		}
		a.sups.Set("telegram.adapter", a.adapter.Supervisor())
		a.router.SetCommands(ctx, a.commands())
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	}

	// Keep this debug-level; loop tasks can be frequent.
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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.render.sd != nil {
		if err := a.render.sd.Ready(); err != nil {
			a.log.Debug("sd_notify ready failed", logx.Err(err))
		}
	}
	a.log.Info("app started", logx.Int("running", a.fg.IsRunning(ctx)))
	return nil
}

// Stop shuts the daemon down. The foreground service itself is left as is:
// the host keeps running and the remembered config lets the next start
// resume it.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.render.sd != nil {
		_ = a.render.sd.Stopping()
	}

	// Triggers first so nothing new is dispatched while the rest unwinds.
	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "scheduler", time.Second, func(context.Context) error { a.sched.Close(); return nil })
	a.step(ctx, "monitoring", time.Second, func(c context.Context) error {
		_, err := a.mon.StopMonitoring(c)
		return err
	})

	a.sup.Cancel()

	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "events", 2*time.Second, a.forwarder.Stop)
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "host", time.Second, func(context.Context) error { return a.hostClose.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (loop, config watch/reload, command dispatcher).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context; a step that overruns is
// logged when it eventually returns.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
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
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
