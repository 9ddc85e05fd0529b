// Package lifecycle owns the running state of the foreground service.
//
// The Controller is the only component that starts or stops the host. Its
// state is mutated exclusively on the control loop; counters are mirrored
// into atomics so queries never wait behind a slow host operation.
package lifecycle

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/host"
	"fgsvc/internal/notification"
	"fgsvc/internal/runtime/loop"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
)

// Store persists the last applied configuration across process restarts.
// LastConfig returns nil, nil when nothing is stored.
type Store interface {
	LastConfig(ctx context.Context) (*notification.Config, error)
	PutLastConfig(ctx context.Context, cfg notification.Config) error
	ClearLastConfig(ctx context.Context) error
}

// Instance is the handle of a live run. It exists exactly while the running
// count is positive.
type Instance struct {
	Seq            uint64
	Host           string
	ServiceType    notification.ServiceType
	NotificationID int
	StartedAt      time.Time
}

type Options struct {
	Loop     *loop.Loop
	Host     host.Host
	Renderer notification.Renderer
	Store    Store
	Bus      eventbus.Bus
	Log      logx.Logger

	// DeclaredTypes lists the service types this host may run. An empty list
	// only allows configs without a type.
	DeclaredTypes  []notification.ServiceType
	StopStrategies []StopStrategy
}

type Controller struct {
	loop       *loop.Loop
	host       host.Host
	renderer   notification.Renderer
	channels   *notification.Channels
	store      Store
	bus        eventbus.Bus
	log        logx.Logger
	declared   map[notification.ServiceType]struct{}
	strategies []StopStrategy

	hookMu sync.Mutex
	hooks  []func(ctx context.Context)

	// loop-owned
	count   int
	shownID int
	seq     uint64

	countA atomic.Int64
	lastA  atomic.Pointer[notification.Config]
	instA  atomic.Pointer[Instance]
}

func New(opts Options) (*Controller, error) {
	if opts.Loop == nil || opts.Host == nil || opts.Renderer == nil {
		return nil, svcerr.New(svcerr.ServiceError, "lifecycle: loop, host and renderer are required")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "lifecycle"))
	declared := make(map[notification.ServiceType]struct{}, len(opts.DeclaredTypes))
	for _, t := range opts.DeclaredTypes {
		declared[t] = struct{}{}
	}
	return &Controller{
		loop:       opts.Loop,
		host:       opts.Host,
		renderer:   opts.Renderer,
		channels:   notification.NewChannels(opts.Renderer, log),
		store:      opts.Store,
		bus:        opts.Bus,
		log:        log,
		declared:   declared,
		strategies: append([]StopStrategy(nil), opts.StopStrategies...),
	}, nil
}

// OnTeardown registers fn to run on the loop whenever the service reaches
// the stopped state through Stop or StopAll.
func (c *Controller) OnTeardown(fn func(ctx context.Context)) {
	c.hookMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hookMu.Unlock()
}

// Restore loads the remembered configuration from the store without
// starting anything.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.loop.Do(ctx, func(ctx context.Context) error {
		cfg, err := c.store.LastConfig(ctx)
		if err != nil {
			return svcerr.Wrap(svcerr.ServiceError, err, "load last config")
		}
		if cfg == nil || c.count > 0 {
			return nil
		}
		if err := cfg.Validate(); err != nil {
			c.log.Warn("discarding invalid stored config", logx.Err(err))
			return nil
		}
		c.setLast(cfg)
		c.log.Info("restored last config", logx.Int("id", cfg.ID))
		return nil
	})
}

// IsRunning returns the running count; 0 means stopped.
func (c *Controller) IsRunning() int { return int(c.countA.Load()) }

// Instance returns the live handle, or nil when stopped.
func (c *Controller) Instance() *Instance {
	if inst := c.instA.Load(); inst != nil {
		cp := *inst
		return &cp
	}
	return nil
}

// LastConfig returns a copy of the last applied configuration, or nil.
func (c *Controller) LastConfig() *notification.Config {
	if cfg := c.lastA.Load(); cfg != nil {
		cp := cfg.WithDefaults()
		return &cp
	}
	return nil
}

// Start renders cfg and increments the running count, bringing the host up
// on the first call.
func (c *Controller) Start(ctx context.Context, cfg notification.Config) error {
	cfg, err := c.prepare(cfg)
	if err != nil {
		return err
	}
	return c.loop.Do(ctx, func(ctx context.Context) error { return c.start(ctx, cfg) })
}

// Update re-renders cfg in place. While stopped it behaves like Start.
func (c *Controller) Update(ctx context.Context, cfg notification.Config) error {
	cfg, err := c.prepare(cfg)
	if err != nil {
		return err
	}
	return c.loop.Do(ctx, func(ctx context.Context) error {
		if c.count == 0 {
			return c.start(ctx, cfg)
		}
		if err := c.render(ctx, cfg); err != nil {
			return err
		}
		c.remember(ctx, cfg)
		return nil
	})
}

// Stop decrements the running count and tears down at zero. Stopping while
// already stopped makes sure the host is down too.
func (c *Controller) Stop(ctx context.Context) error {
	return c.loop.Do(ctx, func(ctx context.Context) error {
		switch {
		case c.count > 1:
			c.setCount(c.count - 1)
			return nil
		case c.count == 1:
			return c.teardown(ctx)
		default:
			if err := runStopStrategies(ctx, c.host, c.strategies, c.log); err != nil {
				c.log.Warn("defensive host stop failed", logx.Err(err))
			}
			return nil
		}
	})
}

// StopAll forces the running count to zero regardless of nesting.
func (c *Controller) StopAll(ctx context.Context) error {
	return c.loop.Do(ctx, c.teardown)
}

// CancelNotification removes a displayed notification without touching the
// running count.
func (c *Controller) CancelNotification(ctx context.Context, id int) error {
	if id <= 0 {
		return svcerr.New(svcerr.InvalidConfig, "id must be positive")
	}
	return c.loop.Do(ctx, func(ctx context.Context) error {
		if err := c.renderer.Cancel(ctx, id); err != nil {
			return svcerr.Ensure(svcerr.ServiceError, err, "cancel notification")
		}
		if c.shownID == id {
			c.shownID = 0
		}
		return nil
	})
}

func (c *Controller) prepare(cfg notification.Config) (notification.Config, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.ServiceType != "" {
		if _, ok := c.declared[cfg.ServiceType]; !ok {
			return cfg, svcerr.Permission(cfg.ServiceType.Permission(), nil)
		}
	}
	return cfg, nil
}

func (c *Controller) start(ctx context.Context, cfg notification.Config) error {
	if c.count > 0 {
		if err := c.render(ctx, cfg); err != nil {
			return err
		}
		c.setCount(c.count + 1)
		c.remember(ctx, cfg)
		return nil
	}

	if err := c.host.Start(ctx, cfg.ServiceType); err != nil {
		return svcerr.Ensure(svcerr.ServiceError, err, "start host")
	}
	if err := c.render(ctx, cfg); err != nil {
		if serr := runStopStrategies(ctx, c.host, c.strategies, c.log); serr != nil {
			c.log.Error("host rollback failed", logx.Err(serr))
		}
		return err
	}

	c.seq++
	c.instA.Store(&Instance{
		Seq:            c.seq,
		Host:           c.host.Name(),
		ServiceType:    cfg.ServiceType,
		NotificationID: cfg.ID,
		StartedAt:      time.Now(),
	})
	c.setCount(1)
	c.remember(ctx, cfg)
	c.log.Info("service started", logx.Int("id", cfg.ID), logx.String("host", c.host.Name()))
	return nil
}

func (c *Controller) render(ctx context.Context, cfg notification.Config) error {
	c.channels.Ensure(ctx, cfg.Channel)
	if c.shownID != 0 && c.shownID != cfg.ID {
		if err := c.renderer.Cancel(ctx, c.shownID); err != nil {
			c.log.Warn("cancel previous notification failed", logx.Int("id", c.shownID), logx.Err(err))
		}
		c.shownID = 0
	}
	h, err := c.renderer.Render(ctx, cfg)
	if err != nil {
		return svcerr.Ensure(svcerr.RenderFailure, err, "render notification")
	}
	if h.IsZero() {
		return svcerr.New(svcerr.RenderFailure, "renderer returned no handle")
	}
	c.shownID = cfg.ID
	if inst := c.instA.Load(); inst != nil && inst.NotificationID != cfg.ID {
		cp := *inst
		cp.NotificationID = cfg.ID
		c.instA.Store(&cp)
	}
	return nil
}

// teardown moves to Stopped. State always transitions; a host that refuses
// to stop is reported and left for the recovery monitor to detect.
func (c *Controller) teardown(ctx context.Context) error {
	c.setCount(0)
	c.instA.Store(nil)
	c.setLast(nil)
	if c.store != nil {
		if err := c.store.ClearLastConfig(ctx); err != nil {
			c.log.Warn("clear stored config failed", logx.Err(err))
		}
	}

	c.hookMu.Lock()
	hooks := slices.Clone(c.hooks)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	if c.shownID != 0 {
		if err := c.renderer.Cancel(ctx, c.shownID); err != nil {
			c.log.Warn("cancel notification failed", logx.Int("id", c.shownID), logx.Err(err))
		}
		c.shownID = 0
	}

	if err := runStopStrategies(ctx, c.host, c.strategies, c.log); err != nil {
		return err
	}
	c.log.Info("service stopped")
	return nil
}

func (c *Controller) remember(ctx context.Context, cfg notification.Config) {
	c.setLast(&cfg)
	if c.store == nil {
		return
	}
	if err := c.store.PutLastConfig(ctx, cfg); err != nil {
		c.log.Warn("persist last config failed", logx.Err(err))
	}
}

func (c *Controller) setLast(cfg *notification.Config) { c.lastA.Store(cfg) }

func (c *Controller) setCount(n int) {
	prev := c.count
	c.count = max(0, n)
	c.countA.Store(int64(c.count))
	if prev != c.count {
		eventbus.Emit(c.bus, c.log, eventbus.Event{
			Type: eventbus.TypeServiceStateChanged,
			Data: eventbus.StateChanged{Running: c.count, Previous: prev},
		})
	}
}
