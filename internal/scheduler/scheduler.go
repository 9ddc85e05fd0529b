// Package scheduler dispatches task descriptors once or on a fixed period
// while the service runs.
//
// Every decision runs on the control loop, so the running-count check and
// the dispatch cannot interleave with a concurrent stop.
package scheduler

import (
	"context"
	"sync"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/notification"
	"fgsvc/internal/runtime/loop"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
)

// Lifecycle is the part of the lifecycle controller the scheduler reads.
type Lifecycle interface {
	IsRunning() int
	LastConfig() *notification.Config
	Start(ctx context.Context, cfg notification.Config) error
	OnTeardown(fn func(ctx context.Context))
}

// Runner executes headless tasks. Dispatch hands the task over and returns;
// execution and its timeout belong to the runner.
type Runner interface {
	Dispatch(ctx context.Context, name string, payload map[string]any) error
}

type Options struct {
	Loop      *loop.Loop
	Lifecycle Lifecycle
	Runner    Runner
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Scheduler struct {
	loop   *loop.Loop
	lc     Lifecycle
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger

	// loop-owned
	active     *loop.Timer
	activeName string

	mu       sync.Mutex
	oneShots map[*loop.Timer]struct{}
}

// New builds a scheduler and hooks CancelLoop into service teardown.
func New(opts Options) (*Scheduler, error) {
	if opts.Loop == nil || opts.Lifecycle == nil || opts.Runner == nil {
		return nil, svcerr.New(svcerr.ServiceError, "scheduler: loop, lifecycle and runner are required")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		loop:     opts.Loop,
		lc:       opts.Lifecycle,
		runner:   opts.Runner,
		bus:      opts.Bus,
		log:      log.With(logx.String("comp", "scheduler")),
		oneShots: map[*loop.Timer]struct{}{},
	}
	opts.Lifecycle.OnTeardown(s.cancelLoop)
	return s, nil
}

// Run dispatches d, resuming the service from its last configuration when
// it is not running.
func (s *Scheduler) Run(ctx context.Context, d Descriptor) error {
	d, err := d.Normalize()
	if err != nil {
		return err
	}
	return s.loop.Do(ctx, func(ctx context.Context) error {
		if err := s.ensureRunning(ctx); err != nil {
			return err
		}
		if d.Loop {
			return s.startLoop(ctx, d)
		}
		if d.Delay <= 0 {
			return s.dispatch(ctx, d)
		}
		s.schedule(d)
		return nil
	})
}

// CancelLoop stops the active loop task, if any.
func (s *Scheduler) CancelLoop(ctx context.Context) error {
	return s.loop.Do(ctx, func(ctx context.Context) error {
		s.cancelLoop(ctx)
		return nil
	})
}

// ActiveLoop returns the name of the running loop task, or "".
func (s *Scheduler) ActiveLoop(ctx context.Context) string {
	var name string
	_ = s.loop.Do(ctx, func(context.Context) error {
		name = s.activeName
		return nil
	})
	return name
}

// Close cancels the loop and every pending one-shot. Used on shutdown only;
// a service stop never cancels pending one-shots.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for tm := range s.oneShots {
		tm.Stop()
	}
	clear(s.oneShots)
	s.mu.Unlock()
	_ = s.loop.Do(context.Background(), func(ctx context.Context) error {
		s.cancelLoop(ctx)
		return nil
	})
}

func (s *Scheduler) ensureRunning(ctx context.Context) error {
	if s.lc.IsRunning() > 0 {
		return nil
	}
	last := s.lc.LastConfig()
	if last == nil {
		return svcerr.New(svcerr.NoActiveService, "service is not running and there is no configuration to resume")
	}
	s.log.Info("resuming service for task", logx.Int("id", last.ID))
	if err := s.lc.Start(ctx, *last); err != nil {
		return svcerr.Wrap(svcerr.ResumeFailed, err, "resume service")
	}
	return nil
}

func (s *Scheduler) startLoop(ctx context.Context, d Descriptor) error {
	s.cancelLoop(ctx)
	if err := s.dispatch(ctx, d); err != nil {
		return err
	}
	var tm *loop.Timer
	tm = s.loop.Every(d.LoopDelay, func(ctx context.Context) bool {
		if s.lc.IsRunning() == 0 {
			s.log.Debug("loop task ended with service", logx.String("task", d.Name))
			if s.active == tm {
				s.active, s.activeName = nil, ""
			}
			return false
		}
		if err := s.dispatch(ctx, d); err != nil {
			s.emitError(d, err)
		}
		return true
	})
	s.active, s.activeName = tm, d.Name
	s.log.Info("loop task armed", logx.String("task", d.Name), logx.Duration("every", d.LoopDelay))
	return nil
}

func (s *Scheduler) schedule(d Descriptor) {
	var tm *loop.Timer
	s.mu.Lock()
	tm = s.loop.AfterFunc(d.Delay, func(ctx context.Context) {
		s.mu.Lock()
		delete(s.oneShots, tm)
		s.mu.Unlock()
		if err := s.dispatch(ctx, d); err != nil {
			s.emitError(d, err)
		}
	})
	s.oneShots[tm] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) cancelLoop(context.Context) {
	if s.active == nil {
		return
	}
	s.active.Stop()
	s.log.Info("loop task cancelled", logx.String("task", s.activeName))
	s.active, s.activeName = nil, ""
}

func (s *Scheduler) dispatch(ctx context.Context, d Descriptor) error {
	if err := s.runner.Dispatch(ctx, d.Name, d.Payload); err != nil {
		return svcerr.Ensure(svcerr.TaskError, err, "dispatch "+d.Name)
	}
	return nil
}

func (s *Scheduler) emitError(d Descriptor, err error) {
	s.log.Warn("task dispatch failed", logx.String("task", d.Name), logx.Err(err))
	eventbus.Emit(s.bus, s.log, eventbus.Event{
		Type: eventbus.TypeTaskError,
		Data: eventbus.TaskEvent{Task: d.Name, Code: string(svcerr.CodeOf(err)), Error: svcerr.Message(err)},
	})
}
