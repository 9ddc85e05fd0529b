// Package foreground is the caller-facing surface of the supervisor. Every
// operation resolves exactly once with nil or a *svcerr.Error, and every
// failure is reported as a service.error event.
package foreground

import (
	"context"
	"time"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/lifecycle"
	"fgsvc/internal/metrics"
	"fgsvc/internal/notification"
	"fgsvc/internal/recovery"
	"fgsvc/internal/scheduler"
	"fgsvc/internal/svcerr"
	logx "fgsvc/pkg/logx"
)

// Operation names carried by service.error events.
const (
	OpStart              = "start"
	OpUpdate             = "update"
	OpCancelNotification = "cancelNotification"
	OpStop               = "stop"
	OpStopAll            = "stopAll"
	OpRunTask            = "runTask"
	OpStartMonitoring    = "startMonitoring"
	OpStopMonitoring     = "stopMonitoring"
	OpIsServiceRunning   = "isServiceRunning"
	OpRestartService     = "restartService"
	OpCancelLoop         = "cancelLoop"
)

type Options struct {
	Lifecycle *lifecycle.Controller
	Scheduler *scheduler.Scheduler
	Monitor   *recovery.Monitor
	Bus       eventbus.Bus
	Metrics   metrics.Recorder
	Log       logx.Logger
	// Actions maps a notification button payload to a task name.
	Actions map[string]string
}

type Service struct {
	lc      *lifecycle.Controller
	sched   *scheduler.Scheduler
	mon     *recovery.Monitor
	bus     eventbus.Bus
	metrics metrics.Recorder
	log     logx.Logger
	actions *actionTable
}

func New(opts Options) (*Service, error) {
	if opts.Lifecycle == nil || opts.Scheduler == nil || opts.Monitor == nil {
		return nil, svcerr.New(svcerr.ServiceError, "foreground: lifecycle, scheduler and monitor are required")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		lc:      opts.Lifecycle,
		sched:   opts.Scheduler,
		mon:     opts.Monitor,
		bus:     opts.Bus,
		metrics: metrics.OrNoop(opts.Metrics),
		log:     log.With(logx.String("comp", "foreground")),
		actions: newActionTable(opts.Actions),
	}
	return s, nil
}

// Start shows cfg and brings the service up.
func (s *Service) Start(ctx context.Context, cfg notification.Config) error {
	err := s.lc.Start(ctx, cfg)
	s.observeCount()
	return s.fail(OpStart, err, svcerr.ServiceError)
}

// Update re-renders cfg in place, starting the service when stopped.
func (s *Service) Update(ctx context.Context, cfg notification.Config) error {
	err := s.lc.Update(ctx, cfg)
	s.observeCount()
	return s.fail(OpUpdate, err, svcerr.ServiceError)
}

func (s *Service) CancelNotification(ctx context.Context, id int) error {
	return s.fail(OpCancelNotification, s.lc.CancelNotification(ctx, id), svcerr.ServiceError)
}

// Stop releases one start.
func (s *Service) Stop(ctx context.Context) error {
	err := s.lc.Stop(ctx)
	s.observeCount()
	return s.fail(OpStop, err, svcerr.ServiceError)
}

// StopAll tears the service down regardless of the running count.
func (s *Service) StopAll(ctx context.Context) error {
	err := s.lc.StopAll(ctx)
	s.observeCount()
	return s.fail(OpStopAll, err, svcerr.ServiceError)
}

// RunTask dispatches d, resuming the service from its last configuration
// when needed. Failures the dispatcher classified as task errors are
// reported as task.error; everything else, including a closed loop or a
// cancelled ctx, as service.error.
func (s *Service) RunTask(ctx context.Context, d scheduler.Descriptor) error {
	err := s.sched.Run(ctx, d)
	s.observeCount()
	if err == nil {
		return nil
	}
	err = svcerr.WithOp(OpRunTask, err, svcerr.ServiceError)
	if svcerr.Is(err, svcerr.TaskError) {
		s.metrics.OperationFailed(OpRunTask, svcerr.TaskError)
		s.log.Warn("task dispatch failed", logx.String("task", d.Name), logx.Err(err))
		eventbus.Emit(s.bus, s.log, eventbus.Event{
			Type: eventbus.TypeTaskError,
			Data: eventbus.TaskEvent{Task: d.Name, Code: string(svcerr.TaskError), Error: svcerr.Message(err)},
		})
		return err
	}
	return s.report(OpRunTask, err)
}

// CancelLoop stops the active loop task, if any.
func (s *Service) CancelLoop(ctx context.Context) error {
	return s.fail(OpCancelLoop, s.sched.CancelLoop(ctx), svcerr.ServiceError)
}

// ActiveLoop names the running loop task, or "".
func (s *Service) ActiveLoop(ctx context.Context) string { return s.sched.ActiveLoop(ctx) }

// IsRunning returns the running count; 0 means stopped.
func (s *Service) IsRunning(context.Context) int { return s.lc.IsRunning() }

func (s *Service) StartMonitoring(ctx context.Context, interval time.Duration) (bool, error) {
	ok, err := s.mon.StartMonitoring(ctx, interval)
	return ok, s.fail(OpStartMonitoring, err, svcerr.ServiceError)
}

func (s *Service) StopMonitoring(ctx context.Context) (bool, error) {
	ok, err := s.mon.StopMonitoring(ctx)
	return ok, s.fail(OpStopMonitoring, err, svcerr.ServiceError)
}

// Monitoring reports whether the periodic check is armed.
func (s *Service) Monitoring() bool { return s.mon.Monitoring() }

// IsServiceRunning asks the OS, not the running count.
func (s *Service) IsServiceRunning(ctx context.Context) (bool, error) {
	ok, err := s.mon.IsServiceRunning(ctx)
	return ok, s.fail(OpIsServiceRunning, err, svcerr.ServiceError)
}

// RestartService stops everything, waits the settle delay and starts cfg.
func (s *Service) RestartService(ctx context.Context, cfg notification.Config) (bool, error) {
	ok, err := s.mon.RestartService(ctx, cfg)
	s.observeCount()
	return ok, s.fail(OpRestartService, err, svcerr.ServiceError)
}

// Instance returns the live handle, or nil when stopped.
func (s *Service) Instance() *lifecycle.Instance { return s.lc.Instance() }

// LastConfig returns the remembered configuration, or nil.
func (s *Service) LastConfig() *notification.Config { return s.lc.LastConfig() }

// Snapshot returns the latest health check result, or nil.
func (s *Service) Snapshot() *eventbus.HealthSnapshot { return s.mon.Snapshot() }

// Check runs one reconciliation immediately.
func (s *Service) Check(ctx context.Context) (eventbus.HealthSnapshot, error) {
	snap, err := s.mon.Check(ctx)
	return snap, s.fail("check", err, svcerr.ServiceError)
}

// SetActions replaces the click action table.
func (s *Service) SetActions(actions map[string]string) { s.actions.set(actions) }

// Actions returns a copy of the click action table.
func (s *Service) Actions() map[string]string { return s.actions.snapshot() }

func (s *Service) observeCount() { s.metrics.RunningCount(s.lc.IsRunning()) }

func (s *Service) fail(op string, err error, fallback svcerr.Code) error {
	if err == nil {
		return nil
	}
	return s.report(op, svcerr.WithOp(op, err, fallback))
}

func (s *Service) report(op string, err error) error {
	code := svcerr.CodeOf(err)
	s.metrics.OperationFailed(op, code)
	s.log.Warn("operation failed", logx.String("op", op), logx.String("code", string(code)), logx.Err(err))
	eventbus.Emit(s.bus, s.log, eventbus.Event{
		Type: eventbus.TypeServiceError,
		Data: eventbus.ServiceError{Op: op, Code: string(code), Message: svcerr.Message(err)},
	})
	return err
}
