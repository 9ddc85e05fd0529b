// Package recovery reconciles the declared service state with what the OS
// reports and restarts the service on request.
//
// Ticks only report drift. Restarting is an explicit operation so that a
// single missed observation cannot trigger a restart storm.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/lifecycle"
	"fgsvc/internal/notification"
	"fgsvc/internal/runtime/loop"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
)

const (
	DefaultInterval    = 30 * time.Second
	MinInterval        = 5 * time.Second
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultThrottle    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultMaxSettle   = time.Minute
	observeTimeout     = 5 * time.Second
)

// Inconsistency values carried by HealthSnapshot.
const (
	None                = "none"
	DeclaredNotObserved = "declared-but-not-observed"
	ObservedNotDeclared = "observed-but-not-declared"
)

// Lifecycle is the part of the lifecycle controller the monitor drives.
type Lifecycle interface {
	IsRunning() int
	Instance() *lifecycle.Instance
	StopAll(ctx context.Context) error
	Start(ctx context.Context, cfg notification.Config) error
}

// Observer answers whether the OS currently runs the service.
type Observer interface {
	Running(ctx context.Context) (bool, error)
}

type Options struct {
	Loop      *loop.Loop
	Lifecycle Lifecycle
	Observer  Observer
	Bus       eventbus.Bus
	Log       logx.Logger

	// MinInterval overrides the interval floor. Zero keeps MinInterval.
	MinInterval time.Duration
	SettleDelay time.Duration
	// MaxSettle caps the settle delay as it doubles with each attempt
	// since the last successful restart.
	MaxSettle time.Duration
	// Throttle is the minimum time between two restart attempts. Negative
	// disables it.
	Throttle time.Duration
	// MaxAttempts bounds consecutive unsuccessful restarts. Negative means
	// unbounded.
	MaxAttempts int
	// OnSnapshot is called on the loop after every check.
	OnSnapshot func(eventbus.HealthSnapshot)
	Now        func() time.Time
}

type Monitor struct {
	loop        *loop.Loop
	lc          Lifecycle
	obs         Observer
	bus         eventbus.Bus
	log         logx.Logger
	minInterval time.Duration
	settle      time.Duration
	maxSettle   time.Duration
	throttle    time.Duration
	maxAttempts int
	onSnapshot  func(eventbus.HealthSnapshot)
	now         func() time.Time

	// loop-owned
	timer    *loop.Timer
	interval time.Duration

	monitoring atomic.Bool
	last       atomic.Pointer[eventbus.HealthSnapshot]

	mu          sync.Mutex
	attempts    int
	lastAttempt time.Time
}

func New(opts Options) (*Monitor, error) {
	if opts.Loop == nil || opts.Lifecycle == nil || opts.Observer == nil {
		return nil, svcerr.New(svcerr.ServiceError, "recovery: loop, lifecycle and observer are required")
	}
	m := &Monitor{
		loop:        opts.Loop,
		lc:          opts.Lifecycle,
		obs:         opts.Observer,
		bus:         opts.Bus,
		log:         opts.Log,
		minInterval: opts.MinInterval,
		settle:      opts.SettleDelay,
		maxSettle:   opts.MaxSettle,
		throttle:    opts.Throttle,
		maxAttempts: opts.MaxAttempts,
		onSnapshot:  opts.OnSnapshot,
		now:         opts.Now,
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.String("comp", "recovery"))
	if m.minInterval <= 0 {
		m.minInterval = MinInterval
	}
	if m.settle <= 0 {
		m.settle = DefaultSettleDelay
	}
	if m.maxSettle <= 0 {
		m.maxSettle = DefaultMaxSettle
	}
	m.maxSettle = max(m.maxSettle, m.settle)
	if m.throttle == 0 {
		m.throttle = DefaultThrottle
	}
	if m.maxAttempts == 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// StartMonitoring schedules the periodic check. Calling it while monitoring
// succeeds without changing the interval.
func (m *Monitor) StartMonitoring(ctx context.Context, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	interval = max(interval, m.minInterval)
	err := m.loop.Do(ctx, func(ctx context.Context) error {
		if m.timer != nil {
			return nil
		}
		m.interval = interval
		m.timer = m.loop.Every(interval, func(ctx context.Context) bool {
			m.check(ctx)
			return true
		})
		m.monitoring.Store(true)
		m.log.Info("health monitoring started", logx.Duration("interval", interval))
		return nil
	})
	if err != nil {
		return false, svcerr.Ensure(svcerr.ServiceError, err, "start monitoring")
	}
	return true, nil
}

// StopMonitoring cancels the periodic check. It is idempotent.
func (m *Monitor) StopMonitoring(ctx context.Context) (bool, error) {
	err := m.loop.Do(ctx, func(context.Context) error {
		if m.timer == nil {
			return nil
		}
		m.timer.Stop()
		m.timer = nil
		m.monitoring.Store(false)
		m.log.Info("health monitoring stopped")
		return nil
	})
	if err != nil {
		return false, svcerr.Ensure(svcerr.ServiceError, err, "stop monitoring")
	}
	return true, nil
}

// Reschedule changes the interval of a running monitor.
func (m *Monitor) Reschedule(ctx context.Context, interval time.Duration) error {
	if !m.monitoring.Load() {
		return nil
	}
	if _, err := m.StopMonitoring(ctx); err != nil {
		return err
	}
	_, err := m.StartMonitoring(ctx, interval)
	return err
}

func (m *Monitor) Monitoring() bool { return m.monitoring.Load() }

// Snapshot returns the result of the latest check, or nil before the first.
func (m *Monitor) Snapshot() *eventbus.HealthSnapshot {
	if s := m.last.Load(); s != nil {
		cp := *s
		return &cp
	}
	return nil
}

// Check runs one reconciliation now, on the loop.
func (m *Monitor) Check(ctx context.Context) (eventbus.HealthSnapshot, error) {
	var snap eventbus.HealthSnapshot
	err := m.loop.Do(ctx, func(ctx context.Context) error {
		var err error
		snap, err = m.check(ctx)
		return err
	})
	return snap, err
}

// IsServiceRunning queries the OS only; it never reads the running count.
func (m *Monitor) IsServiceRunning(ctx context.Context) (bool, error) {
	running, err := m.obs.Running(ctx)
	if err != nil {
		return false, svcerr.Ensure(svcerr.ServiceError, err, "query service state")
	}
	return running, nil
}

// RestartService stops everything, waits the settle delay and starts cfg.
// The wait is a timer on the loop, so it only approximates the OS having
// finished its teardown. It must not be called from the loop.
//
// Attempts closer together than the throttle window are refused, as are
// attempts once MaxAttempts consecutive restarts have failed. The settle
// delay doubles with every attempt since the last success.
func (m *Monitor) RestartService(ctx context.Context, cfg notification.Config) (bool, error) {
	if m.loop.OnLoop(ctx) {
		return false, svcerr.New(svcerr.ServiceError, "restart cannot wait on the control loop")
	}
	attempt, settle, err := m.reserve()
	if err != nil {
		return false, err
	}
	if err := m.lc.StopAll(ctx); err != nil {
		m.log.Warn("stop before restart failed", logx.Err(err))
	}

	done := make(chan error, 1)
	tm := m.loop.AfterFunc(settle, func(ctx context.Context) {
		done <- m.lc.Start(ctx, cfg)
	})

	select {
	case err = <-done:
	case <-m.loop.Done():
		if tm.Stop() {
			err = loop.ErrClosed
			break
		}
		err = <-done
	case <-ctx.Done():
		if tm.Stop() {
			err = ctx.Err()
			break
		}
		// the start already began on the loop; its outcome decides
		err = <-done
	}

	if err != nil {
		m.emit(eventbus.ServiceRecovery{Kind: eventbus.RecoveryFailed, Reason: err.Error(), Attempt: attempt})
		m.log.Error("service restart failed", logx.Int("attempt", attempt), logx.Err(err))
		return false, svcerr.Ensure(svcerr.ServiceError, err, "restart service")
	}
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.emit(eventbus.ServiceRecovery{Kind: eventbus.RecoveryRestarted, Attempt: attempt})
	m.log.Info("service restarted", logx.Int("id", cfg.ID), logx.Int("attempt", attempt))
	return true, nil
}

// reserve books one restart attempt and returns its number and settle delay.
func (m *Monitor) reserve() (int, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.throttle > 0 && !m.lastAttempt.IsZero() {
		if next := m.lastAttempt.Add(m.throttle); now.Before(next) {
			reason := "next attempt at " + next.Format(time.RFC3339)
			m.emit(eventbus.ServiceRecovery{Kind: eventbus.RecoveryThrottled, Reason: reason, Attempt: m.attempts})
			m.log.Warn("service restart throttled", logx.Time("next", next))
			return 0, 0, svcerr.New(svcerr.ServiceError, "restart throttled: "+reason)
		}
	}
	if m.maxAttempts > 0 && m.attempts >= m.maxAttempts {
		m.emit(eventbus.ServiceRecovery{Kind: eventbus.RecoveryMaxAttempts, Attempt: m.attempts})
		m.log.Error("service restart refused", logx.Int("attempts", m.attempts))
		return 0, 0, svcerr.Newf(svcerr.ServiceError, "restart refused after %d failed attempts", m.attempts)
	}
	m.attempts++
	m.lastAttempt = now
	return m.attempts, backoff(m.settle, m.maxSettle, m.attempts), nil
}

// ResetAttempts clears the failed attempt count and the throttle window.
func (m *Monitor) ResetAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.lastAttempt = time.Time{}
	m.mu.Unlock()
}

func backoff(base, ceiling time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

func (m *Monitor) check(ctx context.Context) (eventbus.HealthSnapshot, error) {
	octx, cancel := context.WithTimeout(ctx, observeTimeout)
	observed, err := m.obs.Running(octx)
	cancel()
	if err != nil {
		m.log.Warn("health check observation failed", logx.Err(err))
		return eventbus.HealthSnapshot{}, svcerr.Ensure(svcerr.ServiceError, err, "observe service")
	}

	count := m.lc.IsRunning()
	snap := eventbus.HealthSnapshot{
		DeclaredRunning: count > 0,
		ObservedRunning: observed,
		Inconsistency:   Classify(count > 0, observed),
		RunningCount:    count,
		InstanceAlive:   m.lc.Instance() != nil,
		CheckedAt:       m.now(),
	}
	m.last.Store(&snap)
	if m.onSnapshot != nil {
		m.onSnapshot(snap)
	}
	if snap.Inconsistency != None {
		m.log.Warn("service state inconsistency",
			logx.String("inconsistency", snap.Inconsistency),
			logx.Int("running", count),
			logx.Bool("observed", observed))
		s := snap
		m.emit(eventbus.ServiceRecovery{Kind: eventbus.RecoveryInconsistency, Snapshot: &s})
	}
	return snap, nil
}

// Classify derives the inconsistency of a declared/observed pair.
func Classify(declared, observed bool) string {
	switch {
	case declared && !observed:
		return DeclaredNotObserved
	case !declared && observed:
		return ObservedNotDeclared
	default:
		return None
	}
}

func (m *Monitor) emit(ev eventbus.ServiceRecovery) {
	eventbus.Emit(m.bus, m.log, eventbus.Event{Type: eventbus.TypeServiceRecovery, Data: ev})
}
