// Package engine executes headless tasks on a bounded worker pool.
//
// Dispatch never blocks: a task is either queued or refused. Each run is
// bounded by its timeout, retried with jittered backoff, and guarded by a
// per-task circuit breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fgsvc/internal/eventbus"
	rtsup "fgsvc/internal/runtime/supervisor"
	logx "fgsvc/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type registration struct {
	fn  Handler
	opt TaskOptions
}

type job struct {
	runID      string
	name       string
	payload    map[string]any
	reg        registration
	enqueuedAt time.Time
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	rec Recorder

	regMu    sync.RWMutex
	handlers map[string]registration

	q        chan job
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32
	circuits breaker

	hmu     sync.Mutex
	history []HistoryItem

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, rec Recorder) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "taskengine")),
		bus:      bus,
		rec:      rec,
		handlers: make(map[string]registration),
	}
}

// Register binds name to h, replacing any previous handler.
func (s *Service) Register(name string, h Handler, opt TaskOptions) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name is required")
	}
	if h == nil {
		return fmt.Errorf("task %s: handler is nil", name)
	}
	s.regMu.Lock()
	s.handlers[name] = registration{fn: h, opt: opt}
	s.regMu.Unlock()
	return nil
}

func (s *Service) Unregister(name string) {
	s.regMu.Lock()
	delete(s.handlers, name)
	s.regMu.Unlock()
}

// Tasks lists registered task names, sorted.
func (s *Service) Tasks() []string {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return slices.Sorted(maps.Keys(s.handlers))
}

// Supervisor returns the engine's worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Apply swaps the config, restarting workers when pool sizes changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan job, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh, queue := s.stopCh, s.q
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels the workers and waits for them until ctx expires. Running
// tasks see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Dispatch queues a run of the named task without blocking. The run is not
// tied to ctx; it is bounded by the task timeout only.
func (s *Service) Dispatch(_ context.Context, name string, payload map[string]any) error {
	name = strings.TrimSpace(name)
	s.regMu.RLock()
	reg, ok := s.handlers[name]
	s.regMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	s.mu.Lock()
	cfg := s.cfg
	q, stopCh, stopping := s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	now := time.Now()
	j := job{runID: uuid.NewString(), name: name, payload: payload, reg: reg, enqueuedAt: now}
	j.reg.opt = reg.opt.withDefaults(cfg)

	if p, on := policyFor(cfg, j.reg.opt); on {
		if until := s.circuits.openUntil(now, name, p); !until.IsZero() {
			s.log.Debug("task skipped: circuit open", logx.String("task", name), logx.Time("until", until))
			s.drop(now, j, 0, Reason(ErrCircuitOpen))
			return ErrCircuitOpen
		}
	}

	select {
	case q <- j:
		return nil
	default:
		s.droppedQueueFull.Add(1)
		if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
			s.log.Warn("task dropped: queue full",
				logx.String("task", name),
				logx.Int("queue_cap", cap(q)),
				logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()))
		}
		s.drop(now, j, 0, Reason(ErrQueueFull))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running := s.cfg, s.q, s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := slices.Clone(s.history)
	s.hmu.Unlock()

	total, open := s.circuits.snapshot(time.Now())
	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
		CircuitTotal:     total,
		CircuitOpen:      open,
		Tasks:            s.Tasks(),
		History:          h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) drop(now time.Time, j job, queueDelay time.Duration, reason string) {
	s.dropped.Add(1)
	s.remember(HistoryItem{RunID: j.runID, Name: j.name, Started: now, QueueDelay: queueDelay, Error: reason})
	if s.rec != nil {
		s.rec.TaskDropped(j.name, reason)
	}
	eventbus.Emit(s.bus, s.log, eventbus.Event{
		Type: eventbus.TypeTaskDropped,
		Time: now,
		Data: eventbus.TaskEvent{RunID: j.runID, Task: j.name, Started: now, QueueDelay: queueDelay, Error: reason},
	})
}

func (s *Service) remember(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = slices.Delete(s.history, 0, len(s.history)-limit)
	}
	s.hmu.Unlock()
}
