package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/svcerr"
	logx "fgsvc/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, j)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, j job) {
	start := time.Now()
	queueDelay := max(0, start.Sub(j.enqueuedAt))

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.droppedStale.Add(1)
		if s.shouldWarn(&s.lastStaleWarnAt, start) {
			s.log.Warn("task dropped: stale queue",
				logx.String("task", j.name),
				logx.Duration("queue_delay", queueDelay),
				logx.Uint64("dropped_stale", s.droppedStale.Load()))
		}
		s.drop(start, j, queueDelay, "stale_queue_delay")
		return
	}

	s.log.Debug("task started", logx.String("task", j.name), logx.String("run_id", j.runID), logx.Duration("queue_delay", queueDelay))

	opt := j.reg.opt
	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+opt.RetryMax; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, j, opt.Timeout)
		if err == nil {
			break
		}
		var ae *attemptError
		if errors.As(err, &ae) && ae.final {
			err = ae.err
			break
		}
		if attempt > opt.RetryMax {
			break
		}

		delay := backoffDelayWithHint(opt, attempt, err)
		s.log.Debug("task retry scheduled", logx.String("task", j.name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			t.Stop()
			err = ErrStopping
			break attemptLoop
		case <-t.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{RunID: j.runID, Name: j.name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := eventbus.TaskEvent{RunID: j.runID, Task: j.name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		ev.Code = string(svcerr.TaskError)
		s.log.Warn("task failed", logx.String("task", j.name), logx.String("run_id", j.runID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		eventbus.Emit(s.bus, s.log, eventbus.Event{Type: eventbus.TypeTaskError, Data: ev})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task completed", logx.String("task", j.name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task completed", logx.String("task", j.name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		eventbus.Emit(s.bus, s.log, eventbus.Event{Type: eventbus.TypeTaskExecuted, Data: ev})
	}

	if p, on := policyFor(cfg, opt); on {
		s.circuits.record(time.Now(), j.name, p, err)
	}
	if s.rec != nil {
		s.rec.TaskFinished(j.name, dur, err)
	}
	s.remember(item)
}

// runOnce runs the handler under timeout. A panic becomes an error so one
// bad task cannot kill a worker.
func (s *Service) runOnce(ctx context.Context, j job, timeout time.Duration) (err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	err = j.reg.fn(runCtx, j.payload)
	if err == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("task %s exceeded timeout %s", j.name, timeout)
	}
	return err
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), opt.RetryMaxDelay), opt)
	}
	return backoffDelay(opt, retry)
}

func backoffDelay(opt TaskOptions, retry int) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt)
}

func jitter(d time.Duration, opt TaskOptions) time.Duration {
	if d <= 0 || opt.RetryJitter <= 0 {
		return max(0, d)
	}
	r := (rand.Float64()*2 - 1) * opt.RetryJitter
	d = time.Duration(float64(d) * (1 + r))
	return min(max(0, d), opt.RetryMaxDelay)
}
