package engine

import (
	"sync"
	"time"
)

// breaker is a per-task consecutive-failure circuit breaker. Once failures
// reach the trip threshold the task is refused for a cooldown that doubles
// with every further failure; a success closes it.
type breaker struct {
	mu    sync.Mutex
	tasks map[string]*breakerState
}

type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breakerPolicy struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

// policyFor returns false when the breaker is disabled for the task.
func policyFor(cfg Config, opt TaskOptions) (breakerPolicy, bool) {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return breakerPolicy{}, false
	}
	p := breakerPolicy{
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
	if opt.CircuitTripFailures > 0 {
		p.trip = opt.CircuitTripFailures
	}
	return p, p.trip > 0
}

func (b *breaker) state(name string) *breakerState {
	if b.tasks == nil {
		b.tasks = make(map[string]*breakerState)
	}
	st := b.tasks[name]
	if st == nil {
		st = &breakerState{}
		b.tasks[name] = st
	}
	return st
}

// expire forgets failures older than resetAfter. Caller holds b.mu.
func (st *breakerState) expire(now time.Time, p breakerPolicy) {
	if !st.lastFailure.IsZero() && p.resetAfter > 0 && now.Sub(st.lastFailure) > p.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// openUntil reports when the circuit of name closes again, zero if closed.
func (b *breaker) openUntil(now time.Time, name string, p breakerPolicy) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(name)
	st.expire(now, p)
	if now.Before(st.openUntil) {
		return st.openUntil
	}
	return time.Time{}
}

func (b *breaker) record(now time.Time, name string, p breakerPolicy, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(name)
	st.expire(now, p)
	if err == nil {
		*st = breakerState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < p.trip {
		return
	}
	d := p.baseDelay
	for i := 0; i < st.fails-p.trip && d < p.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, p.maxDelay))
}

func (b *breaker) snapshot(now time.Time) (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.tasks {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
