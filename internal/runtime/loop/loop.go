// Package loop provides the single control context that owns supervisor state.
//
// Every mutation runs as a closure on one goroutine. Timers never run their
// callback directly: on expiry they post it onto the loop, so timer callbacks
// and caller requests are applied one at a time in arrival order.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "fgsvc/pkg/logx"
)

// ErrClosed is returned for requests that arrive after the loop has exited.
var ErrClosed = errors.New("control loop closed")

type ctxKey struct{}

type request struct {
	fn  func(ctx context.Context) error
	res chan error
}

// Loop serializes closures onto one goroutine started by Run.
type Loop struct {
	log  logx.Logger
	reqs chan request
	done chan struct{}
	ran  atomic.Bool
}

func New(log logx.Logger) *Loop {
	return &Loop{
		log:  log,
		reqs: make(chan request, 64),
		done: make(chan struct{}),
	}
}

// Run processes requests until ctx is canceled. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.ran.CompareAndSwap(false, true) {
		return errors.New("control loop already running")
	}
	defer close(l.done)

	lctx := context.WithValue(ctx, ctxKey{}, l)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-l.reqs:
			err := l.exec(lctx, r.fn)
			if r.res != nil {
				r.res <- err
			}
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// OnLoop reports whether ctx was handed out by this loop, i.e. the caller is
// already executing on the control goroutine.
func (l *Loop) OnLoop(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(ctxKey{}).(*Loop)
	return owner == l
}

// Do runs fn on the loop and waits for its result. Called from a closure
// already running on the loop (detected through ctx), fn runs inline.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if l.OnLoop(ctx) {
		return l.exec(ctx, fn)
	}
	r := request{fn: fn, res: make(chan error, 1)}
	select {
	case l.reqs <- r:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.res:
		return err
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		// fn may still run; its result is dropped.
		return ctx.Err()
	}
}

// Post queues fn without waiting. It reports false if the loop has exited.
func (l *Loop) Post(fn func(ctx context.Context)) bool {
	r := request{fn: func(ctx context.Context) error {
		fn(ctx)
		return nil
	}}
	// Checked first: once Run has exited, reqs may still have room and a
	// send would be accepted but never executed.
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.reqs <- r:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loop) exec(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("control loop callback panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Timer states.
const (
	timerArmed int32 = iota
	timerFired
	timerStopped
)

// Timer is a cancellable deferred callback posted onto the loop.
type Timer struct {
	loop   *Loop
	repeat bool
	state  atomic.Int32
	t      atomic.Pointer[time.Timer]
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func(ctx context.Context)) *Timer {
	tm := &Timer{loop: l}
	tm.arm(d, fn)
	return tm
}

// Every runs fn on the loop every d. The timer is re-armed only after fn
// returns true, so fn decides at each boundary whether the cycle continues.
func (l *Loop) Every(d time.Duration, fn func(ctx context.Context) bool) *Timer {
	tm := &Timer{loop: l, repeat: true}
	var tick func(ctx context.Context)
	tick = func(ctx context.Context) {
		if fn(ctx) && tm.state.CompareAndSwap(timerFired, timerArmed) {
			tm.arm(d, tick)
		}
	}
	tm.arm(d, tick)
	return tm
}

func (tm *Timer) arm(d time.Duration, fn func(ctx context.Context)) {
	if d < 0 {
		d = 0
	}
	tm.t.Store(time.AfterFunc(d, func() {
		tm.loop.Post(func(ctx context.Context) {
			// The callback is committed before it runs; Stop after this
			// point reports false for a one-shot timer.
			if !tm.state.CompareAndSwap(timerArmed, timerFired) {
				return
			}
			fn(ctx)
		})
	}))
}

// Stop cancels the timer. When called on the loop it guarantees the callback
// will not run afterwards, even if the timer already fired and its callback
// is queued. It reports whether this call prevented the callback: false once
// a one-shot callback has started or Stop was already called. A repeating
// timer stopped between ticks reports true.
func (tm *Timer) Stop() bool {
	if tm == nil {
		return false
	}
	for {
		st := tm.state.Load()
		if st == timerStopped {
			return false
		}
		if tm.state.CompareAndSwap(st, timerStopped) {
			if t := tm.t.Load(); t != nil {
				t.Stop()
			}
			return st == timerArmed || tm.repeat
		}
	}
}

// Stopped reports whether Stop has been called.
func (tm *Timer) Stopped() bool { return tm != nil && tm.state.Load() == timerStopped }
