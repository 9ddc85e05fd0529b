package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "fgsvc/pkg/logx"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestDoSerializesConcurrentCallers(t *testing.T) {
	l := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(ctx context.Context) error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error {
		got = counter
		return nil
	}))
	assert.Equal(t, 50, got)
}

func TestDoRunsInlineWhenAlreadyOnLoop(t *testing.T) {
	l := startLoop(t)

	var inner bool
	err := l.Do(context.Background(), func(ctx context.Context) error {
		assert.True(t, l.OnLoop(ctx))
		return l.Do(ctx, func(ctx context.Context) error {
			inner = true
			return errors.New("inner")
		})
	})
	require.EqualError(t, err, "inner")
	assert.True(t, inner)
	assert.False(t, l.OnLoop(context.Background()))
}

func TestDoRecoversPanics(t *testing.T) {
	l := startLoop(t)
	err := l.Do(context.Background(), func(ctx context.Context) error { panic("bad") })
	require.Error(t, err)

	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestDoAfterCloseReturnsErrClosed(t *testing.T) {
	l := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	cancel()
	<-l.Done()

	err := l.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, l.Post(func(ctx context.Context) {}))
}

func TestPostAfterCloseIsRejected(t *testing.T) {
	for i := 0; i < 50; i++ {
		l := New(logx.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = l.Run(ctx) }()
		cancel()
		<-l.Done()

		require.False(t, l.Post(func(ctx context.Context) {}), "iteration %d", i)
		require.ErrorIs(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }), ErrClosed, "iteration %d", i)
	}
}

func TestAfterFuncRunsOnLoop(t *testing.T) {
	l := startLoop(t)
	fired := make(chan bool, 1)
	l.AfterFunc(10*time.Millisecond, func(ctx context.Context) { fired <- l.OnLoop(ctx) })

	select {
	case onLoop := <-fired:
		assert.True(t, onLoop)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerStopOnLoopPreventsQueuedCallback(t *testing.T) {
	l := startLoop(t)
	var fired atomic.Bool

	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error {
		tm := l.AfterFunc(0, func(context.Context) { fired.Store(true) })
		// Let the timer expire and queue its callback behind this closure.
		time.Sleep(20 * time.Millisecond)
		assert.True(t, tm.Stop())
		assert.False(t, tm.Stop())
		return nil
	}))

	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error { return nil }))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestTimerStopAfterCallbackStartedReportsFalse(t *testing.T) {
	l := startLoop(t)
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})

	tm := l.AfterFunc(0, func(context.Context) {
		close(started)
		<-release
		close(finished)
	})
	<-started

	assert.False(t, tm.Stop())
	assert.True(t, tm.Stopped())
	close(release)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("callback did not complete")
	}
}

func TestEveryStopsWhenCallbackDeclines(t *testing.T) {
	l := startLoop(t)
	var ticks atomic.Int32
	l.Every(5*time.Millisecond, func(context.Context) bool {
		return ticks.Add(1) < 3
	})

	require.Eventually(t, func() bool { return ticks.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 3, ticks.Load())
}

func TestEveryStop(t *testing.T) {
	l := startLoop(t)
	var ticks atomic.Int32
	tm := l.Every(5*time.Millisecond, func(context.Context) bool {
		ticks.Add(1)
		return true
	})
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Do(context.Background(), func(ctx context.Context) error {
		assert.True(t, tm.Stop())
		return nil
	}))
	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, ticks.Load())
	assert.True(t, tm.Stopped())
}
