package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanicAndRecordsError(t *testing.T) {
	sup := NewSupervisor(context.Background())
	sup.Go("boom", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in boom")

	snap := sup.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.EqualValues(t, 1, snap.Goroutines[0].Panics)
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sup.Go("failer", func(ctx context.Context) error { return errors.New("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failer: bad")
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 3, runs.Load())
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("dead", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
	assert.EqualValues(t, 3, runs.Load())
}

func TestRegistrySnapshots(t *testing.T) {
	var nilReg *Registry
	nilReg.Set("x", NewSupervisor(context.Background()))
	assert.Nil(t, nilReg.Snapshots())

	r := NewRegistry()
	sup := NewSupervisor(context.Background())
	sup.Go("once", func(context.Context) error { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))

	r.Set("app", sup)
	assert.Same(t, sup, r.Get("app"))
	snaps := r.Snapshots()
	require.Contains(t, snaps, "app")
	assert.EqualValues(t, 1, snaps["app"].Counters.Started)

	r.Delete("app")
	assert.Nil(t, r.Get("app"))
	assert.Empty(t, r.Snapshots())
}
