package host

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fgsvc/internal/notification"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
	"fgsvc/pkg/systemdmanager"
)

func TestProcessHostLifecycle(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx := context.Background()
	h, err := NewProcess(ProcessConfig{Command: []string{"sleep", "30"}, StopGrace: 2 * time.Second}, logx.Nop())
	require.NoError(t, err)

	running, err := h.Running(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, h.Start(ctx, notification.TypeDataSync))
	require.NoError(t, h.Start(ctx, notification.TypeDataSync), "second start is a no-op")
	running, err = h.Running(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, h.Stop(ctx))
	running, err = h.Running(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, h.Kill(ctx), "kill after exit is a no-op")
}

func TestProcessHostRequiresCommand(t *testing.T) {
	_, err := NewProcess(ProcessConfig{}, logx.Nop())
	assert.True(t, svcerr.Is(err, svcerr.InvalidConfig))
}

func TestProcessHostMissingBinary(t *testing.T) {
	h, err := NewProcess(ProcessConfig{Command: []string{"/nonexistent/fgsvc-keepalive"}}, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, h.Start(context.Background(), ""))
}

type fakeUnits struct {
	mu       sync.Mutex
	status   systemdmanager.Status
	startErr error
	stopErr  error
	calls    []string
}

func (f *fakeUnits) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeUnits) StartContext(context.Context, string) error {
	f.record("start")
	if f.startErr == nil {
		f.status.Active = "active"
	}
	return f.startErr
}

func (f *fakeUnits) StopContext(context.Context, string) error {
	f.record("stop")
	if f.stopErr == nil {
		f.status.Active = "inactive"
	}
	return f.stopErr
}

func (f *fakeUnits) KillContext(_ context.Context, _ string, sig syscall.Signal) error {
	f.record("kill:" + sig.String())
	f.status.Active = "inactive"
	return nil
}

func (f *fakeUnits) ResetFailedContext(context.Context, string) error {
	f.record("reset")
	return nil
}

func (f *fakeUnits) StatusContext(_ context.Context, unit string) (*systemdmanager.Status, error) {
	st := f.status
	st.Unit = unit
	return &st, nil
}

func TestSystemdHost(t *testing.T) {
	ctx := context.Background()
	units := &fakeUnits{status: systemdmanager.Status{Active: "failed", LoadState: "loaded"}}
	h, err := NewSystemd("keepalive", units, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, h.Start(ctx, notification.TypeLocation))
	running, err := h.Running(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, h.Start(ctx, notification.TypeLocation))
	assert.Equal(t, []string{"reset", "start"}, units.calls, "start on an active unit does nothing")

	require.NoError(t, h.Kill(ctx))
	assert.Equal(t, "kill:killed", units.calls[len(units.calls)-1])
}

func TestSystemdHostClassifiesErrors(t *testing.T) {
	ctx := context.Background()
	units := &fakeUnits{
		status:   systemdmanager.Status{Active: "inactive", LoadState: "loaded"},
		startErr: errors.New("org.freedesktop.DBus.Error.AccessDenied: denied"),
		stopErr:  errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit keepalive.service not loaded."),
	}
	h, err := NewSystemd("keepalive", units, logx.Nop())
	require.NoError(t, err)

	err = h.Start(ctx, "")
	require.True(t, svcerr.Is(err, svcerr.PermissionDenied))
	var se *svcerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, manageUnitsPermission, se.Permission)

	assert.NoError(t, h.Stop(ctx), "stopping a missing unit succeeds")

	units.status.LoadState = "not-found"
	assert.True(t, svcerr.Is(h.Start(ctx, ""), svcerr.ServiceError))
}

func TestClassifyUnsupported(t *testing.T) {
	assert.True(t, svcerr.Is(classify(systemdmanager.ErrUnsupported), svcerr.UnsupportedPlatform))
	assert.NoError(t, classify(nil))
}

type countingHost struct {
	mu      sync.Mutex
	running bool
	queries int
}

func (c *countingHost) Name() string { return "counting" }
func (c *countingHost) Start(context.Context, notification.ServiceType) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}
func (c *countingHost) Stop(context.Context) error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}
func (c *countingHost) Kill(ctx context.Context) error { return c.Stop(ctx) }
func (c *countingHost) Running(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	return c.running, nil
}

func TestCachedHost(t *testing.T) {
	ctx := context.Background()
	inner := &countingHost{}
	h := NewCached(inner, time.Minute)

	for range 3 {
		running, err := h.Running(ctx)
		require.NoError(t, err)
		assert.False(t, running)
	}
	assert.Equal(t, 1, inner.queries)

	require.NoError(t, h.Start(ctx, ""))
	running, err := h.Running(ctx)
	require.NoError(t, err)
	assert.True(t, running, "start invalidates the cached observation")
	assert.Equal(t, 2, inner.queries)

	assert.Same(t, inner, NewCached(inner, 0))
}
