package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/notification"
	"fgsvc/internal/runtime/loop"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
)

type fakeHost struct {
	mu       sync.Mutex
	running  bool
	startErr error
	stopErr  error
	killErr  error
	calls    []string
}

func (h *fakeHost) Name() string { return "fake" }

func (h *fakeHost) Start(_ context.Context, kind notification.ServiceType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "start")
	if h.startErr != nil {
		return h.startErr
	}
	h.running = true
	return nil
}

func (h *fakeHost) Stop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "stop")
	if h.stopErr != nil {
		return h.stopErr
	}
	h.running = false
	return nil
}

func (h *fakeHost) Kill(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "kill")
	if h.killErr != nil {
		return h.killErr
	}
	h.running = false
	return nil
}

func (h *fakeHost) Running(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running, nil
}

func (h *fakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type fakeRenderer struct {
	mu        sync.Mutex
	shown     map[int]notification.Config
	renders   int
	channels  int
	renderErr error
	zero      bool
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{shown: map[int]notification.Config{}}
}

func (r *fakeRenderer) EnsureChannel(context.Context, string) error {
	r.mu.Lock()
	r.channels++
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) Render(_ context.Context, cfg notification.Config) (notification.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderErr != nil {
		return notification.Handle{}, r.renderErr
	}
	if r.zero {
		return notification.Handle{}, nil
	}
	r.renders++
	r.shown[cfg.ID] = cfg
	return notification.Handle{ID: cfg.ID, Ref: strconv.Itoa(cfg.ID)}, nil
}

func (r *fakeRenderer) Cancel(_ context.Context, id int) error {
	r.mu.Lock()
	delete(r.shown, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) Shown() map[int]notification.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]notification.Config, len(r.shown))
	for k, v := range r.shown {
		out[k] = v
	}
	return out
}

type memStore struct {
	mu  sync.Mutex
	cfg *notification.Config
}

func (s *memStore) LastConfig(context.Context) (*notification.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return nil, nil
	}
	cp := *s.cfg
	return &cp, nil
}

func (s *memStore) PutLastConfig(_ context.Context, cfg notification.Config) error {
	s.mu.Lock()
	s.cfg = &cfg
	s.mu.Unlock()
	return nil
}

func (s *memStore) ClearLastConfig(context.Context) error {
	s.mu.Lock()
	s.cfg = nil
	s.mu.Unlock()
	return nil
}

type fixture struct {
	ctl      *Controller
	host     *fakeHost
	renderer *fakeRenderer
	store    *memStore
	bus      eventbus.Bus
}

func newFixture(t *testing.T, declared ...notification.ServiceType) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(logx.Nop())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})

	f := &fixture{host: &fakeHost{}, renderer: newFakeRenderer(), store: &memStore{}, bus: eventbus.New()}
	ctl, err := New(Options{
		Loop:          l,
		Host:          f.host,
		Renderer:      f.renderer,
		Store:         f.store,
		Bus:           f.bus,
		DeclaredTypes: declared,
	})
	require.NoError(t, err)
	f.ctl = ctl
	return f
}

func cfg(id int) notification.Config {
	return notification.Config{ID: id, Title: "Sync", Message: "running", Channel: "default"}
}

func TestStartStopNesting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	assert.Equal(t, 1, f.ctl.IsRunning())
	require.NotNil(t, f.ctl.Instance())

	require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	assert.Equal(t, 2, f.ctl.IsRunning())
	assert.Equal(t, []string{"start"}, f.host.Calls(), "host started once")

	require.NoError(t, f.ctl.Stop(ctx))
	assert.Equal(t, 1, f.ctl.IsRunning())
	assert.Contains(t, f.renderer.Shown(), 1, "still visible")

	require.NoError(t, f.ctl.Stop(ctx))
	assert.Equal(t, 0, f.ctl.IsRunning())
	assert.Empty(t, f.renderer.Shown())
	assert.Nil(t, f.ctl.Instance())
	assert.Nil(t, f.ctl.LastConfig())

	require.NoError(t, f.ctl.Stop(ctx), "extra stop is a no-op")
	assert.Equal(t, 0, f.ctl.IsRunning())
	assert.Equal(t, []string{"start", "stop", "stop"}, f.host.Calls(), "defensive host stop")
}

func TestCountMatchesSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ops := []bool{true, true, false, true, false, false, false, false, true, false}
	want := 0
	for _, start := range ops {
		if start {
			require.NoError(t, f.ctl.Start(ctx, cfg(7)))
			want++
		} else {
			require.NoError(t, f.ctl.Stop(ctx))
			want = max(0, want-1)
		}
		assert.Equal(t, want, f.ctl.IsRunning())
		_, visible := f.renderer.Shown()[7]
		assert.Equal(t, want > 0, visible)
	}
}

func TestUpdateWhileStoppedStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctl.Update(ctx, cfg(3)))
	assert.Equal(t, 1, f.ctl.IsRunning())
	require.NotNil(t, f.ctl.LastConfig())
	assert.Equal(t, 3, f.ctl.LastConfig().ID)

	updated := cfg(3)
	updated.Message = "50%"
	require.NoError(t, f.ctl.Update(ctx, updated))
	assert.Equal(t, 1, f.ctl.IsRunning(), "update does not change the count")
	assert.Equal(t, "50%", f.renderer.Shown()[3].Message)
	assert.Len(t, f.renderer.Shown(), 1, "same id replaces")
}

func TestStartWithNewIDReplacesNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	require.NoError(t, f.ctl.Start(ctx, cfg(2)))
	shown := f.renderer.Shown()
	assert.Len(t, shown, 1)
	assert.Contains(t, shown, 2)
	assert.Equal(t, 2, f.ctl.Instance().NotificationID)
}

func TestStopAllClearsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var tornDown int
	f.ctl.OnTeardown(func(context.Context) { tornDown++ })

	for range 3 {
		require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	}
	require.NoError(t, f.ctl.StopAll(ctx))
	assert.Equal(t, 0, f.ctl.IsRunning())
	assert.Nil(t, f.ctl.LastConfig())
	assert.Nil(t, f.ctl.Instance())
	stored, err := f.store.LastConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Equal(t, 1, tornDown)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, notification.TypeDataSync)
	ctx := context.Background()

	err := f.ctl.Start(ctx, notification.Config{ID: 1})
	assert.True(t, svcerr.Is(err, svcerr.InvalidConfig))

	c := cfg(1)
	c.ServiceType = notification.TypeLocation
	err = f.ctl.Start(ctx, c)
	require.True(t, svcerr.Is(err, svcerr.PermissionDenied))
	var se *svcerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "FOREGROUND_SERVICE_LOCATION", se.Permission)

	c.ServiceType = notification.TypeDataSync
	require.NoError(t, f.ctl.Start(ctx, c))
	assert.Empty(t, f.host.Calls()[1:])
}

func TestRenderFailureRollsBackHost(t *testing.T) {
	f := newFixture(t)
	f.renderer.renderErr = errors.New("chat not found")
	ctx := context.Background()

	err := f.ctl.Start(ctx, cfg(1))
	require.True(t, svcerr.Is(err, svcerr.RenderFailure))
	assert.Equal(t, 0, f.ctl.IsRunning())
	assert.Nil(t, f.ctl.Instance())
	assert.Equal(t, []string{"start", "stop"}, f.host.Calls())

	f.renderer.renderErr = nil
	f.renderer.zero = true
	assert.True(t, svcerr.Is(f.ctl.Start(ctx, cfg(1)), svcerr.RenderFailure), "empty handle is a failure")
}

func TestHostStartFailure(t *testing.T) {
	f := newFixture(t)
	f.host.startErr = svcerr.Permission("org.freedesktop.systemd1.manage-units", nil)
	err := f.ctl.Start(context.Background(), cfg(1))
	assert.True(t, svcerr.Is(err, svcerr.PermissionDenied))

	f.host.startErr = errors.New("exec: not found")
	err = f.ctl.Start(context.Background(), cfg(1))
	assert.True(t, svcerr.Is(err, svcerr.ServiceError))
	assert.Equal(t, 0, f.ctl.IsRunning())
}

func TestStopFallsBackToHardStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctl.Start(ctx, cfg(1)))

	f.host.stopErr = errors.New("still alive")
	require.NoError(t, f.ctl.Stop(ctx))
	assert.Equal(t, []string{"start", "stop", "kill"}, f.host.Calls())

	require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	f.host.killErr = errors.New("permission denied")
	err := f.ctl.Stop(ctx)
	require.True(t, svcerr.Is(err, svcerr.ServiceError))
	assert.Equal(t, 0, f.ctl.IsRunning(), "state transitions even when the host refuses")
}

func TestTeardownRunsHooksInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls []string
	f.ctl.OnTeardown(func(context.Context) {
		calls = append(calls, "first")
		// registered mid-teardown; runs from the next teardown on
		f.ctl.OnTeardown(func(context.Context) { calls = append(calls, "late") })
	})
	f.ctl.OnTeardown(func(context.Context) { calls = append(calls, "second") })

	require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	require.NoError(t, f.ctl.StopAll(ctx))
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	require.NoError(t, f.ctl.Stop(ctx))
	assert.Equal(t, []string{"first", "second", "late"}, calls)
}

func TestRestoreLastConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stored := cfg(9)
	require.NoError(t, f.store.PutLastConfig(ctx, stored))

	require.NoError(t, f.ctl.Restore(ctx))
	require.NotNil(t, f.ctl.LastConfig())
	assert.Equal(t, 9, f.ctl.LastConfig().ID)
	assert.Equal(t, 0, f.ctl.IsRunning())
}

func TestCancelNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	assert.True(t, svcerr.Is(f.ctl.CancelNotification(ctx, 0), svcerr.InvalidConfig))

	require.NoError(t, f.ctl.Start(ctx, cfg(4)))
	require.NoError(t, f.ctl.CancelNotification(ctx, 4))
	assert.Empty(t, f.renderer.Shown())
	assert.Equal(t, 1, f.ctl.IsRunning())
}

func TestStateChangedEvents(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()
	ctx := context.Background()

	require.NoError(t, f.ctl.Start(ctx, cfg(1)))
	require.NoError(t, f.ctl.Stop(ctx))

	first := <-ch
	assert.Equal(t, eventbus.TypeServiceStateChanged, first.Type)
	assert.Equal(t, eventbus.StateChanged{Running: 1, Previous: 0}, first.Data)
	second := <-ch
	assert.Equal(t, eventbus.StateChanged{Running: 0, Previous: 1}, second.Data)
}

func TestChannelCreatedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for range 3 {
		require.NoError(t, f.ctl.Update(ctx, cfg(1)))
	}
	assert.Equal(t, 1, f.renderer.channels)
}
