package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fgsvc/internal/config"
	"fgsvc/internal/notification"
	"fgsvc/internal/recovery"
	"fgsvc/internal/scheduler"
	"fgsvc/internal/task/engine"
	"fgsvc/internal/transport/telegram/router"
	"fgsvc/pkg/logx"
)

func TestLogConfigFallsBackToChatID(t *testing.T) {
	cfg := &config.Config{
		Logging:  config.LoggingConfig{Level: "debug", Telegram: config.LoggingTelegram{Enabled: true, MinLevel: "warn"}},
		Telegram: &config.TelegramConfig{ChatID: 42},
	}
	lc := logConfig(cfg)
	assert.True(t, lc.Chat.Enabled)
	assert.Equal(t, int64(42), lc.Chat.ChatID)

	cfg.Telegram.LogChat = 7
	assert.Equal(t, int64(7), logConfig(cfg).Chat.ChatID)

	cfg.Telegram = nil
	assert.False(t, logConfig(cfg).Chat.Enabled)
}

func TestStopStrategiesUseConfiguredTimeouts(t *testing.T) {
	s := stopStrategies(config.HostConfig{SoftStopTimeout: "3s"})
	require.Len(t, s, 2)
	assert.Equal(t, "soft", s[0].Name)
	assert.Equal(t, 3*time.Second, s[0].Timeout)
	assert.Equal(t, 5*time.Second, s[1].Timeout)
}

func TestEngineConfigDefaults(t *testing.T) {
	ec := engineConfig(&config.Config{TaskEngine: config.TaskEngineConfig{Workers: 3, MaxQueueDelay: "2s"}})
	assert.Equal(t, 3, ec.Workers)
	assert.Equal(t, engine.DefaultTimeout, ec.DefaultTimeout)
	assert.Equal(t, 2*time.Second, ec.MaxQueueDelay)
}

func TestRecoveryOptions(t *testing.T) {
	opts := recoveryOptions(config.RecoveryConfig{})
	assert.Equal(t, recovery.DefaultSettleDelay, opts.SettleDelay)
	assert.Equal(t, recovery.DefaultThrottle, opts.Throttle)
	assert.Zero(t, opts.MaxAttempts)

	opts = recoveryOptions(config.RecoveryConfig{Throttle: "0s", MaxAttempts: -1, MaxSettle: "10s"})
	assert.Negative(t, opts.Throttle, "explicit zero disables throttling")
	assert.Equal(t, -1, opts.MaxAttempts)
	assert.Equal(t, 10*time.Second, opts.MaxSettle)

	opts = recoveryOptions(config.RecoveryConfig{Throttle: "5s"})
	assert.Equal(t, 5*time.Second, opts.Throttle)
}

func TestBuildHandler(t *testing.T) {
	zero := 0
	_, opt, err := buildHandler("note", config.TaskConfig{Type: "log", Timeout: "2s", RetryMax: &zero}, nil, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opt.Timeout)
	assert.Equal(t, -1, opt.RetryMax)

	_, _, err = buildHandler("sync", config.TaskConfig{Type: "exec"}, nil, logx.Nop())
	assert.Error(t, err)
	_, _, err = buildHandler("x", config.TaskConfig{Type: "cron"}, nil, logx.Nop())
	assert.Error(t, err)
}

func TestBuildRenderers(t *testing.T) {
	r := buildRenderers(&config.Config{}, nil, nil, logx.Nop())
	assert.IsType(t, notification.Nop{}, r.renderer)

	cfg := &config.Config{Notification: config.NotificationConfig{Renderers: []string{"telegram", "sdnotify"}}}
	r = buildRenderers(cfg, nil, nil, logx.Nop())
	assert.Nil(t, r.telegram, "telegram needs a transport")
	require.NotNil(t, r.sd)
	assert.Same(t, r.sd, r.renderer)
}

func TestBuildHostRejectsUnknownDriver(t *testing.T) {
	_, _, err := buildHost(context.Background(), config.HostConfig{Driver: "launchd"}, logx.Nop())
	assert.Error(t, err)
}

func TestDescriptorFromRequest(t *testing.T) {
	d, err := descriptorFromRequest(&router.Request{
		Args:   []string{"sync"},
		Params: map[string]string{"delay": "5s", "mode": "full"},
	})
	require.NoError(t, err)
	assert.Equal(t, scheduler.Descriptor{Name: "sync", Delay: 5 * time.Second, Payload: map[string]any{"mode": "full"}}, d)

	d, err = descriptorFromRequest(&router.Request{Args: []string{"beat"}, Params: map[string]string{"loop_delay": "1s"}})
	require.NoError(t, err)
	assert.True(t, d.Loop)
	assert.Equal(t, time.Second, d.LoopDelay)
	assert.Nil(t, d.Payload)

	_, err = descriptorFromRequest(&router.Request{})
	assert.Error(t, err)
	_, err = descriptorFromRequest(&router.Request{Args: []string{"x"}, Params: map[string]string{"loop": "maybe"}})
	assert.Error(t, err)
}

const appYAML = `
logging:
  level: error
host:
  driver: process
  command: ["sleep", "30"]
  stop_grace: 2s
  observe_ttl: 0s
  declared_types: [dataSync]
tasks:
  note:
    type: log
  bump:
    type: notify
actions:
  go: note
storage:
  driver: file
  path: %s
`

func TestAppRunsForegroundOperations(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fgsvc.yaml")
	body := []byte(fmt.Sprintf(appYAML, filepath.Join(dir, "state")))
	require.NoError(t, os.WriteFile(path, body, 0o600))

	ctx := context.Background()
	a, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	fg := a.Foreground()
	cfg := notification.Config{ID: 3, Title: "Sync", Message: "running", ServiceType: notification.TypeDataSync}
	require.NoError(t, fg.Start(ctx, cfg))
	assert.Equal(t, 1, fg.IsRunning(ctx))

	running, err := fg.IsServiceRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, fg.RunTask(ctx, scheduler.Descriptor{Name: "bump", Payload: map[string]any{"message": "half way"}}))
	require.Eventually(t, func() bool {
		last := fg.LastConfig()
		return last != nil && last.Message == "half way"
	}, 2*time.Second, 10*time.Millisecond)

	body2, healthy := a.health(ctx)
	assert.True(t, healthy)
	h := body2.(Health)
	assert.Equal(t, 1, h.Running)
	assert.ElementsMatch(t, []string{"bump", "note"}, h.Tasks)
	assert.Contains(t, h.Supervisors, "app")

	require.NoError(t, fg.StopAll(ctx))
	running, err = fg.IsServiceRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopRequested))
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("app context not canceled")
	}
}
