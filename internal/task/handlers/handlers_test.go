package handlers

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fgsvc/internal/notification"
	"fgsvc/internal/task/engine"
	logx "fgsvc/pkg/logx"
)

func TestPayloadEnv(t *testing.T) {
	env, err := payloadEnv("sync", map[string]any{"batch-size": 10, "dry": true, "skip": nil})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"FGSVC_TASK=sync",
		`FGSVC_PAYLOAD={"batch-size":10,"dry":true,"skip":null}`,
		"FGSVC_P_BATCH_SIZE=10",
		"FGSVC_P_DRY=true",
	}, env)
}

func TestExecHandler(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	ok, err := Exec("check", ExecSpec{Command: []string{"sh", "-c", `test "$FGSVC_P_MODE" = full`}}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, ok(ctx, map[string]any{"mode": "full"}))

	err = ok(ctx, map[string]any{"mode": "quick"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with 1")
	assert.False(t, engine.IsNoRetry(err))

	missing, err := Exec("missing", ExecSpec{Command: []string{"/nonexistent/fgsvc-task"}}, logx.Nop())
	require.NoError(t, err)
	assert.True(t, engine.IsNoRetry(missing(ctx, nil)))

	_, err = Exec("empty", ExecSpec{}, logx.Nop())
	assert.Error(t, err)
}

type fakeUpdater struct {
	last    *notification.Config
	applied []notification.Config
}

func (f *fakeUpdater) LastConfig() *notification.Config { return f.last }
func (f *fakeUpdater) Update(_ context.Context, cfg notification.Config) error {
	f.applied = append(f.applied, cfg)
	return nil
}

func TestNotifyHandler(t *testing.T) {
	u := &fakeUpdater{}
	h := Notify(u)
	assert.True(t, engine.IsNoRetry(h(context.Background(), nil)))

	u.last = &notification.Config{ID: 1, Title: "Sync", Message: "idle", Channel: "default"}
	require.NoError(t, h(context.Background(), map[string]any{"message": "copying", "progress_current": 3, "progress_max": float64(10)}))
	require.Len(t, u.applied, 1)
	got := u.applied[0]
	assert.Equal(t, "Sync", got.Title)
	assert.Equal(t, "copying", got.Message)
	assert.Equal(t, &notification.Progress{Current: 3, Max: 10}, got.Progress)
	assert.Nil(t, u.last.Progress, "last config is not mutated")
}
