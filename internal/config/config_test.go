package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: info
  console: true
host:
  driver: process
  command: ["sleep", "infinity"]
  declared_types: [dataSync]
notification:
  autostart:
    id: 1
    title: Sync
    message: running
tasks:
  sync:
    type: exec
    command: ["/usr/bin/true"]
  note:
    type: log
triggers:
  - name: nightly
    schedule: "0 3 * * *"
    task: sync
    payload: {"full": true, "n": 2}
actions:
  sync-now: sync
recovery:
  enabled: true
  interval: 30s
storage:
  driver: sqlite
  path: ./fgsvc.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "fgsvc.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Equal(t, "process", cfg.Host.Driver)
	assert.Len(t, cfg.Tasks, 2)
	require.NotNil(t, cfg.Notification.Autostart)
	assert.Equal(t, "Sync", cfg.Notification.Autostart.Title)

	p, err := TriggerPayload(cfg.Triggers[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"full": true, "n": float64(2)}, p)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("x.yaml", []byte("host:\n  drvier: process\n"))
	assert.Error(t, err)

	_, err = Decode("x.json", []byte(`{"host":{}} {}`))
	assert.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg, err := Decode("x.yaml", []byte(`
host:
  driver: systemd
  declared_types: [teleport]
tasks:
  bad:
    type: shell
triggers:
  - name: t
    schedule: "not a cron"
    task: missing
    loop: true
actions:
  x: nope
observability:
  http:
    enabled: true
    addr: "0.0.0.0:9464"
events:
  nats: {}
`))
	require.NoError(t, err)
	err = Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"host.unit is required",
		`unknown service type "teleport"`,
		`tasks.bad.type`,
		`unknown task "missing"`,
		"schedule",
		"loop_delay must be > 0",
		`actions.x`,
		"not loopback",
		"events.nats.url",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestTriggerPayloadRejectsNested(t *testing.T) {
	_, err := TriggerPayload([]byte(`{"a":{"b":1}}`))
	assert.Error(t, err)
	p, err := TriggerPayload(nil)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("x.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("x.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, restart)

	newCfg.Logging.Level = "debug"
	newCfg.Host.Driver = "systemd"
	newCfg.Tasks["note"] = TaskConfig{Type: "notify"}
	changed, _, restart = SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"host", "logging", "tasks"}, changed)
	assert.Equal(t, []string{"host"}, restart)
}

func TestMustDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, MustDuration("3s", time.Second))
	assert.Equal(t, time.Second, MustDuration("", time.Second))
	assert.Equal(t, time.Second, MustDuration("bogus", time.Second))
	_, err := ParseDurationField("x", "-1s")
	assert.Error(t, err)
}

func TestWatchPublishesValidReload(t *testing.T) {
	path := writeFile(t, "fgsvc.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before the first write.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"platform:\n  vendor: xiaomi\n"), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "xiaomi", cfg.Platform.Vendor)
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}

	// Invalid content is rejected and the committed config stays.
	require.NoError(t, os.WriteFile(path, []byte("host:\n  driver: teleport\n"), 0o600))
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "xiaomi", m.Get().Platform.Vendor)
}

func TestDecodeFormatDetection(t *testing.T) {
	cfg, err := Decode("fgsvc.conf", []byte("host:\n  driver: systemd\n  unit: sync.service\n"))
	require.NoError(t, err)
	assert.Equal(t, "sync.service", cfg.Host.Unit)

	cfg, err = Decode("fgsvc.conf", []byte(`{"host":{"unit":"a.service"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a.service", cfg.Host.Unit)

	cfg, err = Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Host.Driver)

	_, err = Decode("two.yaml", []byte("host: {}\n---\nhost: {}\n"))
	assert.ErrorContains(t, err, "one document")

	_, err = Decode("list.yaml", []byte("- a\n- b\n"))
	assert.ErrorContains(t, err, "mapping")
}
