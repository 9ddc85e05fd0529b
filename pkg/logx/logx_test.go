package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "lifecycle"))

	log.Info("service started", Int("running", 1), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "service started", m["message"])
	assert.Equal(t, "lifecycle", m["comp"])
	assert.EqualValues(t, 1, m["running"])
	assert.Equal(t, "boom", m["err"])
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logx_test.go:"))
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestFormatChatRecord(t *testing.T) {
	line := `{"level":"error","time":"x","message":"restart failed","unit":"keepalive","attempt":2}`
	got := formatChatRecord([]byte(line))
	assert.Equal(t, "[ERROR] restart failed\n- attempt=2\n- unit=keepalive", got)

	assert.Equal(t, "not json", formatChatRecord([]byte("  not json \n")))
}

type captureSink struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureSink) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func TestServiceForwardsToChatAboveMinLevel(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 10},
	}, sink)
	defer func() { _ = svc.Close() }()

	log.Info("quiet")
	log.Warn("loud")

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.texts[0], "[WARN] loud")
}
