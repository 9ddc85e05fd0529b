package notification

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fgsvc/internal/svcerr"
	logx "fgsvc/pkg/logx"
)

func validConfig() Config {
	return Config{ID: 1, Title: "Sync", Message: "running", Channel: "default"}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero id":          func(c *Config) { c.ID = 0 },
		"missing title":    func(c *Config) { c.Title = "  " },
		"missing message":  func(c *Config) { c.Message = "" },
		"missing channel":  func(c *Config) { c.Channel = "" },
		"bad priority":     func(c *Config) { c.Priority = "urgent" },
		"bad visibility":   func(c *Config) { c.Visibility = "hidden" },
		"three buttons":    func(c *Config) { c.Buttons = []Button{{Label: "a"}, {Label: "b"}, {Label: "c"}} },
		"unlabeled button": func(c *Config) { c.Buttons = []Button{{Payload: "x"}} },
		"bad color":        func(c *Config) { c.Color = "red" },
		"negative badge":   func(c *Config) { c.Badge = -1 },
		"progress overrun": func(c *Config) { c.Progress = &Progress{Current: 5, Max: 3} },
		"unknown type":     func(c *Config) { c.ServiceType = "teleport" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, svcerr.Is(err, svcerr.InvalidConfig))
		})
	}
}

func TestWithDefaults(t *testing.T) {
	c := Config{ID: 3, Title: "t", Message: "m"}.WithDefaults()
	assert.Equal(t, DefaultChannel, c.Channel)
	assert.Equal(t, PriorityHigh, c.Priority)
	assert.Equal(t, VisibilityPrivate, c.Visibility)
}

func TestServiceTypePermission(t *testing.T) {
	assert.True(t, TypeDataSync.Known())
	assert.Equal(t, "FOREGROUND_SERVICE_DATA_SYNC", TypeDataSync.Permission())
	assert.False(t, ServiceType("x").Known())
}

func TestLines(t *testing.T) {
	c := validConfig()
	c.Badge = 3
	c.Progress = &Progress{Current: 5, Max: 10}
	assert.Equal(t, []string{"Sync (3)", "running", "[#####-----] 5/10"}, Lines(c))

	c.Visibility = VisibilitySecret
	c.Progress = nil
	c.Badge = 0
	assert.Equal(t, []string{"Sync"}, Lines(c))
}

type countingRenderer struct {
	Nop
	ensures atomic.Int32
	err     error
}

func (r *countingRenderer) EnsureChannel(context.Context, string) error {
	r.ensures.Add(1)
	return r.err
}

func TestChannelsCreatedOncePerChannel(t *testing.T) {
	r := &countingRenderer{err: errors.New("denied")}
	ch := NewChannels(r, logx.Nop())

	for i := 0; i < 3; i++ {
		ch.Ensure(context.Background(), "default")
	}
	ch.Ensure(context.Background(), "alerts")
	assert.EqualValues(t, 2, r.ensures.Load())
}

type failingRenderer struct{ Nop }

func (failingRenderer) Render(context.Context, Config) (Handle, error) {
	return Handle{}, errors.New("mirror down")
}

func TestMultiIgnoresMirrorFailures(t *testing.T) {
	m := &Multi{Primary: Nop{}, Mirrors: []Renderer{failingRenderer{}}, Log: logx.Nop()}
	h, err := m.Render(context.Background(), validConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, h.ID)

	m = &Multi{Primary: failingRenderer{}, Log: logx.Nop()}
	_, err = m.Render(context.Background(), validConfig())
	assert.Error(t, err)
}
