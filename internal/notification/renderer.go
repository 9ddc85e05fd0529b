package notification

import (
	"context"
	"errors"
	"sync"

	logx "fgsvc/pkg/logx"
)

// Handle identifies a displayed notification. Ref is renderer specific
// (message id, status line), empty Ref with zero ID means nothing was shown.
type Handle struct {
	ID  int
	Ref string
}

func (h Handle) IsZero() bool { return h.ID == 0 && h.Ref == "" }

// Renderer displays notifications. Render with an ID already on screen
// replaces that notification in place.
type Renderer interface {
	EnsureChannel(ctx context.Context, channel string) error
	Render(ctx context.Context, cfg Config) (Handle, error)
	Cancel(ctx context.Context, id int) error
}

// ErrNoTarget is returned by renderers that cannot resolve where cfg.Channel is displayed.
var ErrNoTarget = errors.New("no render target for channel")

// Channels creates each notification channel at most once per process.
// Creation errors are logged and swallowed; a failed channel is not retried.
type Channels struct {
	r   Renderer
	log logx.Logger

	mu   sync.Mutex
	once map[string]*sync.Once
}

func NewChannels(r Renderer, log logx.Logger) *Channels {
	return &Channels{r: r, log: log, once: map[string]*sync.Once{}}
}

func (c *Channels) Ensure(ctx context.Context, channel string) {
	c.mu.Lock()
	o := c.once[channel]
	if o == nil {
		o = &sync.Once{}
		c.once[channel] = o
	}
	c.mu.Unlock()

	o.Do(func() {
		if err := c.r.EnsureChannel(ctx, channel); err != nil {
			c.log.Warn("notification channel setup failed", logx.String("channel", channel), logx.Err(err))
		}
	})
}
