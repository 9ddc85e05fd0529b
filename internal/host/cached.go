package host

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"fgsvc/internal/notification"
)

const runningKey = "running"

// Cached memoizes Running for a short TTL. Start, Stop and Kill invalidate it.
type Cached struct {
	Host
	c *cache.Cache
}

// NewCached wraps h. A ttl <= 0 returns h unchanged. The cache runs no
// janitor; it holds a single key.
func NewCached(h Host, ttl time.Duration) Host {
	if ttl <= 0 {
		return h
	}
	return &Cached{Host: h, c: cache.New(ttl, 0)}
}

func (c *Cached) Start(ctx context.Context, kind notification.ServiceType) error {
	defer c.c.Delete(runningKey)
	return c.Host.Start(ctx, kind)
}

func (c *Cached) Stop(ctx context.Context) error {
	defer c.c.Delete(runningKey)
	return c.Host.Stop(ctx)
}

func (c *Cached) Kill(ctx context.Context) error {
	defer c.c.Delete(runningKey)
	return c.Host.Kill(ctx)
}

func (c *Cached) Running(ctx context.Context) (bool, error) {
	if v, ok := c.c.Get(runningKey); ok {
		return v.(bool), nil
	}
	running, err := c.Host.Running(ctx)
	if err != nil {
		return false, err
	}
	c.c.SetDefault(runningKey, running)
	return running, nil
}
