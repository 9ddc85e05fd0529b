package notification

import (
	"context"

	logx "fgsvc/pkg/logx"
)

// Multi renders on a primary renderer and mirrors to secondaries.
// Only the primary decides success; mirror failures are logged.
type Multi struct {
	Primary Renderer
	Mirrors []Renderer
	Log     logx.Logger
}

func (m *Multi) EnsureChannel(ctx context.Context, channel string) error {
	for _, r := range m.Mirrors {
		if err := r.EnsureChannel(ctx, channel); err != nil {
			m.Log.Warn("mirror channel setup failed", logx.String("channel", channel), logx.Err(err))
		}
	}
	return m.Primary.EnsureChannel(ctx, channel)
}

func (m *Multi) Render(ctx context.Context, cfg Config) (Handle, error) {
	h, err := m.Primary.Render(ctx, cfg)
	if err != nil {
		return h, err
	}
	for _, r := range m.Mirrors {
		if _, merr := r.Render(ctx, cfg); merr != nil {
			m.Log.Warn("mirror render failed", logx.Int("id", cfg.ID), logx.Err(merr))
		}
	}
	return h, nil
}

func (m *Multi) Cancel(ctx context.Context, id int) error {
	for _, r := range m.Mirrors {
		if err := r.Cancel(ctx, id); err != nil {
			m.Log.Warn("mirror cancel failed", logx.Int("id", id), logx.Err(err))
		}
	}
	return m.Primary.Cancel(ctx, id)
}

// Nop renders nothing but reports success; used when no renderer is configured.
type Nop struct{}

func (Nop) EnsureChannel(context.Context, string) error { return nil }
func (Nop) Render(_ context.Context, cfg Config) (Handle, error) {
	return Handle{ID: cfg.ID, Ref: "nop"}, nil
}
func (Nop) Cancel(context.Context, int) error { return nil }
