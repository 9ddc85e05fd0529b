package handlers

import (
	"context"
	"fmt"

	"fgsvc/internal/notification"
	"fgsvc/internal/task/engine"
	logx "fgsvc/pkg/logx"
)

// Log records the payload and succeeds.
func Log(name string, log logx.Logger) engine.Handler {
	return func(_ context.Context, payload map[string]any) error {
		log.Info("task ran", logx.String("task", name), logx.Any("payload", payload))
		return nil
	}
}

// Updater re-renders the foreground notification.
type Updater interface {
	LastConfig() *notification.Config
	Update(ctx context.Context, cfg notification.Config) error
}

// Notify patches the current notification from the payload. Recognised
// keys: title, message, badge, progress_current, progress_max.
func Notify(u Updater) engine.Handler {
	return func(ctx context.Context, payload map[string]any) error {
		last := u.LastConfig()
		if last == nil {
			return engine.NoRetry(fmt.Errorf("no notification to update"))
		}
		cfg := *last
		if v, ok := payload["title"].(string); ok && v != "" {
			cfg.Title = v
		}
		if v, ok := payload["message"].(string); ok && v != "" {
			cfg.Message = v
		}
		if v, ok := intValue(payload["badge"]); ok {
			cfg.Badge = v
		}
		cur, okCur := intValue(payload["progress_current"])
		total, okMax := intValue(payload["progress_max"])
		if okCur || okMax {
			p := notification.Progress{}
			if cfg.Progress != nil {
				p = *cfg.Progress
			}
			if okCur {
				p.Current = cur
			}
			if okMax {
				p.Max = total
			}
			cfg.Progress = &p
		}
		if err := u.Update(ctx, cfg); err != nil {
			return engine.NoRetry(err)
		}
		return nil
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}
