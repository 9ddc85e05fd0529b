package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fgsvc/internal/host"
	"fgsvc/internal/svcerr"
	"fgsvc/pkg/logx"
)

// StopStrategy is one way of tearing the host down. Strategies are tried in
// order until one succeeds.
type StopStrategy struct {
	Name    string
	Timeout time.Duration
	Fn      func(ctx context.Context, h host.Host) error
}

// SoftStop asks the host to exit.
var SoftStop = StopStrategy{
	Name:    "soft",
	Timeout: 10 * time.Second,
	Fn:      func(ctx context.Context, h host.Host) error { return h.Stop(ctx) },
}

// HardStop forces the host down.
var HardStop = StopStrategy{
	Name:    "hard",
	Timeout: 5 * time.Second,
	Fn:      func(ctx context.Context, h host.Host) error { return h.Kill(ctx) },
}

// DefaultStopStrategies is soft stop with a hard stop fallback.
func DefaultStopStrategies() []StopStrategy {
	return []StopStrategy{SoftStop, HardStop}
}

func runStopStrategies(ctx context.Context, h host.Host, strategies []StopStrategy, log logx.Logger) error {
	if len(strategies) == 0 {
		strategies = DefaultStopStrategies()
	}
	var errs []error
	for _, s := range strategies {
		sctx, cancel := ctx, context.CancelFunc(func() {})
		if s.Timeout > 0 {
			sctx, cancel = context.WithTimeout(ctx, s.Timeout)
		}
		err := s.Fn(sctx, h)
		cancel()
		if err == nil {
			if len(errs) > 0 {
				log.Info("host stopped after fallback", logx.String("strategy", s.Name))
			}
			return nil
		}
		log.Warn("host stop strategy failed", logx.String("strategy", s.Name), logx.Err(err))
		errs = append(errs, fmt.Errorf("%s stop: %w", s.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return svcerr.Wrap(svcerr.ServiceError, errors.Join(errs...), "stop service")
}
