package app

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"fgsvc/internal/config"
	"fgsvc/internal/recovery"
	"fgsvc/internal/trigger"
	logx "fgsvc/pkg/logx"
)

// validateReload rejects a reload the running components could not apply.
// config.Validate has already run.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := trigger.FromConfig(cfg.Triggers); err != nil {
		errs = append(errs, err)
	}
	for name, tc := range cfg.Tasks {
		if _, _, err := buildHandler(name, tc, a.fg, a.log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next))

	a.engine.Apply(ctx, engineConfig(next))
	if err := a.applyTasks(prev.Tasks, next.Tasks); err != nil {
		a.log.Warn("task reload incomplete", logx.Err(err))
	}
	a.fg.SetActions(next.Actions)

	if defs, err := trigger.FromConfig(next.Triggers); err != nil {
		a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
	} else if err := a.triggers.Apply(next.Scheduler.Timezone, defs); err != nil {
		a.log.Warn("trigger reload failed; keeping previous", logx.Err(err))
	}

	a.applyRecovery(ctx, prev.Recovery, next.Recovery)
	a.http.Reconfigure(ctx, httpConfig(next))

	if a.router != nil && next.Telegram != nil {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyRecovery(ctx context.Context, prev, next config.RecoveryConfig) {
	interval := config.MustDuration(next.Interval, recovery.DefaultInterval)
	var err error
	switch {
	case !next.Enabled && prev.Enabled:
		_, err = a.fg.StopMonitoring(ctx)
	case next.Enabled && !a.fg.Monitoring():
		_, err = a.fg.StartMonitoring(ctx, interval)
	case next.Enabled && prev.Interval != next.Interval:
		err = a.mon.Reschedule(ctx, interval)
	}
	if err != nil {
		a.log.Warn("recovery reload failed", logx.Err(err))
	}
	if prev.SettleDelay != next.SettleDelay || prev.MaxSettle != next.MaxSettle ||
		prev.Throttle != next.Throttle || prev.MaxAttempts != next.MaxAttempts {
		a.log.Warn("recovery restart tuning changed; restart required for changes to take effect")
	}
}

// applyTasks registers next and drops the tasks no longer configured.
// Unchanged tasks keep their handler.
func (a *App) applyTasks(prev, next map[string]config.TaskConfig) error {
	for name := range prev {
		if _, ok := next[name]; !ok {
			a.engine.Unregister(name)
		}
	}
	var errs []error
	for name, tc := range next {
		if old, ok := prev[name]; ok && reflect.DeepEqual(old, tc) {
			continue
		}
		h, opt, err := buildHandler(name, tc, a.fg, a.log)
		if err == nil {
			err = a.engine.Register(name, h, opt)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
