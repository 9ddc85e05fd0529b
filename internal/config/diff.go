package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fgsvc/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) safe
// structured attrs for logging (never secrets), and (3) the changed
// sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		restart []string
		attrs   = make([]logx.Field, 0, 16)
	)
	mark := func(section string, needsRestart bool, fields ...logx.Field) {
		changed = append(changed, section)
		if needsRestart {
			restart = append(restart, section)
		}
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Telegram: compare without logging the token.
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		tg := newCfg.Telegram
		if tg == nil {
			tg = &TelegramConfig{}
		}
		mark("telegram", true,
			logx.Bool("telegram.enabled", newCfg.Telegram != nil),
			logx.Bool("telegram.token_changed", tokenOf(oldCfg.Telegram) != tokenOf(newCfg.Telegram)),
			logx.Int("telegram.owner_count", len(tg.OwnerUserIDs)),
			logx.Int("telegram.channel_count", len(tg.Channels)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Host, newCfg.Host) {
		mark("host", true, logx.String("host.driver", newCfg.Host.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Notification, newCfg.Notification) {
		mark("notification", true, logx.String("notification.renderers", strings.Join(newCfg.Notification.Renderers, ",")))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", false, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		te := newCfg.TaskEngine
		mark("task_engine", false,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.String("task_engine.default_timeout", te.DefaultTimeout),
		)
	}
	if names := diffKeys(oldCfg.Tasks, newCfg.Tasks); len(names) > 0 {
		mark("tasks", false, logx.String("tasks.changed", strings.Join(names, ",")))
	}
	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		mark("triggers", false, logx.Int("triggers.count", len(newCfg.Triggers)))
	}
	if !reflect.DeepEqual(oldCfg.Actions, newCfg.Actions) {
		mark("actions", false, logx.Int("actions.count", len(newCfg.Actions)))
	}
	if !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery) {
		mark("recovery", false,
			logx.Bool("recovery.enabled", newCfg.Recovery.Enabled),
			logx.String("recovery.interval", newCfg.Recovery.Interval),
			logx.String("recovery.throttle", newCfg.Recovery.Throttle),
			logx.Int("recovery.max_attempts", newCfg.Recovery.MaxAttempts),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", true, logx.String("storage.driver", driver))
	}

	// Observability: never log the token itself.
	oh, nh := oldCfg.Observability.HTTP, newCfg.Observability.HTTP
	if !reflect.DeepEqual(oh, nh) {
		mark("observability", false,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", nh.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		mark("events", true,
			logx.Bool("events.nats", newCfg.Events.NATS != nil),
			logx.Bool("events.mqtt", newCfg.Events.MQTT != nil),
			logx.Bool("events.alerts", newCfg.Events.Alerts != nil),
		)
	}
	if oldCfg.Platform != newCfg.Platform {
		mark("platform", false, logx.String("platform.vendor", newCfg.Platform.Vendor))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func tokenOf(tg *TelegramConfig) string {
	if tg == nil {
		return ""
	}
	return strings.TrimSpace(tg.Token)
}

func diffKeys[V any](oldM, newM map[string]V) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for name := range set {
		o, okOld := oldM[name]
		n, okNew := newM[name]
		if okOld != okNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
