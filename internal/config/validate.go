package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var knownRenderers = map[string]bool{"telegram": true, "sdnotify": true}

// CronParser accepts 5-field and 6-field (with seconds) specs plus
// descriptors such as "@every 5m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when file logging is enabled")
	}

	if tg := cfg.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" {
			add("telegram.token is required")
		}
		dur("telegram.poll_timeout", tg.PollTimeout)
		for name, t := range tg.Channels {
			if t.ChatID == 0 {
				add("telegram.channels.%s.chat_id is required", name)
			}
		}
	}
	if cfg.Logging.Telegram.Enabled && (cfg.Telegram == nil || (cfg.Telegram.LogChat == 0 && cfg.Telegram.ChatID == 0)) {
		add("logging.telegram requires telegram.log_chat or telegram.chat_id")
	}

	h := cfg.Host
	switch h.Driver {
	case "", "process":
		if len(h.Command) == 0 || strings.TrimSpace(h.Command[0]) == "" {
			add("host.command is required for the process driver")
		}
	case "systemd":
		if strings.TrimSpace(h.Unit) == "" {
			add("host.unit is required for the systemd driver")
		}
	default:
		add("host.driver: unknown driver %q", h.Driver)
	}
	for _, t := range h.DeclaredTypes {
		if !t.Known() {
			add("host.declared_types: unknown service type %q", t)
		}
	}
	dur("host.stop_grace", h.StopGrace)
	dur("host.observe_ttl", h.ObserveTTL)
	dur("host.soft_stop_timeout", h.SoftStopTimeout)
	dur("host.hard_stop_timeout", h.HardStopTimeout)

	for _, r := range cfg.Notification.Renderers {
		if !knownRenderers[r] {
			add("notification.renderers: unknown renderer %q", r)
		}
		if r == "telegram" && (cfg.Telegram == nil || (cfg.Telegram.ChatID == 0 && len(cfg.Telegram.Channels) == 0)) {
			add("notification.renderers: telegram requires telegram.chat_id or telegram.channels")
		}
	}
	if a := cfg.Notification.Autostart; a != nil {
		if err := a.WithDefaults().Validate(); err != nil {
			add("notification.autostart: %w", err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %w", err)
		}
	}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		add("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	dur("task_engine.default_timeout", te.DefaultTimeout)
	dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	dur("task_engine.circuit_base_delay", te.CircuitBaseDelay)
	dur("task_engine.circuit_max_delay", te.CircuitMaxDelay)

	for name, t := range cfg.Tasks {
		if strings.TrimSpace(name) == "" {
			add("tasks: empty task name")
		}
		switch t.Type {
		case "exec":
			if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
				add("tasks.%s.command is required for exec tasks", name)
			}
		case "log", "notify":
		default:
			add("tasks.%s.type: unknown type %q", name, t.Type)
		}
		dur("tasks."+name+".timeout", t.Timeout)
	}

	seen := map[string]bool{}
	for i, tr := range cfg.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if tr.Name == "" {
			add("%s.name is required", path)
		} else if seen[tr.Name] {
			add("%s: duplicate trigger name %q", path, tr.Name)
		}
		seen[tr.Name] = true
		if _, ok := cfg.Tasks[tr.Task]; !ok {
			add("%s.task: unknown task %q", path, tr.Task)
		}
		if _, err := CronParser.Parse(tr.Schedule); err != nil {
			add("%s.schedule: %w", path, err)
		}
		if _, err := TriggerPayload(tr.Payload); err != nil {
			add("%s.payload: %w", path, err)
		}
		dur(path+".delay", tr.Delay)
		dur(path+".loop_delay", tr.LoopDelay)
		if tr.Loop && MustDuration(tr.LoopDelay, 0) <= 0 {
			add("%s.loop_delay must be > 0 when loop is set", path)
		}
	}

	for payload, task := range cfg.Actions {
		if _, ok := cfg.Tasks[task]; !ok {
			add("actions.%s: unknown task %q", payload, task)
		}
	}

	dur("recovery.interval", cfg.Recovery.Interval)
	dur("recovery.settle_delay", cfg.Recovery.SettleDelay)
	dur("recovery.max_settle", cfg.Recovery.MaxSettle)
	dur("recovery.throttle", cfg.Recovery.Throttle)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required")
			}
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if hc := cfg.Observability.HTTP; hc.Enabled {
		if err := validateListen(hc); err != nil {
			add("observability.http: %w", err)
		}
		dur("observability.http.read_timeout", hc.ReadTimeout)
		dur("observability.http.write_timeout", hc.WriteTimeout)
		dur("observability.http.idle_timeout", hc.IdleTimeout)
	}

	if n := cfg.Events.NATS; n != nil && strings.TrimSpace(n.URL) == "" {
		add("events.nats.url is required")
	}
	if m := cfg.Events.MQTT; m != nil {
		if strings.TrimSpace(m.Broker) == "" {
			add("events.mqtt.broker is required")
		}
		if m.QoS > 2 {
			add("events.mqtt.qos must be 0, 1 or 2")
		}
	}
	if a := cfg.Events.Alerts; a != nil && len(a.URLs) == 0 {
		add("events.alerts.urls must not be empty")
	}

	return errors.Join(errs...)
}

// validateListen refuses non-loopback listeners without a token unless
// allow_insecure is set.
func validateListen(hc HTTPConfig) error {
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("addr %q: %w", addr, err)
	}
	if hc.AllowInsecure || strings.TrimSpace(hc.Token) != "" {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("addr %q is not loopback; set token or allow_insecure", addr)
}

// TriggerPayload decodes a trigger payload. It must be a JSON object whose
// values are strings, numbers, booleans or null.
func TriggerPayload(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for k, v := range m {
		switch v.(type) {
		case nil, string, float64, bool:
		default:
			return nil, fmt.Errorf("key %q: only primitive values are allowed", k)
		}
	}
	return m, nil
}
