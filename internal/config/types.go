package config

import (
	"encoding/json"

	"fgsvc/internal/notification"
)

// Config is the daemon configuration file. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Telegram     *TelegramConfig    `json:"telegram,omitempty"`
	Host         HostConfig         `json:"host"`
	Notification NotificationConfig `json:"notification"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	TaskEngine   TaskEngineConfig   `json:"task_engine"`

	// Tasks maps a task name to the handler that runs it.
	Tasks    map[string]TaskConfig `json:"tasks,omitempty"`
	Triggers []TriggerConfig       `json:"triggers,omitempty"`
	// Actions maps a notification button payload to a task name.
	Actions map[string]string `json:"actions,omitempty"`

	Recovery      RecoveryConfig      `json:"recovery"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Observability ObservabilityConfig `json:"observability"`
	Events        EventsConfig        `json:"events"`
	Platform      PlatformConfig      `json:"platform"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above MinLevel to telegram.log_chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// OwnerUserIDs may use the operator commands (/status, /stop, ...).
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// ChatID receives notifications for channels without an entry in Channels.
	ChatID   int64                 `json:"chat_id"`
	ThreadID int                   `json:"thread_id,omitempty"`
	Channels map[string]ChatTarget `json:"channels,omitempty"`
	// LogChat receives forwarded log records; defaults to ChatID.
	LogChat int64 `json:"log_chat,omitempty"`
}

type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// HostConfig selects what keeps the service alive at the OS level.
//
// Driver values:
//   - "process": a supervised child process (Command)
//   - "systemd": a systemd unit (Unit)
type HostConfig struct {
	Driver string `json:"driver"`

	Command   []string `json:"command,omitempty"`
	Env       []string `json:"env,omitempty"`
	StopGrace string   `json:"stop_grace,omitempty"`
	// Match is a command line substring used to find a stray child after a
	// restart of the daemon itself.
	Match string `json:"match,omitempty"`

	Unit    string `json:"unit,omitempty"`
	UserBus bool   `json:"user_bus,omitempty"`

	// DeclaredTypes plays the manifest role: starting with a service type
	// not listed here fails with PERMISSION_DENIED.
	DeclaredTypes []notification.ServiceType `json:"declared_types,omitempty"`

	// ObserveTTL caches running-state observations; "0s" disables.
	ObserveTTL      string `json:"observe_ttl,omitempty"`
	SoftStopTimeout string `json:"soft_stop_timeout,omitempty"`
	HardStopTimeout string `json:"hard_stop_timeout,omitempty"`
}

type NotificationConfig struct {
	// Renderers lists "telegram" and/or "sdnotify". The first is primary.
	Renderers []string `json:"renderers,omitempty"`
	// Autostart is started once at boot when nothing was restored.
	Autostart *notification.Config `json:"autostart,omitempty"`
}

type SchedulerConfig struct {
	// Timezone used by cron triggers; empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "5s"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	// CircuitTripFailures < 0 disables the circuit breaker.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}

// TaskConfig describes one named task.
//
// Type values:
//   - "exec": run Command with the payload in the environment
//   - "log": log the payload
//   - "notify": patch the visible notification from the payload
type TaskConfig struct {
	Type    string   `json:"type"`
	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	Timeout  string `json:"timeout,omitempty"`
	RetryMax *int   `json:"retry_max,omitempty"`
}

// TriggerConfig runs a task on a cron schedule ("*/5 * * * *", "@every 1m").
type TriggerConfig struct {
	Name     string          `json:"name"`
	Enabled  *bool           `json:"enabled,omitempty"`
	Schedule string          `json:"schedule"`
	Task     string          `json:"task"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// Delay, Loop and LoopDelay map onto the task descriptor.
	Delay     string `json:"delay,omitempty"`
	Loop      bool   `json:"loop,omitempty"`
	LoopDelay string `json:"loop_delay,omitempty"`
}

func (t TriggerConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

type RecoveryConfig struct {
	// Enabled starts monitoring at boot.
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval,omitempty"`
	SettleDelay string `json:"settle_delay,omitempty"`
	MaxSettle   string `json:"max_settle,omitempty"`
	// Throttle is the minimum gap between restarts; "0s" disables it.
	Throttle string `json:"throttle,omitempty"`
	// MaxAttempts bounds consecutive failed restarts; negative is unbounded.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fgsvc.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	JournalMax  int    `json:"journal_max,omitempty"`
}

type ObservabilityConfig struct {
	HTTP HTTPConfig `json:"http"`
}

// HTTPConfig controls the /healthz, /metrics and /debug/pprof/ server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// EventsConfig forwards bus events to external systems.
type EventsConfig struct {
	NATS   *NATSConfig   `json:"nats,omitempty"`
	MQTT   *MQTTConfig   `json:"mqtt,omitempty"`
	Alerts *AlertsConfig `json:"alerts,omitempty"`
}

type NATSConfig struct {
	URL string `json:"url"`
	// Subject prefix; events go to <subject>.<event type>.
	Subject string `json:"subject,omitempty"`
	Name    string `json:"name,omitempty"`
	Token   string `json:"token,omitempty"`
}

type MQTTConfig struct {
	Broker   string `json:"broker"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Topic prefix; events go to <topic>/<event type>, state to <topic>/state.
	Topic string `json:"topic,omitempty"`
	QoS   byte   `json:"qos,omitempty"`
}

// AlertsConfig sends selected events through shoutrrr service URLs.
type AlertsConfig struct {
	URLs []string `json:"urls"`
	// Types defaults to service.error and service.recovery.
	Types      []string `json:"types,omitempty"`
	RatePerMin int      `json:"rate_per_min,omitempty"`
}

type PlatformConfig struct {
	// Vendor overrides detection.
	Vendor string `json:"vendor,omitempty"`
}
