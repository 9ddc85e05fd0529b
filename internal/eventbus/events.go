package eventbus

import "time"

// Event types published by the supervisor.
const (
	TypeServiceError        = "service.error"
	TypeServiceStateChanged = "service.state_changed"
	TypeServiceRecovery     = "service.recovery"
	TypeTaskError           = "task.error"
	TypeTaskExecuted        = "task.executed"
	TypeTaskDropped         = "task.dropped"
	TypeNotificationClicked = "notification.clicked"
)

// Recovery event kinds carried by ServiceRecovery.Kind.
const (
	RecoveryInconsistency = "service_state_inconsistency"
	RecoveryRestarted     = "service_restarted"
	RecoveryFailed        = "recovery_failed"
	RecoveryThrottled     = "recovery_throttled"
	RecoveryMaxAttempts   = "recovery_max_attempts_reached"
)

// ServiceError reports a failed caller-facing operation.
type ServiceError struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateChanged reports a transition of the running count.
type StateChanged struct {
	Running  int `json:"running"`
	Previous int `json:"previous"`
}

// HealthSnapshot is the reconciliation result of one monitor tick.
type HealthSnapshot struct {
	DeclaredRunning bool      `json:"declared_running"`
	ObservedRunning bool      `json:"observed_running"`
	Inconsistency   string    `json:"inconsistency"`
	RunningCount    int       `json:"running_count"`
	InstanceAlive   bool      `json:"instance_alive"`
	CheckedAt       time.Time `json:"checked_at"`
}

// ServiceRecovery is the payload of TypeServiceRecovery.
type ServiceRecovery struct {
	Kind     string          `json:"kind"`
	Snapshot *HealthSnapshot `json:"snapshot,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
}

// TaskEvent describes one headless task execution.
type TaskEvent struct {
	RunID      string        `json:"run_id"`
	Task       string        `json:"task"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Code       string        `json:"code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// NotificationClicked reports a press on a rendered notification button.
type NotificationClicked struct {
	ID      int    `json:"id"`
	Source  string `json:"source"`
	Payload string `json:"payload,omitempty"`
}
