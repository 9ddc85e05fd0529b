package engine

import (
	"errors"
	"fmt"
	"time"
)

// Dispatch refusals. None of them ran the handler.
var (
	ErrStopped     = errors.New("task runner is not running")
	ErrStopping    = errors.New("task runner is shutting down")
	ErrQueueFull   = errors.New("task queue is full")
	ErrUnknownTask = errors.New("unknown task")
	ErrCircuitOpen = errors.New("task circuit is open")
)

var reasons = map[error]string{
	ErrStopped:     "stopped",
	ErrStopping:    "stopping",
	ErrQueueFull:   "queue_full",
	ErrUnknownTask: "unknown_task",
	ErrCircuitOpen: "circuit_open",
}

// Reason is the label a refusal carries in metrics and task.dropped events.
func Reason(err error) string {
	for sentinel, r := range reasons {
		if errors.Is(err, sentinel) {
			return r
		}
	}
	return "error"
}

// NoRetry stops the retry loop after this attempt:
//
//	return engine.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &attemptError{err: err, final: true}
}

// RetryAfter asks for the next attempt no sooner than after. The engine
// caps it at RetryMaxDelay and adds jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &attemptError{err: err, after: max(0, after)}
}

func IsNoRetry(err error) bool {
	var e *attemptError
	return errors.As(err, &e) && e.final
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// attemptError annotates a handler error with retry instructions.
type attemptError struct {
	err   error
	final bool
	after time.Duration
}

func (e *attemptError) Error() string {
	if e.final {
		return fmt.Sprintf("%v (not retried)", e.err)
	}
	return fmt.Sprintf("%v (retry after %s)", e.err, e.after)
}

func (e *attemptError) Unwrap() error { return e.err }

func (e *attemptError) RetryAfter() time.Duration { return e.after }
