// Package svcerr defines the typed failures returned by caller-facing operations.
package svcerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	InvalidConfig       Code = "INVALID_CONFIG"
	RenderFailure       Code = "RENDER_FAILURE"
	PermissionDenied    Code = "PERMISSION_DENIED"
	ServiceError        Code = "SERVICE_ERROR"
	NoActiveService     Code = "NO_ACTIVE_SERVICE"
	ResumeFailed        Code = "RESUME_FAILED"
	TaskError           Code = "TASK_ERROR"
	UnsupportedPlatform Code = "UNSUPPORTED_PLATFORM"
)

// Error is a failure carrying a stable code and a human-readable message.
// Permission is set only for PermissionDenied.
type Error struct {
	Code       Code
	Op         string
	Message    string
	Permission string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	switch {
	case e.Err == nil:
	case msg == "":
		msg = e.Err.Error()
	default:
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, svcerr.New(svcerr.NoActiveService, ""))
// and the sentinel helpers below work across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Message == ""
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches code to err. A nil err yields nil.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// Permission builds a PermissionDenied failure naming the missing permission.
func Permission(name string, err error) *Error {
	return &Error{
		Code:       PermissionDenied,
		Message:    "missing permission " + name,
		Permission: name,
		Err:        err,
	}
}

// WithOp returns a copy of err tagged with the operation name. Non-svcerr
// errors are classified with fallback.
func WithOp(op string, err error, fallback Code) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Op = op
		return &cp
	}
	return &Error{Code: fallback, Op: op, Err: err}
}

// CodeOf returns the code carried by err, or "" when err is not classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Message returns the human-readable message of err without the code prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Ensure keeps an already classified err and wraps anything else with code.
func Ensure(code Code, err error, msg string) error {
	if err == nil || CodeOf(err) != "" {
		return err
	}
	return Wrap(code, err, msg)
}
