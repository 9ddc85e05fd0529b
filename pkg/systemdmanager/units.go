// Package systemdmanager controls systemd units over D-Bus.
//
// Only linux builds talk to systemd; other platforms get ErrUnsupported.
package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// Status is the lightweight state of one unit.
type Status struct {
	Unit          string
	Active        string // active, inactive, failed, activating, ...
	SubState      string // running, dead, ...
	LoadState     string // loaded, not-found, ...
	Description   string
	ActiveSince   time.Time
	InactiveSince time.Time
}

// Running reports whether the unit is active (or about to be).
func (s Status) Running() bool {
	return s.Active == "active" || s.Active == "reloading"
}

// Found reports whether systemd knows the unit.
func (s Status) Found() bool { return s.LoadState != "not-found" }

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suffix := range []string{".service", ".scope", ".target", ".timer", ".socket", ".slice"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return name + ".service"
}

// IsNoSuchUnit reports errors systemd returns for unknown units.
func IsNoSuchUnit(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found") || strings.Contains(es, "not loaded")
}

// IsAccessDenied reports D-Bus / polkit authorization failures.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "AccessDenied") ||
		strings.Contains(es, "InteractiveAuthorizationRequired") ||
		strings.Contains(es, "Access denied")
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}
