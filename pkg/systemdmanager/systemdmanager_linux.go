//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager handles systemd unit operations over one D-Bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to the system bus. User selects the per-user manager instead.
func New(ctx context.Context, user bool) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		conn *dbus.Conn
		err  error
	)
	if user {
		conn, err = dbus.NewUserConnectionContext(ctx)
	} else {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) current() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, fmt.Errorf("systemd connection is closed")
	}
	return m.conn, nil
}

// StartContext starts unit and waits for the job to finish.
func (m *Manager) StartContext(ctx context.Context, unit string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	name := UnitName(unit)
	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return waitJob(ctx, "start", name, done)
}

// StopContext stops unit and waits for the job to finish.
func (m *Manager) StopContext(ctx context.Context, unit string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	name := UnitName(unit)
	done := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return waitJob(ctx, "stop", name, done)
}

// KillContext signals every process of unit.
func (m *Manager) KillContext(ctx context.Context, unit string, sig syscall.Signal) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	name := UnitName(unit)
	if err := conn.KillUnitWithTarget(ctx, name, dbus.All, int32(sig)); err != nil {
		return fmt.Errorf("failed to kill %s: %w", name, err)
	}
	return nil
}

// ResetFailedContext clears a failed state so the unit can be started again.
func (m *Manager) ResetFailedContext(ctx context.Context, unit string) error {
	conn, err := m.current()
	if err != nil {
		return err
	}
	return conn.ResetFailedUnitContext(ctx, UnitName(unit))
}

// StatusContext is a cheap lookup intended for high-frequency checks.
//
// It uses ListUnitsByNames for the core state and only pulls the property map
// when the unit is down, to fetch the inactive-since timestamp.
func (m *Manager) StatusContext(ctx context.Context, unit string) (*Status, error) {
	conn, err := m.current()
	if err != nil {
		return nil, err
	}
	name := UnitName(unit)

	units, err := conn.ListUnitsByNamesContext(ctx, []string{name})
	if err == nil && len(units) > 0 {
		u := units[0]
		st := &Status{
			Unit:        name,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if !st.Found() || st.Running() {
			return st, nil
		}
		if props, perr := conn.GetUnitPropertiesContext(ctx, name); perr == nil {
			st.ActiveSince = parseTimestamp(props, "ActiveEnterTimestamp")
			st.InactiveSince = parseTimestamp(props, "InactiveEnterTimestamp")
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if IsNoSuchUnit(err) {
			return &Status{Unit: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", name, err)
	}
	return &Status{
		Unit:          name,
		Active:        stringProp(props, "ActiveState"),
		SubState:      stringProp(props, "SubState"),
		LoadState:     stringProp(props, "LoadState"),
		Description:   stringProp(props, "Description"),
		ActiveSince:   parseTimestamp(props, "ActiveEnterTimestamp"),
		InactiveSince: parseTimestamp(props, "InactiveEnterTimestamp"),
	}, nil
}

func waitJob(ctx context.Context, op, unit string, done <-chan string) error {
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", op, unit, res)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", op, unit, ctx.Err())
	}
}
