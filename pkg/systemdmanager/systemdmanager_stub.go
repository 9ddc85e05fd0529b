//go:build !linux

package systemdmanager

import (
	"context"
	"syscall"
)

type Manager struct{}

func New(context.Context, bool) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error                                     { return nil }
func (m *Manager) StartContext(context.Context, string) error       { return ErrUnsupported }
func (m *Manager) StopContext(context.Context, string) error        { return ErrUnsupported }
func (m *Manager) ResetFailedContext(context.Context, string) error { return ErrUnsupported }
func (m *Manager) KillContext(context.Context, string, syscall.Signal) error {
	return ErrUnsupported
}
func (m *Manager) StatusContext(context.Context, string) (*Status, error) {
	return nil, ErrUnsupported
}
