// Package host owns the OS-level presence that keeps the service alive.
package host

import (
	"context"

	"fgsvc/internal/notification"
)

// Host starts and stops the OS-level foreground presence and reports
// whether the OS currently sees it running.
type Host interface {
	Name() string
	// Start brings the presence up. Starting an already running presence is a no-op.
	Start(ctx context.Context, kind notification.ServiceType) error
	// Stop asks the presence to exit.
	Stop(ctx context.Context) error
	// Kill forces the presence down.
	Kill(ctx context.Context) error
	// Running queries the OS, never in-process bookkeeping.
	Running(ctx context.Context) (bool, error)
}
