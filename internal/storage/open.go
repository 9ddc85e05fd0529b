package storage

import (
	"context"
	"errors"
	"strings"

	"fgsvc/internal/notification"
	logx "fgsvc/pkg/logx"
)

// Store is the persistence API used by the lifecycle controller and the
// event journal.
type Store interface {
	// LastConfig returns nil, nil when nothing is stored.
	LastConfig(ctx context.Context) (*notification.Config, error)
	PutLastConfig(ctx context.Context, cfg notification.Config) error
	ClearLastConfig(ctx context.Context) error

	AppendEvent(ctx context.Context, e JournalEntry) error
	// RecentEvents returns up to limit entries, oldest first.
	RecentEvents(ctx context.Context, limit int) ([]JournalEntry, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
