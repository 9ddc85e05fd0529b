package eventsink

import (
	"context"
	"encoding/json"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/storage"
)

// Journal appends service errors, recovery events and task failures to the
// storage event journal.
type Journal struct {
	store storage.Store
}

func NewJournal(st storage.Store) *Journal { return &Journal{store: st} }

func (j *Journal) Name() string { return "journal" }

func (j *Journal) Publish(ctx context.Context, e eventbus.Event) error {
	entry := storage.JournalEntry{At: e.Time, Type: e.Type}
	switch d := e.Data.(type) {
	case eventbus.ServiceError:
		entry.Code, entry.Message = d.Code, d.Op+": "+d.Message
	case eventbus.ServiceRecovery:
		entry.Code, entry.Message = d.Kind, d.Reason
	case eventbus.TaskEvent:
		if d.Error == "" {
			return nil
		}
		entry.Code, entry.Message = d.Code, d.Task+": "+d.Error
	default:
		return nil
	}
	if b, err := json.Marshal(e.Data); err == nil {
		entry.DataJSON = string(b)
	}
	return j.store.AppendEvent(ctx, entry)
}

// Close leaves the store open; its owner closes it.
func (j *Journal) Close() error { return nil }
