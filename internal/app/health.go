package app

import (
	"context"
	"time"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/lifecycle"
	"fgsvc/internal/recovery"
	rtsup "fgsvc/internal/runtime/supervisor"
)

// Health is the /healthz body.
type Health struct {
	Running     int                       `json:"running"`
	Instance    *lifecycle.Instance       `json:"instance,omitempty"`
	Monitoring  bool                      `json:"monitoring"`
	Snapshot    *eventbus.HealthSnapshot  `json:"snapshot,omitempty"`
	ActiveLoop  string                    `json:"active_loop,omitempty"`
	Tasks       []string                  `json:"tasks"`
	QueueLen    int                       `json:"queue_len"`
	Dropped     uint64                    `json:"dropped"`
	EventsLost  uint64                    `json:"events_lost"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	FirstError  string                    `json:"first_error,omitempty"`
}

// health reports unhealthy when the app supervisor saw a fatal error or the
// latest check found the declared and observed state disagreeing.
func (a *App) health(ctx context.Context) (any, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	es := a.engine.Snapshot()
	h := Health{
		Running:     a.fg.IsRunning(ctx),
		Instance:    a.fg.Instance(),
		Monitoring:  a.fg.Monitoring(),
		Snapshot:    a.fg.Snapshot(),
		ActiveLoop:  a.fg.ActiveLoop(ctx),
		Tasks:       es.Tasks,
		QueueLen:    es.QueueLen,
		Dropped:     es.Dropped,
		EventsLost:  eventbus.Dropped(a.bus),
		Supervisors: a.sups.Snapshots(),
	}
	if a.router != nil {
		if s := a.router.Supervisor(); s != nil {
			h.Supervisors["commands"] = s.Snapshot()
		}
	}
	ok := true
	if err := a.Err(); err != nil {
		h.FirstError = err.Error()
		ok = false
	}
	if h.Snapshot != nil && h.Snapshot.Inconsistency != recovery.None {
		ok = false
	}
	return h, ok
}
