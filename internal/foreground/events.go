package foreground

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/scheduler"
	logx "fgsvc/pkg/logx"
)

const actionTimeout = 10 * time.Second

type actionTable struct {
	mu sync.RWMutex
	m  map[string]string
}

func newActionTable(m map[string]string) *actionTable {
	t := &actionTable{}
	t.set(m)
	return t
}

func (t *actionTable) set(m map[string]string) {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		if k = strings.TrimSpace(k); k != "" && strings.TrimSpace(v) != "" {
			cp[k] = strings.TrimSpace(v)
		}
	}
	t.mu.Lock()
	t.m = cp
	t.mu.Unlock()
}

func (t *actionTable) lookup(payload string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.m[payload]
	return task, ok
}

func (t *actionTable) snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.m)
}

// Run consumes bus events until ctx ends: button clicks dispatch their
// mapped task, and recovery and state events feed metrics.
func (s *Service) Run(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := s.bus.Subscribe(64,
		eventbus.TypeNotificationClicked,
		eventbus.TypeServiceRecovery,
		eventbus.TypeServiceStateChanged,
	)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, e)
		}
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.NotificationClicked:
		s.metrics.Click(d.Source)
		s.click(ctx, d)
	case eventbus.ServiceRecovery:
		s.metrics.Recovery(d.Kind)
	case eventbus.StateChanged:
		s.metrics.RunningCount(d.Running)
	}
}

func (s *Service) click(ctx context.Context, c eventbus.NotificationClicked) {
	task, ok := s.actions.lookup(c.Payload)
	if !ok {
		s.log.Debug("click without action", logx.Int("id", c.ID), logx.String("payload", c.Payload))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	d := scheduler.Descriptor{
		Name: task,
		Payload: map[string]any{
			"notification_id": c.ID,
			"source":          c.Source,
			"action":          c.Payload,
		},
	}
	if err := s.RunTask(ctx, d); err != nil {
		// RunTask already reported it.
		return
	}
	s.log.Info("click action dispatched", logx.String("task", task), logx.String("source", c.Source))
}
