// Package eventsink forwards bus events to external systems. Each
// publisher gets its own subscription so a slow broker cannot delay others.
package eventsink

import (
	"context"
	"fmt"
	"time"

	"fgsvc/internal/eventbus"
	rtsup "fgsvc/internal/runtime/supervisor"
	logx "fgsvc/pkg/logx"
)

// Publisher delivers one event. Publish should honour ctx.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e eventbus.Event) error
	Close() error
}

const (
	publishTimeout = 10 * time.Second
	subBuffer      = 64
)

type Forwarder struct {
	bus  eventbus.Bus
	log  logx.Logger
	pubs []Publisher
	sup  *rtsup.Supervisor
}

func NewForwarder(bus eventbus.Bus, log logx.Logger, pubs ...Publisher) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{bus: bus, log: log.With(logx.String("comp", "eventsink")), pubs: pubs}
}

// Len reports the number of configured publishers.
func (f *Forwarder) Len() int { return len(f.pubs) }

func (f *Forwarder) Start(ctx context.Context) {
	if f.sup != nil || len(f.pubs) == 0 {
		return
	}
	f.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(f.log), rtsup.WithCancelOnError(false))
	for _, p := range f.pubs {
		ch, unsub := f.bus.Subscribe(subBuffer)
		f.sup.Go0("sink."+p.Name(), func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-ch:
					if !ok {
						return
					}
					f.deliver(c, p, e)
				}
			}
		})
	}
	f.log.Info("event sinks started", logx.Int("count", len(f.pubs)))
}

func (f *Forwarder) deliver(ctx context.Context, p Publisher, e eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Warn("event sink panicked", logx.String("sink", p.Name()), logx.String("type", e.Type), logx.Any("panic", r))
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.Publish(pctx, e); err != nil {
		f.log.Warn("event sink publish failed", logx.String("sink", p.Name()), logx.String("type", e.Type), logx.Err(err))
	}
}

// Stop ends delivery and closes every publisher.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.sup != nil {
		f.sup.Cancel()
		if err := f.sup.Wait(ctx); err != nil {
			f.log.Debug("event sinks stop", logx.Err(err))
		}
		f.sup = nil
	}
	var errs []error
	for _, p := range f.pubs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close sinks: %v", errs)
	}
	return nil
}
