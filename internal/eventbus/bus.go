package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "fgsvc/pkg/logx"
)

// Event is one service signal. Publishing never blocks: a subscriber whose
// buffer is full misses the event and the bus counts the drop.
//
// Data should be small and JSON-serializable; sinks forward it as-is.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events of the listed types, or all events when
	// types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// DropCounter is implemented by buses that count undelivered events.
type DropCounter interface {
	Dropped() uint64
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch    chan Event
	types []string
}

func (s *subscription) wants(t string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer), types: slices.Clone(types)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Closing under the write lock keeps Publish from sending on a
			// closed channel.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Dropped reports undelivered events for buses that count them.
func Dropped(bus Bus) uint64 {
	if dc, ok := bus.(DropCounter); ok {
		return dc.Dropped()
	}
	return 0
}

// Emit publishes e on bus and never fails the caller: a nil bus is ignored
// and a panicking Bus implementation is recovered and logged.
func Emit(bus Bus, log logx.Logger, e Event) {
	if bus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("event emission failed", logx.String("type", e.Type), logx.Any("panic", r))
		}
	}()
	bus.Publish(e)
}
