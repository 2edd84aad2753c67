package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shaiso/flowengine/internal/domain"
	"github.com/shaiso/flowengine/internal/telemetry"
)

// Handler reacts to one dispatched event. It may itself call Publish,
// including recursively (a persistence handler republishing the
// persisted copy of the event it just appended).
type Handler func(ctx context.Context, event domain.Event)

// Unsubscribe removes the handler it was returned for.
type Unsubscribe func()

// Bus is a process-wide, synchronous publish/subscribe keyed by event
// type. It has no background goroutines of its own: Publish runs every
// matching handler on the calling goroutine, in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventType][]*subscription
	seq      uint64
	logger   *slog.Logger
}

type subscription struct {
	id      uint64
	handler Handler
}

// New constructs an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[domain.EventType][]*subscription),
		logger:   logger,
	}
}

// OnType registers handler for event.Type == typ. Returned Unsubscribe
// removes exactly this registration; calling it more than once is safe.
func (b *Bus) OnType(typ domain.EventType, handler Handler) Unsubscribe {
	b.mu.Lock()
	b.seq++
	sub := &subscription{id: b.seq, handler: handler}
	b.handlers[typ] = append(b.handlers[typ], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[typ]
		for i, s := range subs {
			if s.id == sub.id {
				b.handlers[typ] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish dispatches event to every handler registered for event.Type,
// in registration order, awaiting each before invoking the next.
// Handler panics are recovered and logged, not propagated; Publish itself
// never returns an error because the bus guarantees in-process delivery
// completed, not that every handler succeeded.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	telemetry.Metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[event.Type]))
	copy(subs, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(ctx, sub.handler, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, handler Handler, event domain.Event) {
	ctx, span := telemetry.StartSpan(ctx, "bus.dispatch."+string(event.Type))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: handler panicked",
				"eventType", event.Type, "runId", event.RunID, "panic", r)
		}
	}()
	handler(ctx, event)
}
