// Package event is the proxy's synchronous extension point. Handlers run in
// subscription order on the publisher's goroutine and may mutate the event.
package event

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// HandlerFunc handles one event. Returned errors are logged and do not stop
// later handlers.
type HandlerFunc func(ctx context.Context, ev Event) error

// Bus dispatches events to handlers in the order they subscribed
type Bus struct {
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[Type][]handlerEntry
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewBus creates an event bus. log may be nil.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:      log,
		handlers: make(map[Type][]handlerEntry),
	}
}

// Subscribe registers handler for events of type t. The name is used for
// logging and for Unsubscribe.
func (b *Bus) Subscribe(t Type, name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[t] = append(b.handlers[t], handlerEntry{name: name, handler: handler})
	b.log.Debug("Subscribed to event", zap.String("event", string(t)), zap.String("handler", name))
}

// Unsubscribe removes the named handler from events of type t
func (b *Bus) Unsubscribe(t Type, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[t]
	filtered := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	b.handlers[t] = filtered
}

// Publish runs every handler for ev in order and returns ev, as mutated by
// the handlers
func (b *Bus) Publish(ctx context.Context, ev Event) Event {
	b.mu.RLock()
	handlers := append([]handlerEntry(nil), b.handlers[ev.Type()]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(ctx, h, ev)
	}
	return ev
}

func (b *Bus) call(ctx context.Context, h handlerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked",
				zap.String("event", string(ev.Type())),
				zap.String("handler", h.name),
				zap.Any("panic", r))
		}
	}()
	if err := h.handler(ctx, ev); err != nil {
		b.log.Warn("Event handler returned error",
			zap.String("event", string(ev.Type())),
			zap.String("handler", h.name),
			zap.Error(err))
	}
}

// HandlerCount returns the number of handlers registered for t
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
