package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives events for a subscribed type.
type Handler func(*Event)

// Bus is the in-process event bus. Dispatch is synchronous and in
// subscription order, so emissions on one goroutine preserve per-key
// ordering end-to-end; anything expensive belongs on the job queue, not
// in a handler.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish dispatches an already-built envelope to all subscribers of its
// type, recovering from handler panics so one bad subscriber cannot take
// down the shard that emitted.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(event, h)
	}

	b.log.Trace().
		Str("event_type", string(event.Type)).
		Str("partition_key", event.PartitionKey).
		Int("handlers", len(handlers)).
		Msg("Event published")
}

// Emit wraps a payload in a fresh envelope and publishes it.
func (b *Bus) Emit(source string, data EventData) *Event {
	event := NewEvent(source, data)
	b.Publish(event)
	return event
}

func (b *Bus) dispatch(event *Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Str("event_id", event.EventID).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
