package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one published notification.
type Event struct {
	Type      EventType      `json:"type"`
	Module    string         `json:"module"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Handler receives delivered events. A handler that panics is isolated by
// the Bus and never brings down another subscriber's delivery.
type Handler func(*Event)

// Bus is a single process-wide publish/subscribe hub. Subscribers register
// per EventType; Emit delivers synchronously but recovers from and logs a
// panicking handler rather than letting it propagate.
type Bus struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:      log.With().Str("component", "events.Bus").Logger(),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	idx := len(b.handlers[eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[eventType]
		if idx < 0 || idx >= len(hs) {
			return
		}
		b.handlers[eventType] = append(hs[:idx], hs[idx+1:]...)
	}
}

// Emit publishes an event to every subscriber of its type.
func (b *Bus) Emit(eventType EventType, module string, data map[string]any) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		return
	}

	evt := &Event{
		Type:      eventType,
		Module:    module,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, h := range hs {
		b.dispatch(h, evt)
	}
}

func (b *Bus) dispatch(h Handler, evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(evt.Type)).
				Msg("event handler panicked, isolating")
		}
	}()
	h(evt)
}
