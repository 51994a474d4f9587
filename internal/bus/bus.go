// Package bus is an in-process pub/sub of run lifecycle events. The runner
// emits; the store, web feed, metrics and MQTT publisher subscribe.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventRunStarted   = "run_started"
	EventRunFinished  = "run_finished"
	EventTestStarted  = "test_started"
	EventTestFinished = "test_finished"
	EventTestBlocked  = "test_blocked"
	EventWatchdog     = "watchdog"
)

// Event is one lifecycle notification.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		handlers:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger.With("component", "bus"),
	}
}

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit stamps ev if needed and sends it to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[ev.Type])+len(b.allHandlers))
	for _, h := range b.handlers[ev.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "type", ev.Type, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
