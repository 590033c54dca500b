// Package event is a small notification hub. Admin changes and logins are
// emitted here and pushed to WebSocket subscribers.
//
// Events carry identifiers only. Clients fetch the current object through
// the admin API after receiving a notification.
package event

import (
	"log/slog"
	"sync"
)

// Event is the interface all event types must implement.
type Event interface {
	// EventName returns the unique name for this event type (e.g., "admin.objectAdded")
	EventName() string
}

// Listener is a callback function for handling events.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Emitter manages event subscriptions and dispatching.
type Emitter struct {
	mu           sync.RWMutex
	nextID       uint64
	listeners    map[string][]subscription // eventName -> listeners
	allListeners []subscription            // listeners for all events
	log          *slog.Logger
}

// NewEmitter creates a new event emitter. A nil logger discards debug output.
func NewEmitter(log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Emitter{
		listeners: make(map[string][]subscription),
		log:       log,
	}
}

// On subscribes to a specific event type.
// Returns an unsubscribe function.
func (e *Emitter) On(eventName string, fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[eventName] = append(e.listeners[eventName], subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.listeners[eventName] = without(e.listeners[eventName], id)
		if len(e.listeners[eventName]) == 0 {
			delete(e.listeners, eventName)
		}
	}
}

// OnAny subscribes to all events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.allListeners = append(e.allListeners, subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.allListeners = without(e.allListeners, id)
	}
}

func without(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Listeners returns the number of listeners that would receive name.
func (e *Emitter) Listeners(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name]) + len(e.allListeners)
}

// Emit dispatches an event to all matching listeners.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	// Copy listeners to avoid holding lock during callbacks
	specific := append([]subscription(nil), e.listeners[ev.EventName()]...)
	all := append([]subscription(nil), e.allListeners...)
	e.mu.RUnlock()

	e.log.Debug("emitting event", "event", ev.EventName(), "specific", len(specific), "wildcard", len(all))

	for _, s := range specific {
		s.fn(ev)
	}
	for _, s := range all {
		s.fn(ev)
	}
}
