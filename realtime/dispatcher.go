package realtime

import (
	"encoding/json"
	"log"
	"sync"
)

// Event is one dispatched occurrence: its kind plus the raw gateway payload.
// Transport-level events (connect, disconnect, connect-error) carry no data.
type Event struct {
	Kind EventKind
	Data json.RawMessage

	// Err is set for connect-error events.
	Err error
}

// Handler consumes dispatched events.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. Cancel is idempotent;
// components own their subscriptions and cancel them on teardown.
type Subscription struct {
	dispatcher *Dispatcher
	kind       EventKind
	id         uint64
	once       sync.Once
}

// Cancel removes the subscription from the dispatcher.
func (s *Subscription) Cancel() {
	if s == nil || s.dispatcher == nil {
		return
	}
	s.once.Do(func() {
		s.dispatcher.remove(s.kind, s.id)
	})
}

type subscriberEntry struct {
	id      uint64
	handler Handler
}

// Dispatcher is a typed publish/subscribe bus decoupling the connection
// manager from the conversation registry. Dispatch is synchronous and runs
// handlers in registration order; one event fully fans out before the next
// queued event is processed.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[EventKind][]subscriberEntry

	// dispatchMu serializes fan-out so no two events interleave handlers.
	dispatchMu sync.Mutex
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventKind][]subscriberEntry)}
}

// Subscribe registers a handler for one event kind and returns its handle.
func (d *Dispatcher) Subscribe(kind EventKind, handler Handler) *Subscription {
	if handler == nil {
		return &Subscription{}
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], subscriberEntry{id: id, handler: handler})
	d.mu.Unlock()

	return &Subscription{dispatcher: d, kind: kind, id: id}
}

// Publish delivers an event to every handler of its kind, in registration
// order. A panicking handler is isolated and logged so the remaining
// handlers still run.
func (d *Dispatcher) Publish(event Event) {
	d.mu.Lock()
	entries := append([]subscriberEntry(nil), d.handlers[event.Kind]...)
	d.mu.Unlock()

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	for _, entry := range entries {
		invoke(entry.handler, event)
	}
}

func invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("realtime: %s handler panicked: %v", event.Kind, r)
		}
	}()
	handler(event)
}

func (d *Dispatcher) remove(kind EventKind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.handlers[kind]
	for i, entry := range entries {
		if entry.id == id {
			d.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}
