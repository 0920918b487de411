package healthedge

import (
	"log"
	"sync"
)

// Event names consumable by UI collaborators.
const (
	EventConnectivityChange    = "connectivity-change"
	EventSyncItemResolved      = "sync-queue-item-resolved"
	EventCacheInstallComplete  = "cache-install-complete"
	EventCacheActivateComplete = "cache-activate-complete"
)

type Event struct {
	Name string

	// State is set for connectivity-change events.
	State *ConnectivityState

	// Message is set for sync-queue-item-resolved events.
	Message string
}

// EventHub fans events out to UI collaborators. Listener faults are
// isolated the same way detector subscribers are.
type EventHub struct {
	mu      sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func newEventHub() *EventHub {
	return &EventHub{subs: map[int]func(Event){}}
}

// Subscribe returns an idempotent unsubscribe handle.
func (h *EventHub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	listeners := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		listeners = append(listeners, fn)
	}
	h.mu.Unlock()

	for _, fn := range listeners {
		publishOne(fn, ev)
	}
}

func publishOne(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: listener panic on %q: %v", ev.Name, r)
		}
	}()
	fn(ev)
}
