// Package eventbus implements the two-level "source.event" event taxonomy
// described in spec.md §4.8: synchronous fan-out to global, per-source, and
// per-event listeners, safe for a listener to register or unregister other
// listeners while handling a fire.
package eventbus

import (
	"fmt"
	"sync"
)

// Event identifies one occurrence within a source, e.g. "Locked" on source
// "DVBAdapter".
type Event struct {
	Source string
	Name   string
}

func (e Event) String() string {
	return fmt.Sprintf("%s.%s", e.Source, e.Name)
}

// Listener receives a fired event's payload. Payloads are whatever the
// firing component passed to Fire; the bus does not convert them into a
// structured document.
type Listener func(ev Event, payload any)

type registration struct {
	id int
	fn Listener
}

// Bus is a recursive-safe, synchronous event dispatcher. It achieves
// re-entrancy not via a true recursive mutex (Go has none) but by copying
// the relevant listener slices under a short-lived lock and invoking them
// after releasing it — a listener registering or unregistering another
// listener during Fire never blocks on Bus's own lock.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	global   []registration
	bySource map[string][]registration
	byEvent  map[string][]registration
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		bySource: make(map[string][]registration),
		byEvent:  make(map[string][]registration),
	}
}

// Handle identifies one registration so it can be later unregistered.
type Handle struct {
	id     int
	scope  string // "global", "source" or "event"; source/event hold the names
	source string
	event  string
}

// RegisterGlobal registers a listener for every event fired on the bus.
func (b *Bus) RegisterGlobal(fn Listener) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	b.global = append(b.global, registration{id: id, fn: fn})
	return Handle{id: id, scope: "global"}
}

// RegisterSource registers a listener for every event of one source.
func (b *Bus) RegisterSource(source string, fn Listener) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	b.bySource[source] = append(b.bySource[source], registration{id: id, fn: fn})
	return Handle{id: id, scope: "source", source: source}
}

// RegisterEvent registers a listener for one fully-qualified source.event.
func (b *Bus) RegisterEvent(source, name string, fn Listener) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	key := source + "." + name
	b.byEvent[key] = append(b.byEvent[key], registration{id: id, fn: fn})
	return Handle{id: id, scope: "event", source: source, event: name}
}

func (b *Bus) allocID() int {
	b.nextID++
	return b.nextID
}

// Unregister removes a prior registration. Safe to call from within a
// listener, including unregistering itself.
func (b *Bus) Unregister(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch h.scope {
	case "global":
		b.global = removeID(b.global, h.id)
	case "source":
		b.bySource[h.source] = removeID(b.bySource[h.source], h.id)
	case "event":
		key := h.source + "." + h.event
		b.byEvent[key] = removeID(b.byEvent[key], h.id)
	}
}

func removeID(regs []registration, id int) []registration {
	out := regs[:0]
	for _, r := range regs {
		if r.id != id {
			out = append(out, r)
		}
	}
	return out
}

// Fire delivers an event synchronously to global listeners, then listeners
// of its source, then listeners of the exact event — in that order, per
// spec.md §4.8. Fire never holds Bus's lock while invoking a listener, so
// nested Fire/Register/Unregister calls from within a listener cannot
// deadlock against Bus itself. Listeners registered during this Fire are
// not delivered this round (the listener slices are snapshotted up front).
func (b *Bus) Fire(ev Event, payload any) {
	b.mu.Lock()
	global := append([]registration(nil), b.global...)
	source := append([]registration(nil), b.bySource[ev.Source]...)
	key := ev.Source + "." + ev.Name
	exact := append([]registration(nil), b.byEvent[key]...)
	b.mu.Unlock()

	for _, r := range global {
		r.fn(ev, payload)
	}
	for _, r := range source {
		r.fn(ev, payload)
	}
	for _, r := range exact {
		r.fn(ev, payload)
	}
}
