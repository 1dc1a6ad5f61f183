// Package event provides the typed publish/subscribe hub that decouples
// transport-level events from application consumers. One Dispatcher instance
// is shared by all components of a session.
package event

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives the payload emitted for an event. The concrete payload
// type is documented per event name by the emitting package.
type Handler func(payload any)

// Dispatcher fans events out to subscribers synchronously. A subscriber that
// panics is recovered and logged; it never blocks the emitter or the other
// subscribers.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscription
	next int
	log  zerolog.Logger
}

type subscription struct {
	fn   Handler
	once bool
}

// New creates an empty dispatcher logging through lg.
func New(lg zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		subs: make(map[string]map[int]*subscription),
		log:  lg,
	}
}

// On registers fn for every emission of name. The returned id cancels the
// subscription via Off.
func (d *Dispatcher) On(name string, fn Handler) int {
	return d.add(name, fn, false)
}

// Once registers fn for the next emission of name only.
func (d *Dispatcher) Once(name string, fn Handler) int {
	return d.add(name, fn, true)
}

func (d *Dispatcher) add(name string, fn Handler, once bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := d.next
	m, ok := d.subs[name]
	if !ok {
		m = make(map[int]*subscription)
		d.subs[name] = m
	}
	m[id] = &subscription{fn: fn, once: once}
	return id
}

// Off removes the subscription with the given id. Unknown ids are ignored.
func (d *Dispatcher) Off(name string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.subs[name]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(d.subs, name)
		}
	}
}

// Emit invokes all subscribers of name synchronously, in unspecified order.
// Once-subscribers are removed before their handler runs, so re-emitting from
// inside a handler cannot fire them twice.
func (d *Dispatcher) Emit(name string, payload any) {
	d.mu.Lock()
	m := d.subs[name]
	handlers := make([]Handler, 0, len(m))
	for id, sub := range m {
		handlers = append(handlers, sub.fn)
		if sub.once {
			delete(m, id)
		}
	}
	if len(m) == 0 {
		delete(d.subs, name)
	}
	d.mu.Unlock()

	for _, fn := range handlers {
		d.invoke(name, fn, payload)
	}
}

// invoke isolates one subscriber call so a panic cannot take down the emitter.
func (d *Dispatcher) invoke(name string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", name).Any("panic", r).Msg("event subscriber panicked")
		}
	}()
	fn(payload)
}

// Len reports the number of live subscriptions for name. Used by teardown
// checks and tests.
func (d *Dispatcher) Len(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[name])
}
