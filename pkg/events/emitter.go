// Package events provides a small subscription-based event primitive.
//
// An Emitter is the producing half: firing it delivers the value to every
// listener subscribed at that moment. An Event is the consuming half handed
// out to subscribers. Emitters know when their listener count moves between
// zero and one, which lets producers lazily acquire and release upstream
// resources.
package events

import "sync"

// Handler receives values fired on an Event.
type Handler func(value interface{})

// Emitter is the producing side of an Event.
// The zero value is not usable; create Emitters with NewEmitter.
type Emitter struct {
	// OnFirstListener, if set, runs when the listener count goes from zero to one.
	OnFirstListener func()

	// OnLastListener, if set, runs when the listener count returns to zero.
	OnLastListener func()

	lock     sync.Mutex
	handlers []*handlerEntry
}

type handlerEntry struct {
	fn Handler
}

// NewEmitter creates an Emitter with no listeners.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Event returns the subscribing side of this emitter.
func (e *Emitter) Event() *Event {
	return &Event{emitter: e}
}

// Fire delivers value to every listener subscribed at the time of the call,
// in subscription order.
func (e *Emitter) Fire(value interface{}) {
	e.lock.Lock()
	handlers := make([]*handlerEntry, len(e.handlers))
	copy(handlers, e.handlers)
	e.lock.Unlock()

	for _, h := range handlers {
		h.fn(value)
	}
}

// ListenerCount returns the number of active listeners.
func (e *Emitter) ListenerCount() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.handlers)
}

func (e *Emitter) subscribe(fn Handler) *Subscription {
	entry := &handlerEntry{fn: fn}
	e.lock.Lock()
	e.handlers = append(e.handlers, entry)
	first := len(e.handlers) == 1
	onFirst := e.OnFirstListener
	e.lock.Unlock()

	if first && onFirst != nil {
		onFirst()
	}
	return &Subscription{emitter: e, entry: entry}
}

func (e *Emitter) unsubscribe(entry *handlerEntry) {
	e.lock.Lock()
	found := false
	for i, h := range e.handlers {
		if h == entry {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			found = true
			break
		}
	}
	last := found && len(e.handlers) == 0
	onLast := e.OnLastListener
	e.lock.Unlock()

	if last && onLast != nil {
		onLast()
	}
}

// Event is the subscribing side of an Emitter.
type Event struct {
	emitter *Emitter
}

// Subscribe registers fn to run for every subsequently fired value.
// Values fired before subscription are not replayed.
func (ev *Event) Subscribe(fn Handler) *Subscription {
	return ev.emitter.subscribe(fn)
}

// Subscription represents one listener's registration on an Event.
type Subscription struct {
	once    sync.Once
	emitter *Emitter
	entry   *handlerEntry
}

// Dispose removes the listener. Dispose is idempotent.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.emitter.unsubscribe(s.entry)
	})
}
