package events

import (
	"log/slog"
	"sync"
	"time"
)

// Emitter fans events out to registered listeners synchronously, in
// registration order. A panicking listener is logged and skipped.
type Emitter struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		logger: slog.Default().With("component", "events"),
	}
}

// Subscribe registers a listener for all subsequent events.
func (e *Emitter) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Emit delivers the event to every listener. A zero Time is filled in.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	e.mu.RLock()
	listeners := append([]Listener{}, e.listeners...)
	e.mu.RUnlock()

	for _, l := range listeners {
		e.dispatch(l, ev)
	}
}

func (e *Emitter) dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event listener panicked", "event", ev.Name, "panic", r)
		}
	}()
	l(ev)
}
