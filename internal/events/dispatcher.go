// Package events provides the typed multicast registry that delivers session
// events to subscribers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind identifies a class of session event.
type Kind string

const (
	KindOutput                Kind = "output"
	KindError                 Kind = "error"
	KindInputPrompt           Kind = "inputPrompt"
	KindExecutionComplete     Kind = "executionComplete"
	KindExecutionTerminated   Kind = "executionTerminated"
	KindSocketError           Kind = "socketError"
	KindConnectionEstablished Kind = "connectionEstablished"
)

// Kinds lists every event kind a Dispatcher accepts, in declaration order.
var Kinds = []Kind{
	KindOutput,
	KindError,
	KindInputPrompt,
	KindExecutionComplete,
	KindExecutionTerminated,
	KindSocketError,
	KindConnectionEstablished,
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is a single notification. Only the fields relevant to Kind are set:
// Text for output, error and executionTerminated; ExitCode for
// executionComplete; SessionID for connectionEstablished; Err for error and
// socketError.
type Event struct {
	Kind      Kind
	Text      string
	ExitCode  int
	SessionID string
	Err       error
	Time      time.Time
}

// Handler receives events of the kind it was registered for.
type Handler func(Event)

// ListenerID identifies a registration. The zero value is never issued.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Handler
}

// Dispatcher is a concurrency-safe registry of handlers keyed by event kind.
// Handlers run synchronously on the emitting goroutine in registration
// order; a handler that panics is logged and skipped.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[Kind][]listener
	nextID    ListenerID
	logger    *slog.Logger
}

// NewDispatcher creates an empty dispatcher. A nil logger uses slog.Default().
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		listeners: make(map[Kind][]listener),
		logger:    logger,
	}
}

// On registers h for kind and returns a token for Off. Registering for an
// unknown kind or with a nil handler is logged and returns 0.
func (d *Dispatcher) On(kind Kind, h Handler) ListenerID {
	if !kind.Valid() {
		d.logger.Warn("ignoring handler for unknown event kind", "kind", string(kind))
		return 0
	}
	if h == nil {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.listeners[kind] = append(d.listeners[kind], listener{id: d.nextID, fn: h})
	return d.nextID
}

// Off removes the registration id from kind. Unknown ids are ignored.
func (d *Dispatcher) Off(kind Kind, id ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ls := d.listeners[kind]
	for i, l := range ls {
		if l.id == id {
			next := make([]listener, 0, len(ls)-1)
			next = append(next, ls[:i]...)
			next = append(next, ls[i+1:]...)
			d.listeners[kind] = next
			return
		}
	}
}

// Len returns the number of handlers registered for kind.
func (d *Dispatcher) Len(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[kind])
}

// Emit delivers ev to every handler registered for ev.Kind. The handler set
// is snapshotted first, so handlers may call On or Off without deadlocking;
// such changes take effect from the next Emit.
func (d *Dispatcher) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.RLock()
	snapshot := d.listeners[ev.Kind]
	d.mu.RUnlock()

	for _, l := range snapshot {
		d.invoke(l, ev)
	}
}

func (d *Dispatcher) invoke(l listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				"kind", string(ev.Kind),
				"listener", uint64(l.id),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	l.fn(ev)
}
