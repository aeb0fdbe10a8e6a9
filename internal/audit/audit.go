// Package audit delivers session lifecycle events to interested sinks
// without ever blocking the operation that produced them.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/cloud-browser/pkg/models"
)

// EventType names a lifecycle event.
type EventType string

const (
	SessionCreated  EventType = "session_created"
	SessionStarted  EventType = "session_started"
	SessionStopped  EventType = "session_stopped"
	SessionExpired  EventType = "session_expired"
	SessionError    EventType = "session_error"
	SessionExtended EventType = "session_extended"
	SessionUpdated  EventType = "session_updated"
	SessionDeleted  EventType = "session_deleted"
	OrphanRemoved   EventType = "orphan_removed"
)

// Event is one lifecycle event.
type Event struct {
	Type      EventType            `json:"type"`
	SessionID string               `json:"sessionId,omitempty"`
	OwnerID   string               `json:"ownerId,omitempty"`
	Browser   models.BrowserType   `json:"browserType,omitempty"`
	Status    models.SessionStatus `json:"status,omitempty"`
	Actor     string               `json:"actor,omitempty"`
	Message   string               `json:"message,omitempty"`
	At        time.Time            `json:"at"`
}

// Sink receives events. Implementations may be slow; they run on the
// dispatcher goroutine, never on the caller's.
type Sink interface {
	Deliver(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Deliver calls f(e).
func (f SinkFunc) Deliver(e Event) { f(e) }

// Emitter is what the session manager depends on.
type Emitter interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Dispatcher queues events and fans them out to sinks on one goroutine.
type Dispatcher struct {
	events  chan Event
	sinks   []Sink
	log     zerolog.Logger
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher with a queue of the given size.
func NewDispatcher(buffer int, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		events: make(chan Event, buffer),
		sinks:  sinks,
		log:    log.With().Str("component", "audit").Logger(),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues e. When the queue is full the event is dropped.
func (d *Dispatcher) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("type", string(e.Type)).Str("session_id", e.SessionID).Msg("audit queue full, event dropped")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.events {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("type", string(e.Type)).Msg("audit sink panicked")
		}
	}()
	s.Deliver(e)
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
		<-d.done
	})
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Log zerolog.Logger
}

// Deliver logs e at info level, or warn for session errors.
func (s LogSink) Deliver(e Event) {
	ev := s.Log.Info()
	if e.Type == SessionError {
		ev = s.Log.Warn()
	}
	ev.Str("event", string(e.Type)).
		Str("session_id", e.SessionID).
		Str("owner_id", e.OwnerID).
		Str("browser", string(e.Browser)).
		Str("status", string(e.Status)).
		Str("actor", e.Actor).
		Time("at", e.At).
		Msg(e.Message)
}
