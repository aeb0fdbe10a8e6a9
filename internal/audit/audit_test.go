package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Deliver(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(8, zerolog.Nop(), rec)

	d.Emit(Event{Type: SessionCreated, SessionID: "a"})
	d.Emit(Event{Type: SessionStarted, SessionID: "a"})
	d.Emit(Event{Type: SessionStopped, SessionID: "a"})
	d.Close()

	assert.Equal(t, []EventType{SessionCreated, SessionStarted, SessionStopped}, rec.types())
}

func TestDispatcherSurvivesPanickingSink(t *testing.T) {
	rec := &recorder{}
	bad := SinkFunc(func(Event) { panic("sink exploded") })
	d := NewDispatcher(8, zerolog.Nop(), bad, rec)

	d.Emit(Event{Type: SessionError})
	d.Emit(Event{Type: SessionExpired})
	d.Close()

	assert.Equal(t, []EventType{SessionError, SessionExpired}, rec.types())
}

func TestDispatcherNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	slow := SinkFunc(func(Event) { <-release })
	d := NewDispatcher(1, zerolog.Nop(), slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Emit(Event{Type: SessionCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}
	assert.NotZero(t, d.Dropped())

	close(release)
	d.Close()
	// Emitting after Close is silently ignored.
	d.Emit(Event{Type: SessionCreated})
}

func TestHubFanOut(t *testing.T) {
	h := NewHub(4)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	require.Equal(t, 2, h.Subscribers())

	h.Deliver(Event{Type: SessionStarted, SessionID: "s1"})
	assert.Equal(t, "s1", (<-a).SessionID)
	assert.Equal(t, "s1", (<-b).SessionID)

	cancelA()
	cancelA()
	assert.Equal(t, 1, h.Subscribers())
	_, open := <-a
	assert.False(t, open)

	// A full subscriber drops events instead of blocking the hub.
	for i := 0; i < 10; i++ {
		h.Deliver(Event{Type: SessionStopped})
	}
	assert.Len(t, b, 4)
	cancelB()
}
