package history

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn         EventType = "spawn"
	EventSpawnFailed   EventType = "spawn_failed"
	EventTerminate     EventType = "terminate"
	EventTerminateNoop EventType = "terminate_noop"
	EventTerminateSlow EventType = "terminate_slow"
)

// Record describes the backend at the time of an event.
type Record struct {
	Backend   string    `json:"backend"`
	PID       int       `json:"pid"`
	Trigger   string    `json:"trigger,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	Error     string    `json:"error,omitempty"`
}

// Event represents a lifecycle event exported for later diagnosis of
// orphaned backends or slow shutdowns.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in process; used by tests and the status endpoint.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Count returns how many events of type t were recorded.
func (m *Memory) Count(t EventType) int {
	n := 0
	for _, e := range m.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}
