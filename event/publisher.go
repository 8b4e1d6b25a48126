package event

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Publisher delivers events to interested subscribers. Implementations
// must be safe for concurrent use and must never block execution: a
// failed or slow delivery is dropped, not retried.
type Publisher interface {
	Publish(executionID uuid.UUID, ev Event)
}

// NullPublisher discards all events.
type NullPublisher struct{}

// Publish implements Publisher.
func (NullPublisher) Publish(uuid.UUID, Event) {}

// LogPublisher writes every event to a structured logger. Useful in
// development and as a fallback when no bus is configured.
type LogPublisher struct {
	Log *slog.Logger
}

// Publish implements Publisher.
func (p LogPublisher) Publish(executionID uuid.UUID, ev Event) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("execution event",
		"channel", Channel(executionID),
		"type", ev.Type,
		"agent_id", ev.AgentID,
	)
}

// MultiPublisher fans one event out to several publishers in order.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(executionID uuid.UUID, ev Event) {
	for _, p := range m {
		p.Publish(executionID, ev)
	}
}

// CapturePublisher records every published event in memory. Intended
// for tests; safe for concurrent publication.
type CapturePublisher struct {
	mu     sync.Mutex
	events []captured
}

type captured struct {
	ExecutionID uuid.UUID
	Event       Event
}

// Publish implements Publisher.
func (c *CapturePublisher) Publish(executionID uuid.UUID, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, captured{ExecutionID: executionID, Event: ev})
}

// Events returns all captured events in publication order.
func (c *CapturePublisher) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	for i, e := range c.events {
		out[i] = e.Event
	}
	return out
}

// OfType returns the captured events matching the given type.
func (c *CapturePublisher) OfType(t string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Event.Type == t {
			out = append(out, e.Event)
		}
	}
	return out
}
