package history

import (
	"context"
	"time"

	"github.com/loykin/binarydrop/internal/app"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event is one opened or closed process run, exported to external systems.
type Event struct {
	Type       EventType          `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	App        string             `json:"app"`
	PID        int                `json:"pid"`
	Run        app.ProcessHistory `json:"run"`
}

// NewEvent builds an event from a history row. Closed rows become stop events.
func NewEvent(name string, pid int, h *app.ProcessHistory) Event {
	e := Event{Type: EventStart, OccurredAt: time.Now().UTC(), App: name, PID: pid, Run: *h}
	if !h.Open() {
		e.Type = EventStop
	}
	return e
}

// ExitCode returns the run's exit code, or -1 while it is unknown.
func (e Event) ExitCode() int {
	if e.Run.ExitCode == nil {
		return -1
	}
	return *e.Run.ExitCode
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
