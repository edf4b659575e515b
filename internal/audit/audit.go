// Package audit records schema lifecycle events into the _events table.
// Recording is fire-and-forget: a failed or slow write never blocks or
// fails the mutation that produced the event.
package audit

import (
	"time"
)

// Event is one recorded schema action.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"event_type"`
	Collection string         `json:"collection,omitempty"`
	Field      string         `json:"field,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	GroupID    int            `json:"group_id,omitempty"`
	Status     string         `json:"status"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(ev Event)
}

// Noop discards all events. Used when auditing is disabled and in tests
// that do not care about activity.
type Noop struct{}

func (Noop) Record(Event) {}
