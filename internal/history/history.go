// Package history exports service lifecycle transitions to external
// analytics stores.
package history

import (
	"context"
	"time"

	"github.com/rs/xid"
)

// Event is one state transition of a supervised service.
type Event struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PID        int       `json:"pid,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent stamps a transition with a sortable unique ID.
func NewEvent(service, from, to string, pid int, cause error, at time.Time) Event {
	e := Event{
		ID:         xid.NewWithTime(at).String(),
		Service:    service,
		From:       from,
		To:         to,
		PID:        pid,
		OccurredAt: at.UTC(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nullable maps "" to SQL NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
