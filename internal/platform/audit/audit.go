// Package audit records security-relevant gateway actions.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ActorAnonymous is used for events without a verified caller.
const ActorAnonymous = "anonymous"

// Event is one audit record. Target is empty when the action has no specific
// object, e.g. a create.
type Event struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"ts"`
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	Status    int       `json:"status,omitempty"`
}

// normalize fills in the id and timestamp when the caller left them empty.
func (e *Event) normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Actor == "" {
		e.Actor = ActorAnonymous
	}
}

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// SinkFunc is a function adapter for Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Write(ctx context.Context, e Event) error {
	return f(ctx, e)
}
