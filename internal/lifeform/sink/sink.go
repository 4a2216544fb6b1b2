// Package sink fans detection events out to external systems.
//
// A Dispatcher decouples the frame processor from slow brokers: events are
// queued on a bounded channel and published by a single worker, so the
// processing loop never waits on the network. Each Sink receives the same
// Envelope.
package sink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/banshee-data/resofly/internal/lifeform"
)

// ErrQueueFull is returned by Submit when the dispatch queue has no room.
var ErrQueueFull = errors.New("sink: queue full")

// Envelope is the message every sink publishes.
type Envelope struct {
	SessionID uuid.UUID               `json:"session_id"`
	Event     lifeform.DetectionEvent `json:"event"`
	Alerts    []lifeform.AlertPayload `json:"alerts"`
}

// NewEnvelope wraps ev. Alerts is never nil so consumers always see a list.
func NewEnvelope(ev lifeform.DetectionEvent) Envelope {
	alerts := ev.Alerts
	if alerts == nil {
		alerts = []lifeform.AlertPayload{}
	}
	return Envelope{SessionID: ev.SessionID, Event: ev, Alerts: alerts}
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink publishes envelopes to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	Close() error
}
