// Package events publishes approval domain events to NATS.
//
// Subject convention: approvals.<event_type>
// Event types: solicitation.created, decision.processed, solicitation.expired,
//
//	solicitation.cancelled, replay.failed
//
// All publish operations are non-fatal — errors are logged but never propagated
// to the caller, so event delivery failures never interrupt approval operations.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event types.
const (
	TypeSolicitationCreated   = "solicitation.created"
	TypeDecisionProcessed     = "decision.processed"
	TypeSolicitationExpired   = "solicitation.expired"
	TypeSolicitationCancelled = "solicitation.cancelled"
	TypeReplayFailed          = "replay.failed"
)

// Event is the JSON schema published to NATS.
type Event struct {
	EventType      string         `json:"event_type"`
	SolicitationID string         `json:"solicitation_id"`
	ActionType     string         `json:"action_type,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	Status         string         `json:"status,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Publisher publishes domain events. A nil connection disables publishing.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewPublisher creates a publisher backed by the given NATS connection.
// conn may be nil, in which case every publish is a no-op.
func NewPublisher(conn *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, log: log}
}

// Connect dials NATS with sane reconnect settings.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// Publish emits one event on approvals.<eventType>.
func (p *Publisher) Publish(_ context.Context, eventType, solicitationID, actionType, actorID, status string, payload map[string]any) {
	if p.conn == nil {
		return
	}

	event := &Event{
		EventType:      eventType,
		SolicitationID: solicitationID,
		ActionType:     actionType,
		ActorID:        actorID,
		Status:         status,
		OccurredAt:     time.Now().UTC(),
		Payload:        payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("events: failed to marshal event")
		return
	}

	subject := "approvals." + eventType
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("solicitation_id", solicitationID).
			Msg("events: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("solicitation_id", solicitationID).
		Msg("events: published")
}
