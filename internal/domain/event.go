package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates all domain event types.
type EventType string

const (
	EventIdentityRegistered EventType = "risk.identity.registered"
	EventLoginEvaluated     EventType = "risk.login.evaluated"
	EventSessionCreated     EventType = "risk.session.created"
	EventSessionEscalated   EventType = "risk.session.escalated"
	EventSessionTerminated  EventType = "risk.session.terminated"
	EventSessionExpired     EventType = "risk.session.expired"
)

// AggregateType enumerates the aggregate root types for outbox events.
type AggregateType string

const (
	AggregateIdentity AggregateType = "identity"
	AggregateSession  AggregateType = "session"
)

// OutboxDraft is the payload written to the event_outbox table.
type OutboxDraft struct {
	EventID       uuid.UUID       `json:"eventId"`
	AggregateType AggregateType   `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     EventType       `json:"eventType"`
	PartitionKey  string          `json:"partitionKey"`
	Headers       json.RawMessage `json:"headers"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}
