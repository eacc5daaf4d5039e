package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewIdentityRegisteredEvent creates an identity lifecycle event.
func NewIdentityRegisteredEvent(identityID uuid.UUID, username, email string) OutboxDraft {
	payload, _ := json.Marshal(map[string]string{
		"identity_id": identityID.String(),
		"username":    username,
		"email":       email,
	})
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateIdentity,
		AggregateID:   identityID.String(),
		EventType:     EventIdentityRegistered,
		PartitionKey:  identityID.String(),
		Headers:       json.RawMessage(`{}`),
		Payload:       payload,
		OccurredAt:    time.Now(),
	}
}

// NewLoginEvaluatedEvent records the decision taken for a login attempt.
func NewLoginEvaluatedEvent(identityID uuid.UUID, lc LoginContext, result *LoginResult) OutboxDraft {
	payload, _ := json.Marshal(map[string]interface{}{
		"identity_id": identityID.String(),
		"action":      result.Action,
		"risk_score":  result.RiskScore,
		"risk_level":  result.RiskLevel,
		"flags":       result.Flags,
		"ip":          lc.IP,
		"device_id":   lc.DeviceID,
		"country":     lc.Location.Country,
		"city":        lc.Location.City,
	})
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateIdentity,
		AggregateID:   identityID.String(),
		EventType:     EventLoginEvaluated,
		PartitionKey:  identityID.String(),
		Headers:       json.RawMessage(`{}`),
		Payload:       payload,
		OccurredAt:    lc.At,
	}
}

// NewSessionEvent creates a session lifecycle event. The bearer token is never included.
func NewSessionEvent(evtType EventType, s *Session, at time.Time) OutboxDraft {
	payload, _ := json.Marshal(map[string]interface{}{
		"session_id":   s.ID.String(),
		"identity_id":  s.IdentityID.String(),
		"status":       s.Status,
		"risk_score":   s.RiskScore,
		"risk_level":   s.RiskLevel,
		"ip":           s.IP,
		"expires_at":   s.ExpiresAt,
		"ended_reason": s.EndedReason,
	})
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateSession,
		AggregateID:   s.ID.String(),
		EventType:     evtType,
		PartitionKey:  s.IdentityID.String(),
		Headers:       json.RawMessage(`{}`),
		Payload:       payload,
		OccurredAt:    at,
	}
}
