// Package session holds the session lifecycle state machine.
//
// All functions mutate the session in place and are meant to run inside a
// store's per-session critical section, so every transition is persisted
// together with the activity that caused it.
package session

import (
	"time"

	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/policy"
)

// Transition describes a status change caused by one call.
type Transition struct {
	From   domain.SessionStatus
	To     domain.SessionStatus
	Reason string
	At     time.Time
}

// CheckAccess verifies that s may serve a request at now. An active session
// past its expiry is moved to expired and the transition is returned along
// with the SessionExpired error so the caller can persist it.
func CheckAccess(s *domain.Session, now time.Time) (*Transition, error) {
	switch s.Status {
	case domain.SessionActive:
	case domain.SessionExpired:
		return nil, domain.ErrSessionExpired()
	case domain.SessionTerminated:
		return nil, domain.ErrSessionTerminated(s.EndedReason)
	default:
		return nil, domain.ErrSessionNotFound()
	}

	if now.After(s.ExpiresAt) {
		return end(s, domain.SessionExpired, domain.EndReasonExpired, now), domain.ErrSessionExpired()
	}
	return nil, nil
}

// Apply records score on s and enacts d. High risk passes through suspicious
// and lands on terminated within this one call; only terminated is ever observable.
// Medium risk caps the expiry at now+ShortenTo.
func Apply(s *domain.Session, d policy.SessionDecision, score float64, now time.Time) *Transition {
	s.RiskScore = score
	s.RiskLevel = d.RiskLevel
	s.UpdatedAt = now

	if d.Terminate {
		s.Status = domain.SessionSuspicious
		return end(s, domain.SessionTerminated, domain.EndReasonRisk, now)
	}

	if d.ShortenTo > 0 {
		if capAt := now.Add(d.ShortenTo); capAt.Before(s.ExpiresAt) {
			s.ExpiresAt = capAt
		}
	}
	return nil
}

// Terminate ends an active session for reason. It is a no-op on sessions that
// already ended.
func Terminate(s *domain.Session, reason string, now time.Time) *Transition {
	if !s.IsActive() {
		return nil
	}
	return end(s, domain.SessionTerminated, reason, now)
}

// Expire ends an active session whose expiry has passed. Used by the sweeper.
func Expire(s *domain.Session, now time.Time) *Transition {
	if !s.IsActive() || !now.After(s.ExpiresAt) {
		return nil
	}
	return end(s, domain.SessionExpired, domain.EndReasonExpired, now)
}

func end(s *domain.Session, to domain.SessionStatus, reason string, now time.Time) *Transition {
	// suspicious is transient; the observable origin of a risk termination is active
	from := s.Status
	if from == domain.SessionSuspicious {
		from = domain.SessionActive
	}
	s.Status = to
	s.EndedReason = reason
	s.UpdatedAt = now
	return &Transition{From: from, To: to, Reason: reason, At: now}
}
