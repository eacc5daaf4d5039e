package service

import (
	"context"
	"time"

	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/policy"
	"github.com/riskwatch/platform/internal/repository"
	"github.com/riskwatch/platform/internal/risk"
	"github.com/riskwatch/platform/internal/session"
	"github.com/riskwatch/platform/internal/traces"
)

// EvaluateRequest records one authenticated request on the session bound to token,
// rescores the session and applies the policy decision. The whole read-score-write
// cycle runs inside the store's per-session critical section.
//
// A terminate decision is returned as a decision, not an error; the session is
// already terminated when this returns.
func (e *RiskEngine) EvaluateRequest(ctx context.Context, token string, rc domain.RequestContext) (*domain.RequestDecision, error) {
	if token == "" {
		return nil, domain.ErrSessionNotFound()
	}
	if err := domain.ValidateRequestContext(rc); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	at := rc.At
	if at.IsZero() {
		at = e.now()
	}

	ctx, span := traces.StartSpan(ctx, "session.evaluate_request")
	defer span.End()

	var (
		decision   *domain.RequestDecision
		transition *session.Transition
		assessment risk.Assessment
	)

	s, err := e.sessions.Mutate(ctx, token, func(s *domain.Session) ([]domain.OutboxDraft, error) {
		if tr, err := session.CheckAccess(s, at); err != nil {
			if tr == nil {
				return nil, err
			}
			transition = tr
			return []domain.OutboxDraft{domain.NewSessionEvent(domain.EventSessionExpired, s, at)}, &repository.PersistErr{Err: err}
		}

		rec := domain.ActivityRecord{
			Seq:        s.RequestCount + 1,
			Timestamp:  at,
			Endpoint:   rc.Endpoint,
			Method:     rc.Method,
			StatusCode: defaultStatus,
			IP:         rc.IP,
			UserAgent:  rc.UserAgent,
		}

		// scored against the pre-request snapshot
		assessment = e.scorer.ScoreSession(ctx, s, rec)
		d := policy.EvaluateSession(assessment.Score)
		rec.RiskScore = assessment.Score

		ipChanged := risk.IPChanged(s, rec)
		s.Activity = risk.Window(risk.WithRecord(s.Activity, rec), domain.ActivityWindow)
		s.RequestCount = rec.Seq
		ipChanges := s.Metrics.IPChanges
		if ipChanged {
			ipChanges++
		}
		s.Metrics = risk.ComputeMetrics(s.Activity, ipChanges)
		s.LastActivityAt = at

		var events []domain.OutboxDraft
		transition, events = settle(s, d, assessment.Score, at)
		if transition == nil && ipChanged {
			s.IP = rec.IP
		}

		decision = &domain.RequestDecision{
			Action:     d.Action,
			RiskScore:  assessment.Score,
			RiskLevel:  d.RiskLevel,
			Flags:      assessment.Flags,
			IdentityID: s.IdentityID,
			Seq:        rec.Seq,
			ExpiresAt:  s.ExpiresAt,
		}
		return events, nil
	})

	if transition != nil && s != nil {
		e.observeTransition(s, transition)
	}
	if err != nil {
		return nil, storeErr("evaluate request", err)
	}

	span.SetAttributes(traces.SessionID(s.ID.String()), traces.Action(string(decision.Action)))
	metrics.RequestDecisionsTotal.WithLabelValues(string(decision.Action), string(decision.RiskLevel)).Inc()
	if decision.Action == domain.ActionTerminate {
		e.logger.Warn("session terminated by risk",
			"session_id", s.ID,
			"identity_id", s.IdentityID,
			"risk_score", decision.RiskScore,
			"flags", decision.Flags,
		)
	}
	return decision, nil
}

// RecordStatus stores the response status of a monitored request once the handler
// has run, so the error rate reflects real outcomes. Ended sessions are left untouched.
func (e *RiskEngine) RecordStatus(ctx context.Context, token string, seq int64, status int) error {
	_, err := e.sessions.Mutate(ctx, token, func(s *domain.Session) ([]domain.OutboxDraft, error) {
		if !s.IsActive() {
			return nil, repository.ErrNoUpdate
		}
		for i := range s.Activity {
			if s.Activity[i].Seq != seq {
				continue
			}
			if s.Activity[i].StatusCode == status {
				return nil, repository.ErrNoUpdate
			}
			s.Activity[i].StatusCode = status
			s.Metrics = risk.ComputeMetrics(s.Activity, s.Metrics.IPChanges)
			return nil, nil
		}
		return nil, repository.ErrNoUpdate
	})
	if err != nil {
		return storeErr("record status", err)
	}
	return nil
}

const defaultStatus = 200

func (e *RiskEngine) observeTransition(s *domain.Session, tr *session.Transition) {
	metrics.SessionTransitionsTotal.WithLabelValues(string(tr.To), tr.Reason).Inc()
	e.logger.Info("session transition",
		"session_id", s.ID,
		"identity_id", s.IdentityID,
		"from", tr.From,
		"to", tr.To,
		"reason", tr.Reason,
	)
}

// settle applies d to s and returns the transition taken with the events it raises:
// terminated on an ended session, escalated when a surviving session's level rises.
func settle(s *domain.Session, d policy.SessionDecision, score float64, at time.Time) (*session.Transition, []domain.OutboxDraft) {
	prevLevel := s.RiskLevel
	tr := session.Apply(s, d, score, at)
	if tr != nil {
		return tr, []domain.OutboxDraft{domain.NewSessionEvent(domain.EventSessionTerminated, s, at)}
	}
	if levelRank(d.RiskLevel) > levelRank(prevLevel) {
		return nil, []domain.OutboxDraft{domain.NewSessionEvent(domain.EventSessionEscalated, s, at)}
	}
	return nil, nil
}

func levelRank(l domain.RiskLevel) int {
	switch l {
	case domain.RiskHigh:
		return 2
	case domain.RiskMedium:
		return 1
	default:
		return 0
	}
}
