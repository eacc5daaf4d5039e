package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/policy"
	"github.com/riskwatch/platform/internal/repository"
	"github.com/riskwatch/platform/internal/risk"
	"github.com/riskwatch/platform/internal/session"
)

// DefaultSimulatedIP is used by SimulateIPChange when the caller names no address.
const DefaultSimulatedIP = "192.168.1.100"

// Bot burst shape: one request per second across rotating endpoints and scripted clients.
const (
	BotBurstSize      = 150
	botBurstEndpoints = 50
)

var (
	botMethods    = []string{"GET", "POST", "PUT"}
	botUserAgents = []string{"python-requests/2.31", "curl/8.5.0", "Go-http-client/1.1", "Scrapy/2.11"}
)

// SimulationResult reports the decision a simulated scenario produced.
type SimulationResult struct {
	Decision domain.RequestDecision `json:"decision"`
	OldIP    string                 `json:"oldIp,omitempty"`
	NewIP    string                 `json:"newIp,omitempty"`
	Metrics  domain.MetricsSnapshot `json:"metrics"`
}

// SimulateIPChange rescores the session as if its next request arrived from newIP.
// A surviving session adopts the address. Nothing is added to the activity log.
func (e *RiskEngine) SimulateIPChange(ctx context.Context, token, newIP string) (*SimulationResult, error) {
	if token == "" {
		return nil, domain.ErrSessionNotFound()
	}
	if newIP == "" {
		newIP = DefaultSimulatedIP
	}
	if net.ParseIP(newIP) == nil {
		return nil, domain.ErrValidation(fmt.Sprintf("invalid address %q", newIP))
	}
	at := e.now()

	var (
		result     *SimulationResult
		transition *session.Transition
	)
	s, err := e.sessions.Mutate(ctx, token, func(s *domain.Session) ([]domain.OutboxDraft, error) {
		if tr, err := session.CheckAccess(s, at); err != nil {
			if tr == nil {
				return nil, err
			}
			transition = tr
			return []domain.OutboxDraft{domain.NewSessionEvent(domain.EventSessionExpired, s, at)}, &repository.PersistErr{Err: err}
		}

		rec := domain.ActivityRecord{Timestamp: at, IP: newIP, UserAgent: lastUserAgent(s)}
		oldIP := s.IP
		a := e.scorer.ScoreSession(ctx, s, rec)
		d := policy.EvaluateSession(a.Score)

		var events []domain.OutboxDraft
		transition, events = settle(s, d, a.Score, at)
		if transition == nil && risk.IPChanged(s, rec) {
			s.IP = newIP
			s.Metrics.IPChanges++
		}

		result = &SimulationResult{
			Decision: sessionDecision(s, d, a),
			OldIP:    oldIP,
			NewIP:    newIP,
			Metrics:  s.Metrics,
		}
		return events, nil
	})
	if transition != nil && s != nil {
		e.observeTransition(s, transition)
	}
	if err != nil {
		return nil, storeErr("simulate ip change", err)
	}

	metrics.RequestDecisionsTotal.WithLabelValues(string(result.Decision.Action), string(result.Decision.RiskLevel)).Inc()
	e.logger.Info("ip change simulated",
		"session_id", s.ID,
		"old_ip", result.OldIP,
		"new_ip", result.NewIP,
		"action", result.Decision.Action,
		"risk_score", result.Decision.RiskScore,
	)
	return result, nil
}

// SimulateBotActivity appends a synthetic burst of scripted traffic to the
// session's activity log and rescores it. The burst is high-rate, error-heavy
// and rotates user agents, so under rule scoring it ends the session.
func (e *RiskEngine) SimulateBotActivity(ctx context.Context, token string) (*SimulationResult, error) {
	if token == "" {
		return nil, domain.ErrSessionNotFound()
	}
	at := e.now()

	var (
		result     *SimulationResult
		transition *session.Transition
	)
	s, err := e.sessions.Mutate(ctx, token, func(s *domain.Session) ([]domain.OutboxDraft, error) {
		if tr, err := session.CheckAccess(s, at); err != nil {
			if tr == nil {
				return nil, err
			}
			transition = tr
			return []domain.OutboxDraft{domain.NewSessionEvent(domain.EventSessionExpired, s, at)}, &repository.PersistErr{Err: err}
		}

		burst := botBurst(s, at)
		s.Activity = risk.Window(append(append([]domain.ActivityRecord{}, s.Activity...), burst...), domain.ActivityWindow)
		s.RequestCount = burst[len(burst)-1].Seq
		s.Metrics = risk.ComputeMetrics(s.Activity, s.Metrics.IPChanges)
		s.LastActivityAt = at

		rec := domain.ActivityRecord{Timestamp: at, IP: s.IP, UserAgent: lastUserAgent(s)}
		a := e.scorer.ScoreSession(ctx, s, rec)
		d := policy.EvaluateSession(a.Score)

		var events []domain.OutboxDraft
		transition, events = settle(s, d, a.Score, at)

		result = &SimulationResult{Decision: sessionDecision(s, d, a), Metrics: s.Metrics}
		return events, nil
	})
	if transition != nil && s != nil {
		e.observeTransition(s, transition)
	}
	if err != nil {
		return nil, storeErr("simulate bot activity", err)
	}

	metrics.RequestDecisionsTotal.WithLabelValues(string(result.Decision.Action), string(result.Decision.RiskLevel)).Inc()
	e.logger.Warn("bot activity simulated",
		"session_id", s.ID,
		"action", result.Decision.Action,
		"risk_score", result.Decision.RiskScore,
		"requests_per_minute", result.Metrics.RequestsPerMinute,
	)
	return result, nil
}

// botBurst builds BotBurstSize records, one per second, ending one second before at.
// Two in five requests miss with a 404.
func botBurst(s *domain.Session, at time.Time) []domain.ActivityRecord {
	burst := make([]domain.ActivityRecord, BotBurstSize)
	for i := range burst {
		status := 200
		if i%5 < 2 {
			status = 404
		}
		burst[i] = domain.ActivityRecord{
			Seq:        s.RequestCount + int64(i) + 1,
			Timestamp:  at.Add(-time.Duration(BotBurstSize-i) * time.Second),
			Endpoint:   fmt.Sprintf("/api/endpoint-%d", i%botBurstEndpoints),
			Method:     botMethods[i%len(botMethods)],
			StatusCode: status,
			IP:         s.IP,
			UserAgent:  botUserAgents[i%len(botUserAgents)],
		}
	}
	return burst
}

func lastUserAgent(s *domain.Session) string {
	if n := len(s.Activity); n > 0 {
		return s.Activity[n-1].UserAgent
	}
	return s.Browser
}

func sessionDecision(s *domain.Session, d policy.SessionDecision, a risk.Assessment) domain.RequestDecision {
	return domain.RequestDecision{
		Action:     d.Action,
		RiskScore:  a.Score,
		RiskLevel:  d.RiskLevel,
		Flags:      a.Flags,
		IdentityID: s.IdentityID,
		Seq:        s.RequestCount,
		ExpiresAt:  s.ExpiresAt,
	}
}
