package policy

import (
	"time"

	"github.com/riskwatch/platform/internal/domain"
)

// MediumRiskTTL is the remaining lifetime a session keeps after medium-risk escalation.
const MediumRiskTTL = 15 * time.Minute

// SessionDecision is the policy outcome for one monitored request.
type SessionDecision struct {
	Action    domain.Action    `json:"action"`
	RiskLevel domain.RiskLevel `json:"risk_level"`
	Terminate bool             `json:"terminate"`
	// ShortenTo caps the session expiry when non-zero. It never extends it.
	ShortenTo time.Duration `json:"shorten_to,omitempty"`
}

// EvaluateSession maps a session score to an access decision.
func EvaluateSession(score float64) SessionDecision {
	level := domain.LevelForScore(score)

	switch level {
	case domain.RiskHigh:
		return SessionDecision{Action: domain.ActionTerminate, RiskLevel: level, Terminate: true}
	case domain.RiskMedium:
		return SessionDecision{Action: domain.ActionAllow, RiskLevel: level, ShortenTo: MediumRiskTTL}
	default:
		return SessionDecision{Action: domain.ActionAllow, RiskLevel: level}
	}
}
