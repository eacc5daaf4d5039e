// Package policy maps risk scores to access decisions.
package policy

import (
	"time"

	"github.com/riskwatch/platform/internal/domain"
)

const (
	// AllowSessionTTL is the lifetime of a session minted on a low-risk login.
	AllowSessionTTL = 60 * time.Minute
	// MFASessionTTL is the lifetime of a session minted after a verified second factor.
	MFASessionTTL = 30 * time.Minute
)

// LoginDecision is the policy outcome for a login attempt.
type LoginDecision struct {
	Action    domain.Action       `json:"action"`
	RiskLevel domain.RiskLevel    `json:"risk_level"`
	Outcome   domain.LoginOutcome `json:"outcome"`
	// SessionTTL is zero when no session may be minted yet.
	SessionTTL time.Duration `json:"session_ttl,omitempty"`
	// UpsertKnown marks the device and location as trusted.
	UpsertKnown bool `json:"upsert_known"`
}

// EvaluateLogin maps a login score to an access decision.
func EvaluateLogin(score float64) LoginDecision {
	level := domain.LevelForScore(score)

	switch level {
	case domain.RiskHigh:
		return LoginDecision{Action: domain.ActionBlock, RiskLevel: level, Outcome: domain.OutcomeBlocked}
	case domain.RiskMedium:
		return LoginDecision{Action: domain.ActionMFA, RiskLevel: level, Outcome: domain.OutcomeMFARequired}
	default:
		return LoginDecision{
			Action:      domain.ActionAllow,
			RiskLevel:   level,
			Outcome:     domain.OutcomeSuccess,
			SessionTTL:  AllowSessionTTL,
			UpsertKnown: true,
		}
	}
}

// SecondFactorVerified is the decision applied once an mfa challenge is passed.
// The session carries the original login score with the shorter lifetime.
func SecondFactorVerified(score float64) LoginDecision {
	return LoginDecision{
		Action:      domain.ActionAllow,
		RiskLevel:   domain.LevelForScore(score),
		Outcome:     domain.OutcomeSuccess,
		SessionTTL:  MFASessionTTL,
		UpsertKnown: true,
	}
}
