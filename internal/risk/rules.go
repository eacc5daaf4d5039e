package risk

import (
	"github.com/riskwatch/platform/internal/domain"
)

// Rule weights for login scoring.
const (
	WeightNewDevice       = 30.0
	WeightNewCountry      = 25.0
	WeightOddHour         = 15.0
	WeightBlockedAttempt  = 20.0
	WeightLowIPReputation = 20.0

	// BlockedAttemptWindow is the number of recent login events whose blocked outcomes add weight.
	BlockedAttemptWindow = 5
	// LowIPReputation is the reputation below which an address counts as suspicious.
	LowIPReputation = 0.3
)

// Rule weights for session scoring.
const (
	WeightHighVelocity     = 25.0
	WeightIPChanged        = 40.0
	WeightHighErrorRate    = 20.0
	WeightUserAgentChanged = 30.0

	HighRequestsPerMinute = 30.0
	HighErrorRate         = 0.3
)

// Signal flags attached to assessments.
const (
	FlagNewDevice        = "new_device"
	FlagNewLocation      = "new_location"
	FlagOddHour          = "odd_hour"
	FlagRecentFailures   = "recent_failures"
	FlagLowIPReputation  = "low_ip_reputation"
	FlagImpossibleTravel = "impossible_travel"
	FlagHighVelocity     = "high_velocity"
	FlagIPChanged        = "ip_changed"
	FlagHighErrorRate    = "high_error_rate"
	FlagUserAgentChanged = "user_agent_changed"
)

// Source names the component that produced a score.
type Source string

const (
	SourcePredictor Source = "predictor"
	SourceRules     Source = "rules"
)

// Assessment is a clamped score with the signals that contributed to it.
type Assessment struct {
	Score  float64  `json:"score"`
	Flags  []string `json:"flags,omitempty"`
	Source Source   `json:"source"`
}

// LoginRules scores a login attempt deterministically. It is a pure function of its inputs.
func LoginRules(id *domain.Identity, lc domain.LoginContext) Assessment {
	var score float64
	var flags []string

	if !id.HasDevice(lc.DeviceID) {
		score += WeightNewDevice
		flags = append(flags, FlagNewDevice)
	}

	// country-level familiarity, coarser than the isNewLocation feature
	if !id.HasCountry(lc.Location.Country) {
		score += WeightNewCountry
		flags = append(flags, FlagNewLocation)
	}

	if IsOddHour(lc.At) {
		score += WeightOddHour
		flags = append(flags, FlagOddHour)
	}

	if blocked := countOutcome(lastEvents(id.LoginHistory, BlockedAttemptWindow), domain.OutcomeBlocked); blocked > 0 {
		score += WeightBlockedAttempt * float64(blocked)
		flags = append(flags, FlagRecentFailures)
	}

	if lc.Reputation() < LowIPReputation {
		score += WeightLowIPReputation
		flags = append(flags, FlagLowIPReputation)
	}

	// informational only; the rules do not weight geo-velocity
	if impossibleTravel(id.LoginHistory, lc) {
		flags = append(flags, FlagImpossibleTravel)
	}

	return Assessment{Score: domain.ClampScore(score), Flags: flags, Source: SourceRules}
}

// SessionRules scores rec arriving on the pre-request snapshot s. The stored
// session score is the base, so risk only drifts upward until a reset.
// Velocity, error rate and user-agent checks read the stored activity only;
// rec contributes through the address check and is judged by the next request.
func SessionRules(s *domain.Session, rec domain.ActivityRecord) Assessment {
	score := s.RiskScore
	var flags []string

	w := Window(s.Activity, RuleWindow)

	if RequestsPerMinute(w) > HighRequestsPerMinute {
		score += WeightHighVelocity
		flags = append(flags, FlagHighVelocity)
	}

	if IPChanged(s, rec) {
		score += WeightIPChanged
		flags = append(flags, FlagIPChanged)
	}

	if ErrorRate(w) > HighErrorRate {
		score += WeightHighErrorRate
		flags = append(flags, FlagHighErrorRate)
	}

	if UserAgentChanged(w) {
		score += WeightUserAgentChanged
		flags = append(flags, FlagUserAgentChanged)
	}

	return Assessment{Score: domain.ClampScore(score), Flags: flags, Source: SourceRules}
}
