package domain

// RiskLevel is the banded label derived from a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Score band boundaries. A score equal to a threshold belongs to the upper band.
const (
	MediumRiskThreshold = 40.0
	HighRiskThreshold   = 70.0

	MinScore = 0.0
	MaxScore = 100.0
)

// Action is the caller-visible decision produced by policy evaluation.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionMFA       Action = "mfa"
	ActionBlock     Action = "block"
	ActionTerminate Action = "terminate"
)

// LevelForScore maps a score to its band: <40 low, <70 medium, otherwise high.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= HighRiskThreshold:
		return RiskHigh
	case score >= MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ClampScore bounds a score to [0,100].
func ClampScore(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
