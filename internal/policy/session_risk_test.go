package policy

import (
	"testing"

	"github.com/riskwatch/platform/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestEvaluateSession_LowRisk(t *testing.T) {
	d := EvaluateSession(10)
	assert.Equal(t, domain.ActionAllow, d.Action)
	assert.Equal(t, domain.RiskLow, d.RiskLevel)
	assert.False(t, d.Terminate)
	assert.Zero(t, d.ShortenTo)
}

func TestEvaluateSession_MediumRiskShortens(t *testing.T) {
	d := EvaluateSession(50)
	assert.Equal(t, domain.ActionAllow, d.Action)
	assert.Equal(t, domain.RiskMedium, d.RiskLevel)
	assert.Equal(t, MediumRiskTTL, d.ShortenTo)
}

func TestEvaluateSession_HighRiskTerminates(t *testing.T) {
	d := EvaluateSession(90)
	assert.Equal(t, domain.ActionTerminate, d.Action)
	assert.Equal(t, domain.RiskHigh, d.RiskLevel)
	assert.True(t, d.Terminate)
}

func TestEvaluateSession_Boundaries(t *testing.T) {
	assert.Equal(t, domain.RiskLow, EvaluateSession(39.99).RiskLevel)
	assert.Equal(t, domain.RiskMedium, EvaluateSession(40).RiskLevel)
	assert.Equal(t, domain.RiskMedium, EvaluateSession(69.99).RiskLevel)
	assert.True(t, EvaluateSession(70).Terminate)
}
