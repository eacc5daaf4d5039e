package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChallengeMaxAttempts is the number of wrong codes tolerated before a challenge is discarded.
const ChallengeMaxAttempts = 5

// Challenge is a pending second-factor check created by an mfa login decision.
// Only the SHA-256 hex digest of the code is kept.
type Challenge struct {
	ID         uuid.UUID    `json:"id"`
	IdentityID uuid.UUID    `json:"identityId"`
	CodeHash   string       `json:"codeHash"`
	Attempts   int          `json:"attempts"`
	Score      float64      `json:"score"`
	Flags      []string     `json:"flags,omitempty"`
	Context    LoginContext `json:"context"`
	CreatedAt  time.Time    `json:"createdAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

// Expired reports whether the challenge can no longer be answered at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
