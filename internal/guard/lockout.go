package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/domain"
)

const (
	MaxBlockedLogins = 5
	LockoutWindow    = 15 * time.Minute
)

// BlockedCounter counts blocked login events of an identity. The identity store satisfies it.
type BlockedCounter interface {
	CountOutcomesSince(ctx context.Context, id uuid.UUID, outcome domain.LoginOutcome, since time.Time) (int, error)
}

// CheckLocked returns ErrAccountLocked if the identity has >= MaxBlockedLogins
// blocked login events within the lockout window ending at now.
func CheckLocked(ctx context.Context, counter BlockedCounter, identityID uuid.UUID, now time.Time, logger *slog.Logger) error {
	count, err := counter.CountOutcomesSince(ctx, identityID, domain.OutcomeBlocked, now.Add(-LockoutWindow))
	if err != nil {
		// fail open: a storage hiccup must not lock everyone out
		logger.Warn("lockout check failed", "identity_id", identityID, "error", err)
		return nil
	}
	if count >= MaxBlockedLogins {
		return domain.ErrAccountLocked("too many failed login attempts, try again later")
	}
	return nil
}
