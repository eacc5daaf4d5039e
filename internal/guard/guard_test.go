package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := rl.Check(ctx, "203.0.113.9")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	ctx := context.Background()

	rl.Check(ctx, "203.0.113.9")
	rl.Check(ctx, "203.0.113.9")
	result := rl.Check(ctx, "203.0.113.9")

	assert.False(t, result.Allowed)
	assert.Equal(t, "rate_limiter", result.Guard)
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	ctx := context.Background()

	r1 := rl.Check(ctx, "key-a")
	r2 := rl.Check(ctx, "key-b")

	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
}

func TestCircuitBreaker_ClosedByDefault(t *testing.T) {
	cb := NewCircuitBreaker(3, 5*time.Second)
	ctx := context.Background()

	result := cb.Check(ctx, "predict.session")
	assert.True(t, result.Allowed)
}

func TestCircuitBreaker_OpensOnThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Second)
	ctx := context.Background()

	cb.Check(ctx, "predict.session")
	cb.RecordFailure("predict.session")
	cb.RecordFailure("predict.session")

	result := cb.Check(ctx, "predict.session")
	assert.False(t, result.Allowed)
	assert.Equal(t, "circuit_breaker", result.Guard)
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Second)
	ctx := context.Background()

	cb.Check(ctx, "predict.session")
	cb.RecordFailure("predict.session")
	cb.RecordSuccess("predict.session")

	result := cb.Check(ctx, "predict.session")
	assert.True(t, result.Allowed)
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	cb.Check(ctx, "predict.login")
	cb.RecordFailure("predict.login")
	assert.Equal(t, CircuitOpen, cb.State("predict.login"))
	assert.False(t, cb.Check(ctx, "predict.login").Allowed)

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Check(ctx, "predict.login").Allowed)
	assert.Equal(t, CircuitHalfOpen, cb.State("predict.login"))

	cb.RecordSuccess("predict.login")
	assert.Equal(t, CircuitClosed, cb.State("predict.login"))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	cb.Check(ctx, "k")
	for i := 0; i < 3; i++ {
		cb.RecordFailure("k")
	}
	now = now.Add(2 * time.Minute)
	require.True(t, cb.Check(ctx, "k").Allowed)

	cb.RecordFailure("k")
	assert.Equal(t, CircuitOpen, cb.State("k"))
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "198.51.100.1").Allowed)
	assert.False(t, rl.Check(ctx, "198.51.100.1").Allowed)

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Check(ctx, "198.51.100.1").Allowed)
}

func TestRateLimiter_SweepDropsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Check(context.Background(), "idle")
	now = now.Add(2 * time.Minute)
	rl.Sweep()

	assert.Empty(t, rl.windows)
}

func TestInFlightGuard(t *testing.T) {
	g := NewInFlightGuard()
	ctx := context.Background()

	assert.True(t, g.Acquire(ctx, "challenge-1").Allowed)
	blocked := g.Acquire(ctx, "challenge-1")
	assert.False(t, blocked.Allowed)
	assert.Equal(t, "in_flight", blocked.Guard)
	assert.True(t, g.Acquire(ctx, "challenge-2").Allowed)

	g.Release("challenge-1")
	assert.True(t, g.Acquire(ctx, "challenge-1").Allowed)
}

type fakeCounter struct {
	count int
	err   error
}

func (f fakeCounter) CountOutcomesSince(_ context.Context, _ uuid.UUID, outcome domain.LoginOutcome, _ time.Time) (int, error) {
	if outcome != domain.OutcomeBlocked {
		return 0, nil
	}
	return f.count, f.err
}

func TestCheckLocked(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	id := uuid.New()

	assert.NoError(t, CheckLocked(ctx, fakeCounter{count: 4}, id, time.Now(), logger))

	err := CheckLocked(ctx, fakeCounter{count: 5}, id, time.Now(), logger)
	assert.True(t, domain.IsCode(err, domain.CodeAccountLocked))

	assert.NoError(t, CheckLocked(ctx, fakeCounter{err: errors.New("db down")}, id, time.Now(), logger), "fails open")
}
