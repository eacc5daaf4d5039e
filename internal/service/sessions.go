package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/repository"
	"github.com/riskwatch/platform/internal/risk"
	"github.com/riskwatch/platform/internal/session"
)

// ActivityReport is the activity window of a session with its current metrics.
type ActivityReport struct {
	Activities []domain.ActivityRecord `json:"activities"`
	Metrics    domain.MetricsSnapshot  `json:"metrics"`
}

// TerminateSession ends the session bound to token. Ending an already ended
// session is a no-op; an unknown token yields SessionNotFound.
func (e *RiskEngine) TerminateSession(ctx context.Context, token, reason string) error {
	if token == "" {
		return domain.ErrSessionNotFound()
	}
	now := e.now()

	var transition *session.Transition
	s, err := e.sessions.Mutate(ctx, token, func(s *domain.Session) ([]domain.OutboxDraft, error) {
		transition = session.Terminate(s, reason, now)
		if transition == nil {
			return nil, repository.ErrNoUpdate
		}
		return []domain.OutboxDraft{domain.NewSessionEvent(domain.EventSessionTerminated, s, now)}, nil
	})
	if err != nil {
		return storeErr("terminate session", err)
	}
	if transition != nil {
		e.observeTransition(s, transition)
	}
	return nil
}

// CurrentSession returns the session bound to token if it is still usable.
func (e *RiskEngine) CurrentSession(ctx context.Context, token string) (*domain.Session, error) {
	s, err := e.usableSession(ctx, token)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListActivity returns the activity window of the session bound to token,
// oldest first, with the metrics computed over it.
func (e *RiskEngine) ListActivity(ctx context.Context, token string) (*ActivityReport, error) {
	s, err := e.usableSession(ctx, token)
	if err != nil {
		return nil, err
	}
	acts := risk.Window(s.Activity, domain.ActivityWindow)
	if acts == nil {
		acts = []domain.ActivityRecord{}
	}
	return &ActivityReport{Activities: acts, Metrics: s.Metrics}, nil
}

// ListSessions returns every session of an identity, most recent first.
func (e *RiskEngine) ListSessions(ctx context.Context, identityID uuid.UUID) ([]domain.Session, error) {
	sessions, err := e.sessions.ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return sessions, nil
}

// usableSession loads the session for a read. It reports the same errors the
// monitor would but leaves expiry bookkeeping to the monitor and the sweeper.
func (e *RiskEngine) usableSession(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrSessionNotFound()
	}
	s, err := e.sessions.Get(ctx, token)
	if err != nil {
		return nil, storeErr("get session", err)
	}
	if s == nil {
		return nil, domain.ErrSessionNotFound()
	}
	if _, err := session.CheckAccess(s.Clone(), e.now()); err != nil {
		return nil, err
	}
	return s, nil
}

const sweepBatch = 500

// SweepExpired moves every active session past its expiry to expired and
// returns how many were swept.
func (e *RiskEngine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now()
	tokens, err := e.sessions.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		return 0, storeErr("list expired sessions", err)
	}

	swept := 0
	for _, token := range tokens {
		var transition *session.Transition
		s, err := e.sessions.Mutate(ctx, token, func(s *domain.Session) ([]domain.OutboxDraft, error) {
			transition = session.Expire(s, now)
			if transition == nil {
				return nil, repository.ErrNoUpdate
			}
			return []domain.OutboxDraft{domain.NewSessionEvent(domain.EventSessionExpired, s, now)}, nil
		})
		if err != nil {
			if domain.IsCode(err, domain.CodeSessionNotFound) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return swept, err
			}
			e.logger.Error("sweep session failed", "error", err)
			continue
		}
		if transition != nil {
			e.observeTransition(s, transition)
			swept++
		}
	}

	if swept > 0 {
		metrics.SessionsSweptTotal.Add(float64(swept))
	}
	return swept, nil
}

// Sweeper periodically expires sessions that outlived their expiry without
// being accessed.
type Sweeper struct {
	engine   *RiskEngine
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper creates a new sweeper.
func NewSweeper(engine *RiskEngine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{engine: engine, logger: logger, interval: interval}
}

// Start begins sweeping in a goroutine. Stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("session sweeper started", "interval", s.interval)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("session sweeper stopped")
				return
			case <-ticker.C:
				n, err := s.engine.SweepExpired(ctx)
				if err != nil {
					s.logger.Error("session sweep error", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("expired sessions swept", "count", n)
				}
			}
		}
	}()
}
