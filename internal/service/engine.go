package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/policy"
	"github.com/riskwatch/platform/internal/repository"
	"github.com/riskwatch/platform/internal/risk"
	"github.com/riskwatch/platform/internal/traces"
)

// RiskEngine evaluates logins and monitors session activity.
type RiskEngine struct {
	identities repository.IdentityStore
	sessions   repository.SessionStore
	scorer     *risk.Scorer
	logger     *slog.Logger
	now        func() time.Time
}

// NewRiskEngine creates a new RiskEngine.
func NewRiskEngine(
	identities repository.IdentityStore,
	sessions repository.SessionStore,
	scorer *risk.Scorer,
	logger *slog.Logger,
) *RiskEngine {
	return &RiskEngine{
		identities: identities,
		sessions:   sessions,
		scorer:     scorer,
		logger:     logger,
		now:        time.Now,
	}
}

// EvaluateLogin scores a login attempt for an authenticated identity, records the
// outcome in its history and mints a session when the decision is allow.
func (e *RiskEngine) EvaluateLogin(ctx context.Context, id *domain.Identity, lc domain.LoginContext) (*domain.LoginResult, error) {
	lc, err := e.prepareContext(lc)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "login.evaluate", traces.IdentityID(id.ID.String()))
	defer span.End()

	a := e.scorer.ScoreLogin(ctx, id, lc)
	d := policy.EvaluateLogin(a.Score)

	result := &domain.LoginResult{
		Action:    d.Action,
		RiskScore: a.Score,
		RiskLevel: d.RiskLevel,
		Flags:     a.Flags,
	}

	if err := e.commitLogin(ctx, id, lc, d, a.Score, result); err != nil {
		return nil, err
	}

	span.SetAttributes(traces.Action(string(d.Action)))
	metrics.LoginDecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	e.logger.Info("login evaluated",
		"identity_id", id.ID,
		"action", d.Action,
		"risk_score", a.Score,
		"source", a.Source,
		"flags", a.Flags,
	)
	return result, nil
}

// CompleteSecondFactor mints the session for a login that passed its mfa challenge.
// score is the login score computed when the challenge was issued.
func (e *RiskEngine) CompleteSecondFactor(ctx context.Context, id *domain.Identity, lc domain.LoginContext, score float64, flags []string) (*domain.LoginResult, error) {
	lc, err := e.prepareContext(lc)
	if err != nil {
		return nil, err
	}

	d := policy.SecondFactorVerified(score)
	result := &domain.LoginResult{
		Action:    d.Action,
		RiskScore: score,
		RiskLevel: d.RiskLevel,
		Flags:     flags,
	}

	if err := e.commitLogin(ctx, id, lc, d, score, result); err != nil {
		return nil, err
	}

	e.logger.Info("second factor completed", "identity_id", id.ID, "risk_score", score)
	return result, nil
}

// SimulateLogin scores a login and returns the decision without touching any state.
func (e *RiskEngine) SimulateLogin(ctx context.Context, id *domain.Identity, lc domain.LoginContext) (*domain.LoginResult, error) {
	lc, err := e.prepareContext(lc)
	if err != nil {
		return nil, err
	}

	a := e.scorer.ScoreLogin(ctx, id, lc)
	d := policy.EvaluateLogin(a.Score)
	return &domain.LoginResult{
		Action:    d.Action,
		RiskScore: a.Score,
		RiskLevel: d.RiskLevel,
		Flags:     a.Flags,
	}, nil
}

// RecordFailedCredentials appends a blocked login event for a wrong password.
func (e *RiskEngine) RecordFailedCredentials(ctx context.Context, id *domain.Identity, lc domain.LoginContext) error {
	if lc.At.IsZero() {
		lc.At = e.now()
	}
	rec := domain.LoginRecord{Event: lc.Event(FailedCredentialsScore, domain.OutcomeBlocked)}
	if err := e.identities.RecordLogin(ctx, id.ID, rec); err != nil {
		return storeErr("record failed login", err)
	}
	metrics.LoginDecisionsTotal.WithLabelValues("bad_credentials").Inc()
	return nil
}

// FailedCredentialsScore is stored on login events caused by a wrong password.
const FailedCredentialsScore = 50.0

func (e *RiskEngine) prepareContext(lc domain.LoginContext) (domain.LoginContext, error) {
	if lc.At.IsZero() {
		lc.At = e.now()
	}
	if err := domain.ValidateLoginContext(lc); err != nil {
		return lc, domain.ErrValidation(err.Error())
	}
	return lc, nil
}

// commitLogin records the login event and, when the decision allows it, creates the session.
// The event is written first so a failed history write never leaves an orphaned live session.
func (e *RiskEngine) commitLogin(
	ctx context.Context,
	id *domain.Identity,
	lc domain.LoginContext,
	d policy.LoginDecision,
	score float64,
	result *domain.LoginResult,
) error {
	rec := domain.LoginRecord{Event: lc.Event(score, d.Outcome)}
	if d.UpsertKnown {
		rec.Device = &domain.KnownDevice{DeviceID: lc.DeviceID, Label: lc.Device, LastSeen: lc.At, LastIP: lc.IP}
		rec.Location = &domain.KnownLocation{Country: lc.Location.Country, City: lc.Location.City, LastSeen: lc.At}
	}

	if err := e.identities.RecordLogin(ctx, id.ID, rec, domain.NewLoginEvaluatedEvent(id.ID, lc, result)); err != nil {
		return storeErr("record login", err)
	}
	if d.SessionTTL <= 0 {
		return nil
	}

	s, err := e.newSession(id, lc, score, d)
	if err != nil {
		return err
	}
	if err := e.sessions.Create(ctx, s, domain.NewSessionEvent(domain.EventSessionCreated, s, lc.At)); err != nil {
		return storeErr("create session", err)
	}
	result.SessionToken = s.Token
	expires := s.ExpiresAt
	result.ExpiresAt = &expires
	return nil
}

func (e *RiskEngine) newSession(id *domain.Identity, lc domain.LoginContext, score float64, d policy.LoginDecision) (*domain.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, domain.ErrInternal("generate session token", err)
	}

	now := e.now()
	return &domain.Session{
		ID:             uuid.New(),
		Token:          token,
		IdentityID:     id.ID,
		IP:             lc.IP,
		Device:         lc.Device,
		Browser:        lc.Browser,
		Location:       lc.Location,
		StartedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(d.SessionTTL),
		RiskScore:      score,
		RiskLevel:      d.RiskLevel,
		Status:         domain.SessionActive,
		UpdatedAt:      now,
	}, nil
}

// newSessionToken returns 32 random bytes, hex encoded.
func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// storeErr passes AppErrors through and wraps anything else as internal.
func storeErr(op string, err error) error {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return domain.ErrInternal(op, err)
}
