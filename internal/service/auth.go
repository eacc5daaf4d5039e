package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/guard"
	"github.com/riskwatch/platform/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// DefaultChallengeTTL bounds how long a second-factor code stays valid.
const DefaultChallengeTTL = 5 * time.Minute

// AuthService handles registration, credential checks and the second factor.
// Risk decisions are delegated to the RiskEngine.
type AuthService struct {
	identities   repository.IdentityStore
	engine       *RiskEngine
	challenges   repository.ChallengeStore
	sender       CodeSender
	jwtMgr       *auth.JWTManager
	inflight     *guard.InFlightGuard
	logger       *slog.Logger
	challengeTTL time.Duration
	now          func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(
	identities repository.IdentityStore,
	engine *RiskEngine,
	challenges repository.ChallengeStore,
	sender CodeSender,
	jwtMgr *auth.JWTManager,
	logger *slog.Logger,
	challengeTTL time.Duration,
) *AuthService {
	if challengeTTL <= 0 {
		challengeTTL = DefaultChallengeTTL
	}
	return &AuthService{
		identities:   identities,
		engine:       engine,
		challenges:   challenges,
		sender:       sender,
		jwtMgr:       jwtMgr,
		inflight:     guard.NewInFlightGuard(),
		logger:       logger,
		challengeTTL: challengeTTL,
		now:          time.Now,
	}
}

// RegisterInput holds the registration request fields.
type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginInput holds the login request fields. Login is a username or an email.
type LoginInput struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// UserView is the public part of an identity.
type UserView struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
}

func viewOf(id *domain.Identity) *UserView {
	return &UserView{ID: id.ID, Username: id.Username, Email: id.Email}
}

// RegisterResult is returned on successful registration.
type RegisterResult struct {
	User *UserView `json:"user"`
}

// LoginResponse combines the risk decision with the credentials the caller needs next.
type LoginResponse struct {
	*domain.LoginResult
	AccessToken string    `json:"token,omitempty"`
	MFAToken    string    `json:"mfaToken,omitempty"`
	MFARequired bool      `json:"mfaRequired"`
	User        *UserView `json:"user,omitempty"`
}

// Register creates a new identity.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)

	if err := domain.ValidateUsername(input.Username); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	if err := domain.ValidateEmail(input.Email); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	if err := domain.ValidatePassword(input.Password); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}

	for _, login := range []string{input.Username, input.Email} {
		existing, err := s.identities.FindByLogin(ctx, login)
		if err != nil {
			return nil, domain.ErrInternal("find identity", err)
		}
		if existing != nil {
			return nil, domain.ErrConflict("username or email already registered")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, domain.ErrInternal("hash password", err)
	}

	id := &domain.Identity{
		ID:           uuid.New(),
		Username:     input.Username,
		Email:        input.Email,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if err := s.identities.Create(ctx, id, domain.NewIdentityRegisteredEvent(id.ID, id.Username, id.Email)); err != nil {
		return nil, storeErr("create identity", err)
	}

	s.logger.Info("identity registered", "identity_id", id.ID, "username", id.Username)
	return &RegisterResult{User: viewOf(id)}, nil
}

// Login checks credentials and runs the login through the risk engine.
// Wrong passwords are recorded as blocked attempts and count towards lockout.
func (s *AuthService) Login(ctx context.Context, input LoginInput, lc domain.LoginContext) (*LoginResponse, error) {
	login := strings.TrimSpace(input.Login)
	if login == "" || input.Password == "" {
		return nil, domain.ErrValidation("login and password are required")
	}

	id, err := s.identities.FindByLogin(ctx, login)
	if err != nil {
		return nil, domain.ErrInternal("find identity", err)
	}
	if id == nil {
		return nil, domain.ErrInvalidCredentials()
	}

	if err := guard.CheckLocked(ctx, s.identities, id.ID, s.now(), s.logger); err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(id.PasswordHash), []byte(input.Password)); err != nil {
		if recErr := s.engine.RecordFailedCredentials(ctx, id, lc); recErr != nil {
			s.logger.Error("record failed login", "identity_id", id.ID, "error", recErr)
		}
		return nil, domain.ErrInvalidCredentials()
	}

	result, err := s.engine.EvaluateLogin(ctx, id, lc)
	if err != nil {
		return nil, err
	}

	resp := &LoginResponse{LoginResult: result}
	switch result.Action {
	case domain.ActionAllow:
		token, err := s.jwtMgr.GenerateToken(id.ID, id.Username)
		if err != nil {
			return nil, domain.ErrInternal("generate token", err)
		}
		resp.AccessToken = token
		resp.User = viewOf(id)
	case domain.ActionMFA:
		mfaToken, err := s.startChallenge(ctx, id, lc, result)
		if err != nil {
			return nil, err
		}
		resp.MFAToken = mfaToken
		resp.MFARequired = true
	}
	return resp, nil
}

// startChallenge stores a new challenge, delivers its code and returns the mfa token bound to it.
func (s *AuthService) startChallenge(ctx context.Context, id *domain.Identity, lc domain.LoginContext, result *domain.LoginResult) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", domain.ErrInternal("generate code", err)
	}

	now := s.now()
	ch := &domain.Challenge{
		ID:         uuid.New(),
		IdentityID: id.ID,
		CodeHash:   hashCode(code),
		Score:      result.RiskScore,
		Flags:      result.Flags,
		Context:    lc,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.challengeTTL),
	}
	if err := s.challenges.Save(ctx, ch); err != nil {
		return "", domain.ErrInternal("save challenge", err)
	}

	if err := s.sender.SendCode(ctx, id, code); err != nil {
		_ = s.challenges.Delete(ctx, ch.ID)
		return "", domain.ErrInternal("send code", err)
	}

	token, err := s.jwtMgr.GenerateMFAToken(id.ID, ch.ID)
	if err != nil {
		return "", domain.ErrInternal("generate token", err)
	}
	return token, nil
}

// VerifySecondFactor checks a code against the challenge bound to mfaToken and,
// on success, mints the session the original login was held back from.
func (s *AuthService) VerifySecondFactor(ctx context.Context, mfaToken, code string) (*LoginResponse, error) {
	if err := domain.ValidateSecondFactorCode(code); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}

	claims, err := s.jwtMgr.ValidateTokenForRealm(mfaToken, auth.RealmMFA)
	if err != nil {
		return nil, domain.ErrUnauthorized("invalid mfa token")
	}
	challengeID, err := uuid.Parse(claims.ChallengeID)
	if err != nil {
		return nil, domain.ErrUnauthorized("invalid mfa token")
	}

	key := "mfa:" + challengeID.String()
	if res := s.inflight.Acquire(ctx, key); !res.Allowed {
		return nil, domain.ErrConflict(res.Reason)
	}
	defer s.inflight.Release(key)

	ch, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, domain.ErrInternal("get challenge", err)
	}
	if ch == nil || ch.IdentityID.String() != claims.Subject {
		return nil, domain.ErrUnauthorized("verification challenge expired")
	}

	if subtle.ConstantTimeCompare([]byte(hashCode(code)), []byte(ch.CodeHash)) != 1 {
		return nil, s.failAttempt(ctx, ch)
	}

	if err := s.challenges.Delete(ctx, ch.ID); err != nil {
		return nil, domain.ErrInternal("delete challenge", err)
	}

	id, err := s.identities.FindByID(ctx, ch.IdentityID)
	if err != nil {
		return nil, domain.ErrInternal("find identity", err)
	}
	if id == nil {
		return nil, domain.ErrUnauthorized("identity no longer exists")
	}

	lc := ch.Context
	lc.At = s.now()
	result, err := s.engine.CompleteSecondFactor(ctx, id, lc, ch.Score, ch.Flags)
	if err != nil {
		return nil, err
	}

	token, err := s.jwtMgr.GenerateToken(id.ID, id.Username)
	if err != nil {
		return nil, domain.ErrInternal("generate token", err)
	}
	return &LoginResponse{LoginResult: result, AccessToken: token, User: viewOf(id)}, nil
}

func (s *AuthService) failAttempt(ctx context.Context, ch *domain.Challenge) error {
	ch.Attempts++
	if ch.Attempts >= domain.ChallengeMaxAttempts {
		if err := s.challenges.Delete(ctx, ch.ID); err != nil {
			s.logger.Error("delete challenge", "challenge_id", ch.ID, "error", err)
		}
		s.logger.Warn("second factor challenge exhausted", "identity_id", ch.IdentityID)
		return domain.ErrUnauthorized("too many invalid codes, sign in again")
	}
	if err := s.challenges.Save(ctx, ch); err != nil {
		return domain.ErrInternal("save challenge", err)
	}
	return domain.ErrUnauthorized(fmt.Sprintf("invalid verification code, %d attempts left", domain.ChallengeMaxAttempts-ch.Attempts))
}

// Logout terminates the session bound to token.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.engine.TerminateSession(ctx, token, domain.EndReasonLogout)
}

// Me returns the public view of an identity.
func (s *AuthService) Me(ctx context.Context, identityID uuid.UUID) (*UserView, error) {
	id, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, domain.ErrInternal("find identity", err)
	}
	if id == nil {
		return nil, domain.ErrNotFound("identity", identityID.String())
	}
	return viewOf(id), nil
}

// Simulate runs a dry-run login evaluation for an existing identity.
func (s *AuthService) Simulate(ctx context.Context, login string, lc domain.LoginContext) (*domain.LoginResult, error) {
	id, err := s.identities.FindByLogin(ctx, strings.TrimSpace(login))
	if err != nil {
		return nil, domain.ErrInternal("find identity", err)
	}
	if id == nil {
		return nil, domain.ErrNotFound("identity", login)
	}
	return s.engine.SimulateLogin(ctx, id, lc)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
