package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/guard"
	"github.com/riskwatch/platform/internal/service"
)

// AuthHandler handles registration, login and second-factor endpoints.
type AuthHandler struct {
	authSvc    *service.AuthService
	limiter    *guard.RateLimiter
	trustProxy bool
}

// NewAuthHandler creates a new AuthHandler. limiter may be nil.
func NewAuthHandler(authSvc *service.AuthService, limiter *guard.RateLimiter, trustProxy bool) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, limiter: limiter, trustProxy: trustProxy}
}

type verifyMFARequest struct {
	MFAToken string `json:"mfaToken"`
	Code     string `json:"code"`
}

type simulateRequest struct {
	Login string `json:"login"`
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input service.RegisterInput
	if err := DecodeJSON(r, &input); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "VALIDATION_ERROR",
			"message": "invalid request body",
		})
		return
	}

	result, err := h.authSvc.Register(r.Context(), input)
	if err != nil {
		RespondError(w, err)
		return
	}

	RespondJSON(w, http.StatusCreated, result)
}

// Login handles POST /auth/login. Allowed logins get the session and access
// cookies; blocked logins are answered with 403 and the decision.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		if res := h.limiter.Check(r.Context(), auth.ClientIP(r, h.trustProxy)); !res.Allowed {
			RespondError(w, domain.ErrRateLimited(res.Reason))
			return
		}
	}

	var input service.LoginInput
	if err := DecodeJSON(r, &input); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "VALIDATION_ERROR",
			"message": "invalid request body",
		})
		return
	}

	lc, err := LoginContextFromRequest(r, h.trustProxy)
	if err != nil {
		RespondError(w, err)
		return
	}

	result, err := h.authSvc.Login(r.Context(), input, lc)
	if err != nil {
		RespondError(w, err)
		return
	}

	if result.Action == domain.ActionBlock {
		RespondJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":     "Login blocked due to high risk",
			"action":    result.Action,
			"riskScore": result.RiskScore,
			"riskLevel": result.RiskLevel,
			"flags":     result.Flags,
		})
		return
	}

	setAuthCookies(w, result)
	RespondJSON(w, http.StatusOK, result)
}

// VerifyMFA handles POST /auth/verify-mfa.
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req verifyMFARequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "VALIDATION_ERROR",
			"message": "invalid request body",
		})
		return
	}

	result, err := h.authSvc.VerifySecondFactor(r.Context(), req.MFAToken, req.Code)
	if err != nil {
		RespondError(w, err)
		return
	}

	setAuthCookies(w, result)
	RespondJSON(w, http.StatusOK, result)
}

// Logout handles POST /auth/logout. A missing or ended session still clears the cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := auth.SessionToken(r); token != "" {
		if err := h.authSvc.Logout(r.Context(), token); err != nil && !domain.IsCode(err, domain.CodeSessionNotFound) {
			RespondError(w, err)
			return
		}
	}

	clearAuthCookies(w)
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// SimulateLogin handles POST /auth/simulate-login: scores a login for an existing
// user from the request headers without recording anything.
func (h *AuthHandler) SimulateLogin(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := DecodeJSON(r, &req); err != nil || req.Login == "" {
		RespondJSON(w, http.StatusBadRequest, map[string]string{
			"code":    "VALIDATION_ERROR",
			"message": "login is required",
		})
		return
	}

	lc, err := LoginContextFromRequest(r, h.trustProxy)
	if err != nil {
		RespondError(w, err)
		return
	}

	result, err := h.authSvc.Simulate(r.Context(), req.Login, lc)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identityID, err := subjectID(r)
	if err != nil {
		RespondError(w, err)
		return
	}

	user, err := h.authSvc.Me(r.Context(), identityID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, user)
}

func setAuthCookies(w http.ResponseWriter, result *service.LoginResponse) {
	if result.SessionToken != "" && result.ExpiresAt != nil {
		http.SetCookie(w, &http.Cookie{
			Name:     auth.SessionCookie,
			Value:    result.SessionToken,
			Path:     "/",
			Expires:  *result.ExpiresAt,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
	}
	if result.AccessToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     auth.TokenCookie,
			Value:    result.AccessToken,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{auth.SessionCookie, auth.TokenCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", Expires: time.Unix(0, 0), MaxAge: -1, HttpOnly: true})
	}
}

// subjectID returns the identity id set by the auth or session middleware.
func subjectID(r *http.Request) (uuid.UUID, error) {
	sub := auth.SubjectFromContext(r.Context())
	if sub == "" {
		return uuid.Nil, domain.ErrUnauthorized("no subject in context")
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, domain.ErrUnauthorized("invalid subject")
	}
	return id, nil
}
