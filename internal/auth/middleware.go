package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/riskwatch/platform/internal/domain"
)

type contextKey string

const (
	claimsKey       contextKey = "auth_claims"
	subjectKey      contextKey = "auth_subject"
	sessionTokenKey contextKey = "session_token"
	decisionKey     contextKey = "session_decision"
)

const (
	// SessionCookie carries the opaque session token.
	SessionCookie = "sessionToken"
	// SessionHeader is the header alternative to SessionCookie.
	SessionHeader = "X-Session-Token"
	// TokenCookie carries the identity JWT for browser clients.
	TokenCookie = "token"
)

// ClaimsFromContext extracts JWT claims from request context.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// SubjectFromContext extracts the subject ID string from request context.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey).(string)
	return sub
}

// SessionTokenFromContext returns the session token accepted by MonitorSession.
func SessionTokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(sessionTokenKey).(string)
	return tok
}

// DecisionFromContext returns the monitor decision for the current request.
func DecisionFromContext(ctx context.Context) *domain.RequestDecision {
	d, _ := ctx.Value(decisionKey).(*domain.RequestDecision)
	return d
}

// AuthenticateIdentity returns middleware that validates identity JWT tokens
// from the Authorization header or the token cookie.
func AuthenticateIdentity(jwtMgr *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractAndValidate(r, jwtMgr, RealmIdentity)
			if err != nil {
				http.Error(w, `{"code":"UNAUTHORIZED","message":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = context.WithValue(ctx, subjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionMonitor scores monitored requests against their session.
type SessionMonitor interface {
	EvaluateRequest(ctx context.Context, token string, rc domain.RequestContext) (*domain.RequestDecision, error)
	RecordStatus(ctx context.Context, token string, seq int64, status int) error
}

// MonitorSession returns middleware that runs every request through the session
// monitor before the handler and records the response status afterwards.
// Terminated sessions get 403, missing or ended sessions 401 with action logout.
func MonitorSession(monitor SessionMonitor, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := SessionToken(r)
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"code":   domain.CodeSessionNotFound,
					"error":  "No session token",
					"action": "logout",
				})
				return
			}

			rc := domain.RequestContext{
				Endpoint:  r.URL.Path,
				Method:    r.Method,
				IP:        ClientIP(r, trustProxy),
				UserAgent: r.UserAgent(),
			}

			decision, err := monitor.EvaluateRequest(r.Context(), token, rc)
			if err != nil {
				var appErr *domain.AppError
				if errors.As(err, &appErr) && appErr.Status == http.StatusUnauthorized {
					writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
						"code":   appErr.Code,
						"error":  appErr.Message,
						"action": "logout",
					})
					return
				}
				if errors.As(err, &appErr) && appErr.Status < http.StatusInternalServerError {
					writeJSON(w, appErr.Status, map[string]interface{}{
						"code":    appErr.Code,
						"message": appErr.Message,
					})
					return
				}
				logger.Error("session monitor failed", "path", r.URL.Path, "error", err)
				http.Error(w, `{"code":"INTERNAL_ERROR","message":"internal server error"}`, http.StatusInternalServerError)
				return
			}

			if decision.Action == domain.ActionTerminate {
				clearSessionCookie(w)
				writeJSON(w, http.StatusForbidden, map[string]interface{}{
					"error":     "Suspicious activity detected",
					"action":    domain.ActionTerminate,
					"riskScore": decision.RiskScore,
				})
				return
			}

			ctx := context.WithValue(r.Context(), sessionTokenKey, token)
			ctx = context.WithValue(ctx, decisionKey, decision)
			ctx = context.WithValue(ctx, subjectKey, decision.IdentityID.String())

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			if sw.status == http.StatusOK {
				return
			}
			if err := monitor.RecordStatus(context.WithoutCancel(r.Context()), token, decision.Seq, sw.status); err != nil {
				logger.Warn("record response status failed", "seq", decision.Seq, "error", err)
			}
		})
	}
}

// SessionToken reads the session token from the cookie or the header.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.Header.Get(SessionHeader))
}

// ClientIP returns the caller address. Forwarding headers are honoured only
// when the service runs behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractAndValidate(r *http.Request, jwtMgr *JWTManager, realm Realm) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
			return jwtMgr.ValidateTokenForRealm(c.Value, realm)
		}
		return nil, fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil, fmt.Errorf("invalid Authorization format")
	}

	return jwtMgr.ValidateTokenForRealm(parts[1], realm)
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusWriter captures the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
