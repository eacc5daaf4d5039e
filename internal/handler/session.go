package handler

import (
	"net/http"

	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/service"
)

// SessionHandler serves the session-monitored endpoints.
type SessionHandler struct {
	engine *service.RiskEngine
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(engine *service.RiskEngine) *SessionHandler {
	return &SessionHandler{engine: engine}
}

// Current handles GET /session/current.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.CurrentSession(r.Context(), auth.SessionTokenFromContext(r.Context()))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"session":  s,
		"decision": auth.DecisionFromContext(r.Context()),
	})
}

// Activity handles GET /session/activity.
func (h *SessionHandler) Activity(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ListActivity(r.Context(), auth.SessionTokenFromContext(r.Context()))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, report)
}

// All handles GET /session/all: every session of the caller, newest first.
func (h *SessionHandler) All(w http.ResponseWriter, r *http.Request) {
	identityID, err := subjectID(r)
	if err != nil {
		RespondError(w, err)
		return
	}

	sessions, err := h.engine.ListSessions(r.Context(), identityID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Terminate handles POST /session/terminate: ends the caller's current session.
func (h *SessionHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	token := auth.SessionTokenFromContext(r.Context())
	if err := h.engine.TerminateSession(r.Context(), token, domain.EndReasonRevoked); err != nil {
		RespondError(w, err)
		return
	}
	clearAuthCookies(w)
	RespondJSON(w, http.StatusOK, map[string]string{"message": "Session terminated successfully"})
}

// NewIPHeader names the address SimulateIPChange pretends the session moved to.
const NewIPHeader = "X-New-Ip"

// SimulateIPChange handles POST /session/simulate-ip-change.
func (h *SessionHandler) SimulateIPChange(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.SimulateIPChange(r.Context(), auth.SessionTokenFromContext(r.Context()), r.Header.Get(NewIPHeader))
	if err != nil {
		RespondError(w, err)
		return
	}

	message := "IP change detected"
	if res.Decision.Action == domain.ActionTerminate {
		message = "Session terminated due to IP change"
		clearAuthCookies(w)
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   message,
		"action":    res.Decision.Action,
		"riskScore": res.Decision.RiskScore,
		"riskLevel": res.Decision.RiskLevel,
		"flags":     res.Decision.Flags,
		"oldIp":     res.OldIP,
		"newIp":     res.NewIP,
	})
}

// SimulateBotActivity handles POST /session/simulate-bot-activity.
func (h *SessionHandler) SimulateBotActivity(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.SimulateBotActivity(r.Context(), auth.SessionTokenFromContext(r.Context()))
	if err != nil {
		RespondError(w, err)
		return
	}

	message := "Bot-like activity detected"
	if res.Decision.Action == domain.ActionTerminate {
		message = "Session terminated due to bot-like behavior"
		clearAuthCookies(w)
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   message,
		"action":    res.Decision.Action,
		"riskScore": res.Decision.RiskScore,
		"riskLevel": res.Decision.RiskLevel,
		"flags":     res.Decision.Flags,
		"metrics":   res.Metrics,
	})
}
