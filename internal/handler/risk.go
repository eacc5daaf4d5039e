package handler

import (
	"net/http"

	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/service"
)

// RiskHandler serves the risk profile views of the caller.
type RiskHandler struct {
	profiles *service.ProfileService
}

// NewRiskHandler creates a new RiskHandler.
func NewRiskHandler(profiles *service.ProfileService) *RiskHandler {
	return &RiskHandler{profiles: profiles}
}

// Profile handles GET /risk/profile.
func (h *RiskHandler) Profile(w http.ResponseWriter, r *http.Request) {
	identityID, err := subjectID(r)
	if err != nil {
		RespondError(w, err)
		return
	}

	profile, err := h.profiles.RiskProfile(r.Context(), identityID, auth.SessionTokenFromContext(r.Context()))
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, profile)
}

// LoginHistory handles GET /risk/login-history.
func (h *RiskHandler) LoginHistory(w http.ResponseWriter, r *http.Request) {
	identityID, err := subjectID(r)
	if err != nil {
		RespondError(w, err)
		return
	}

	events, err := h.profiles.LoginHistory(r.Context(), identityID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"history": events})
}

// LocationHistory handles GET /auth/location-history.
func (h *RiskHandler) LocationHistory(w http.ResponseWriter, r *http.Request) {
	identityID, err := subjectID(r)
	if err != nil {
		RespondError(w, err)
		return
	}

	groups, err := h.profiles.LocationHistory(r.Context(), identityID)
	if err != nil {
		RespondError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"devices": groups})
}
