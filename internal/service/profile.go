package service

import (
	"context"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/repository"
)

const (
	profileScoreWindow   = 10
	loginHistoryLimit    = 20
	locationHistoryLimit = 100
)

// ProfileService serves read-only views over an identity's risk history.
type ProfileService struct {
	identities repository.IdentityStore
	engine     *RiskEngine
	logger     *slog.Logger
}

// NewProfileService creates a new ProfileService.
func NewProfileService(identities repository.IdentityStore, engine *RiskEngine, logger *slog.Logger) *ProfileService {
	return &ProfileService{identities: identities, engine: engine, logger: logger}
}

// RiskProfile summarises an identity's login risk and current session.
type RiskProfile struct {
	AverageRiskScore float64          `json:"averageRiskScore"`
	RecentLogins     int              `json:"recentLogins"`
	KnownDevices     int              `json:"knownDevices"`
	KnownLocations   int              `json:"knownLocations"`
	CurrentRiskScore float64          `json:"currentRiskScore"`
	CurrentRiskLevel domain.RiskLevel `json:"currentRiskLevel"`
	SessionStatus    string           `json:"sessionStatus,omitempty"`
}

// DeviceLocations groups the located logins of one device.
type DeviceLocations struct {
	DeviceID  string              `json:"deviceId"`
	Device    string              `json:"device"`
	Locations []domain.LoginEvent `json:"locations"`
}

// RiskProfile builds the profile of identityID. sessionToken is optional and
// selects the session whose score is reported as current.
func (s *ProfileService) RiskProfile(ctx context.Context, identityID uuid.UUID, sessionToken string) (*RiskProfile, error) {
	id, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		return nil, domain.ErrInternal("find identity", err)
	}
	if id == nil {
		return nil, domain.ErrNotFound("identity", identityID.String())
	}

	recent, err := s.identities.ListLoginEvents(ctx, identityID, profileScoreWindow)
	if err != nil {
		return nil, domain.ErrInternal("list login events", err)
	}

	p := &RiskProfile{
		AverageRiskScore: averageScore(recent),
		RecentLogins:     len(recent),
		KnownDevices:     len(id.KnownDevices),
		KnownLocations:   len(id.KnownLocations),
		CurrentRiskLevel: domain.RiskLow,
	}

	if sessionToken != "" {
		sess, err := s.engine.CurrentSession(ctx, sessionToken)
		if err != nil && !isSessionGone(err) {
			return nil, err
		}
		if sess != nil && sess.IdentityID == identityID {
			p.CurrentRiskScore = sess.RiskScore
			p.CurrentRiskLevel = sess.RiskLevel
			p.SessionStatus = string(sess.Status)
		}
	}
	return p, nil
}

// LoginHistory returns the most recent login events, newest first.
func (s *ProfileService) LoginHistory(ctx context.Context, identityID uuid.UUID) ([]domain.LoginEvent, error) {
	events, err := s.identities.ListLoginEvents(ctx, identityID, loginHistoryLimit)
	if err != nil {
		return nil, domain.ErrInternal("list login events", err)
	}
	if events == nil {
		events = []domain.LoginEvent{}
	}
	return events, nil
}

// LocationHistory returns successful logins that carry coordinates, grouped by device.
// Groups are ordered by their most recent login.
func (s *ProfileService) LocationHistory(ctx context.Context, identityID uuid.UUID) ([]DeviceLocations, error) {
	events, err := s.identities.ListLoginEvents(ctx, identityID, locationHistoryLimit)
	if err != nil {
		return nil, domain.ErrInternal("list login events", err)
	}

	groups := []DeviceLocations{}
	index := make(map[string]int)
	for _, ev := range events {
		if ev.Outcome != domain.OutcomeSuccess || !ev.Location.HasCoordinates() {
			continue
		}
		i, ok := index[ev.DeviceID]
		if !ok {
			i = len(groups)
			index[ev.DeviceID] = i
			groups = append(groups, DeviceLocations{DeviceID: ev.DeviceID, Device: ev.Device})
		}
		groups[i].Locations = append(groups[i].Locations, ev)
	}
	return groups, nil
}

func averageScore(events []domain.LoginEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	var sum float64
	for _, ev := range events {
		sum += ev.RiskScore
	}
	return math.Round(sum/float64(len(events))*100) / 100
}

func isSessionGone(err error) bool {
	return domain.IsCode(err, domain.CodeSessionNotFound) ||
		domain.IsCode(err, domain.CodeSessionExpired) ||
		domain.IsCode(err, domain.CodeSessionTerminated)
}
