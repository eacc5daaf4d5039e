// Package risk turns login and session context into risk scores.
package risk

import (
	"encoding/json"
	"time"

	"github.com/riskwatch/platform/internal/domain"
)

const (
	// FailureWindow is the number of recent login events scanned for blocked outcomes.
	FailureWindow = 10
	// MaxRecentFailures caps the recentFailedAttempts feature.
	MaxRecentFailures = 5
	// NoHistoryDays is reported as daysSinceLastLogin when an identity has no history.
	NoHistoryDays = 30.0
	// ImpossibleTravelWindow bounds the geo-velocity signal.
	ImpossibleTravelWindow = 2 * time.Hour
)

// LoginFeatures is the feature vector for a login attempt.
type LoginFeatures struct {
	IsNewDevice          bool
	IsNewLocation        bool
	IsOddHour            bool
	RecentFailedAttempts int
	DaysSinceLastLogin   float64
	IPReputation         float64
	GeoVelocity          bool
}

// MarshalJSON encodes the vector in the predictor's wire format, booleans as 0/1.
func (f LoginFeatures) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		IsNewDevice          int     `json:"isNewDevice"`
		IsNewLocation        int     `json:"isNewLocation"`
		IsOddHour            int     `json:"isOddHour"`
		RecentFailedAttempts int     `json:"recentFailedAttempts"`
		DaysSinceLastLogin   float64 `json:"daysSinceLastLogin"`
		IPReputation         float64 `json:"ipReputation"`
		GeoVelocity          int     `json:"geoVelocity"`
	}{
		IsNewDevice:          flag(f.IsNewDevice),
		IsNewLocation:        flag(f.IsNewLocation),
		IsOddHour:            flag(f.IsOddHour),
		RecentFailedAttempts: f.RecentFailedAttempts,
		DaysSinceLastLogin:   f.DaysSinceLastLogin,
		IPReputation:         f.IPReputation,
		GeoVelocity:          flag(f.GeoVelocity),
	})
}

// SessionFeatures is the feature vector for one monitored request.
type SessionFeatures struct {
	RequestsPerMinute      float64
	UniqueEndpoints        int
	ErrorRate              float64
	IPChanges              int
	SessionDurationMinutes float64
	UserAgentChanged       bool
}

// MarshalJSON encodes the vector in the predictor's wire format.
func (f SessionFeatures) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestsPerMinute float64 `json:"requestsPerMinute"`
		UniqueEndpoints   int     `json:"uniqueEndpoints"`
		ErrorRate         float64 `json:"errorRate"`
		IPChanges         int     `json:"ipChanges"`
		SessionDuration   float64 `json:"sessionDuration"`
		UserAgentChanges  int     `json:"userAgentChanges"`
	}{
		RequestsPerMinute: f.RequestsPerMinute,
		UniqueEndpoints:   f.UniqueEndpoints,
		ErrorRate:         f.ErrorRate,
		IPChanges:         f.IPChanges,
		SessionDuration:   f.SessionDurationMinutes,
		UserAgentChanges:  flag(f.UserAgentChanged),
	})
}

// ExtractLoginFeatures derives the login vector from identity history and the attempt.
// lc.At is the attempt time in the caller's local zone; it drives the odd-hour signal.
func ExtractLoginFeatures(id *domain.Identity, lc domain.LoginContext) LoginFeatures {
	recent := lastEvents(id.LoginHistory, FailureWindow)

	failed := countOutcome(recent, domain.OutcomeBlocked)
	if failed > MaxRecentFailures {
		failed = MaxRecentFailures
	}

	days := NoHistoryDays
	if n := len(id.LoginHistory); n > 0 {
		days = lc.At.Sub(id.LoginHistory[n-1].Timestamp).Hours() / 24
	}

	return LoginFeatures{
		IsNewDevice:          !id.HasDevice(lc.DeviceID),
		IsNewLocation:        !id.HasLocation(lc.Location.Country, lc.Location.City),
		IsOddHour:            IsOddHour(lc.At),
		RecentFailedAttempts: failed,
		DaysSinceLastLogin:   days,
		IPReputation:         lc.Reputation(),
		GeoVelocity:          impossibleTravel(id.LoginHistory, lc),
	}
}

// ExtractSessionFeatures derives the session vector for rec arriving on s.
// The window statistics cover the stored activity; rec only adds its address
// change and its timestamp. s is not modified.
func ExtractSessionFeatures(s *domain.Session, rec domain.ActivityRecord) SessionFeatures {
	w := Window(s.Activity, domain.ActivityWindow)

	ipChanges := s.Metrics.IPChanges
	if IPChanged(s, rec) {
		ipChanges++
	}

	return SessionFeatures{
		RequestsPerMinute:      RequestsPerMinute(w),
		UniqueEndpoints:        UniqueEndpoints(w),
		ErrorRate:              ErrorRate(w),
		IPChanges:              ipChanges,
		SessionDurationMinutes: rec.Timestamp.Sub(s.StartedAt).Minutes(),
		UserAgentChanged:       UserAgentChanged(w),
	}
}

// IsOddHour reports whether t falls before 06:00 or after 22:59 in its own zone.
func IsOddHour(t time.Time) bool {
	h := t.Hour()
	return h < 6 || h > 22
}

// IPChanged reports whether the request arrives from an address other than the session's.
func IPChanged(s *domain.Session, rec domain.ActivityRecord) bool {
	return rec.IP != "" && rec.IP != s.IP
}

// impossibleTravel flags a login from a different country than the most recent
// successful login when that login happened less than two hours earlier.
func impossibleTravel(history []domain.LoginEvent, lc domain.LoginContext) bool {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.Outcome != domain.OutcomeSuccess {
			continue
		}
		elapsed := lc.At.Sub(ev.Timestamp)
		return elapsed >= 0 && elapsed < ImpossibleTravelWindow &&
			ev.Location.Country != lc.Location.Country
	}
	return false
}

func lastEvents(history []domain.LoginEvent, n int) []domain.LoginEvent {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func countOutcome(events []domain.LoginEvent, outcome domain.LoginOutcome) int {
	var n int
	for _, ev := range events {
		if ev.Outcome == outcome {
			n++
		}
	}
	return n
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
