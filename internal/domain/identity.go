package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoginHistoryWindow is the number of most recent login events loaded with an identity.
const LoginHistoryWindow = 20

// DefaultIPReputation is used when the caller supplies no reputation score.
const DefaultIPReputation = 0.5

// LoginOutcome tags the result of a login attempt.
type LoginOutcome string

const (
	OutcomeSuccess     LoginOutcome = "success"
	OutcomeBlocked     LoginOutcome = "blocked"
	OutcomeMFARequired LoginOutcome = "mfa_required"
)

// Location is a coarse geographic snapshot. Equality is on country and city only.
type Location struct {
	Country   string   `json:"country"`
	City      string   `json:"city"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (l Location) HasCoordinates() bool {
	return l.Latitude != nil && l.Longitude != nil
}

// LoginEvent is one entry of an identity's append-only login history.
type LoginEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	IP        string       `json:"ip"`
	DeviceID  string       `json:"deviceId"`
	Device    string       `json:"device"`
	Browser   string       `json:"browser"`
	Location  Location     `json:"location"`
	RiskScore float64      `json:"riskScore"`
	Outcome   LoginOutcome `json:"status"`
}

// KnownDevice is unique per identity by DeviceID.
type KnownDevice struct {
	DeviceID string    `json:"deviceId"`
	Label    string    `json:"deviceName"`
	LastSeen time.Time `json:"lastSeen"`
	LastIP   string    `json:"ip"`
}

// KnownLocation is unique per identity by (Country, City).
type KnownLocation struct {
	Country  string    `json:"country"`
	City     string    `json:"city"`
	LastSeen time.Time `json:"lastSeen"`
}

// Identity is the account record the engine reads history from.
// LoginHistory holds at most LoginHistoryWindow events, oldest first.
type Identity struct {
	ID             uuid.UUID       `json:"id"`
	Username       string          `json:"username"`
	Email          string          `json:"email"`
	PasswordHash   string          `json:"-"`
	LoginHistory   []LoginEvent    `json:"loginHistory,omitempty"`
	KnownDevices   []KnownDevice   `json:"knownDevices,omitempty"`
	KnownLocations []KnownLocation `json:"knownLocations,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// HasDevice reports whether deviceID is in the known-device set.
func (i *Identity) HasDevice(deviceID string) bool {
	for _, d := range i.KnownDevices {
		if d.DeviceID == deviceID {
			return true
		}
	}
	return false
}

// HasLocation reports whether the (country, city) pair is in the known-location set.
func (i *Identity) HasLocation(country, city string) bool {
	for _, l := range i.KnownLocations {
		if l.Country == country && l.City == city {
			return true
		}
	}
	return false
}

// HasCountry reports whether any known location is in the given country.
func (i *Identity) HasCountry(country string) bool {
	for _, l := range i.KnownLocations {
		if l.Country == country {
			return true
		}
	}
	return false
}

// LoginContext is the raw context of a login attempt.
type LoginContext struct {
	IP           string    `json:"ip"`
	DeviceID     string    `json:"deviceId"`
	Device       string    `json:"device"`
	Browser      string    `json:"browser"`
	Location     Location  `json:"location"`
	IPReputation *float64  `json:"ipReputation,omitempty"`
	At           time.Time `json:"at"`
}

// Reputation returns the supplied IP reputation or DefaultIPReputation.
func (lc LoginContext) Reputation() float64 {
	if lc.IPReputation == nil {
		return DefaultIPReputation
	}
	return *lc.IPReputation
}

// Event converts the context into a login history entry.
func (lc LoginContext) Event(score float64, outcome LoginOutcome) LoginEvent {
	return LoginEvent{
		Timestamp: lc.At,
		IP:        lc.IP,
		DeviceID:  lc.DeviceID,
		Device:    lc.Device,
		Browser:   lc.Browser,
		Location:  lc.Location,
		RiskScore: score,
		Outcome:   outcome,
	}
}

// LoginRecord is a single atomic mutation of an identity after a login decision.
// Device and Location are nil unless the decision upserts them.
type LoginRecord struct {
	Event    LoginEvent
	Device   *KnownDevice
	Location *KnownLocation
}
