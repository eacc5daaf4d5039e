package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivityWindow bounds the activity log kept on a session and read by metrics.
const ActivityWindow = 20

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionSuspicious SessionStatus = "suspicious"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// Reasons recorded when a session leaves the active state.
const (
	EndReasonRisk    = "risk"
	EndReasonLogout  = "logout"
	EndReasonRevoked = "revoked"
	EndReasonExpired = "expired"
)

// ActivityRecord is one monitored request. Seq is unique and increasing per session.
type ActivityRecord struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"userAgent"`
	RiskScore  float64   `json:"riskScore"`
}

// MetricsSnapshot is computed over the activity window. IPChanges is cumulative.
type MetricsSnapshot struct {
	RequestsPerMinute float64 `json:"requestsPerMinute"`
	UniqueEndpoints   int     `json:"uniqueEndpoints"`
	ErrorRate         float64 `json:"errorRate"`
	IPChanges         int     `json:"ipChanges"`
}

// Session is a server-side authenticated browsing period bound to an opaque token.
// ID is a public handle for listings and events; Token is the bearer secret.
type Session struct {
	ID             uuid.UUID        `json:"id"`
	Token          string           `json:"-"`
	IdentityID     uuid.UUID        `json:"userId"`
	IP             string           `json:"ip"`
	Device         string           `json:"device"`
	Browser        string           `json:"browser"`
	Location       Location         `json:"location"`
	StartedAt      time.Time        `json:"startTime"`
	LastActivityAt time.Time        `json:"lastActivity"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	RiskScore      float64          `json:"riskScore"`
	RiskLevel      RiskLevel        `json:"riskLevel"`
	Status         SessionStatus    `json:"status"`
	Activity       []ActivityRecord `json:"activityLog"`
	Metrics        MetricsSnapshot  `json:"metrics"`
	RequestCount   int64            `json:"requestCount"`
	EndedReason    string           `json:"endedReason,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// IsActive reports whether the session still accepts monitored access.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (s *Session) Clone() *Session {
	c := *s
	c.Activity = append([]ActivityRecord(nil), s.Activity...)
	c.Location = s.Location.clone()
	return &c
}

func (l Location) clone() Location {
	c := l
	if l.Latitude != nil {
		v := *l.Latitude
		c.Latitude = &v
	}
	if l.Longitude != nil {
		v := *l.Longitude
		c.Longitude = &v
	}
	return c
}

// RequestContext describes one authenticated request entering the monitor.
type RequestContext struct {
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
	At        time.Time `json:"at"`
}

// RequestDecision is the outcome of monitoring one request.
type RequestDecision struct {
	Action     Action    `json:"action"`
	RiskScore  float64   `json:"riskScore"`
	RiskLevel  RiskLevel `json:"riskLevel"`
	Flags      []string  `json:"flags,omitempty"`
	IdentityID uuid.UUID `json:"-"`
	Seq        int64     `json:"-"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// LoginResult is the outcome of evaluating a login attempt.
// SessionToken and ExpiresAt are set only when a session was minted.
type LoginResult struct {
	Action       Action     `json:"action"`
	RiskScore    float64    `json:"riskScore"`
	RiskLevel    RiskLevel  `json:"riskLevel"`
	Flags        []string   `json:"flags,omitempty"`
	SessionToken string     `json:"sessionToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}
