//go:build integration

package integration

import (
	"net/http"
	"sync"
	"testing"

	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/test/integration/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── Lockout ────────────────────────────────────────────────────────────────

func TestLockout_AfterRepeatedFailures(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Register("lockout", "securepass123")

	for i := 0; i < 5; i++ {
		resp := env.POST("/auth/login", map[string]string{"login": "lockout", "password": "wrongpass"}, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	// correct password is refused while locked
	resp := env.POST("/auth/login", map[string]string{"login": "lockout", "password": "securepass123"}, "")
	testutil.AssertStatus(t, resp, http.StatusTooManyRequests)
	testutil.AssertErrorCode(t, resp, domain.CodeAccountLocked)
}

// ─── Session monitoring ─────────────────────────────────────────────────────

func TestSession_MonitoredRequestsAreRecorded(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Register("monitor", "securepass123")
	token := env.Login("monitor", "securepass123").SessionToken

	for i := 0; i < 3; i++ {
		resp := env.SessionGET("/session/current", token)
		testutil.AssertStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := env.SessionGET("/session/activity", token)
	testutil.AssertStatus(t, resp, http.StatusOK)

	var report struct {
		Activities []struct {
			Endpoint   string  `json:"endpoint"`
			StatusCode int     `json:"statusCode"`
			RiskScore  float64 `json:"riskScore"`
		} `json:"activities"`
		Metrics struct {
			UniqueEndpoints int `json:"uniqueEndpoints"`
		} `json:"metrics"`
	}
	testutil.DecodeJSON(t, resp, &report)
	require.Len(t, report.Activities, 4)
	assert.Equal(t, "/session/current", report.Activities[0].Endpoint)
	assert.Equal(t, "/session/activity", report.Activities[3].Endpoint)
	assert.Equal(t, 2, report.Metrics.UniqueEndpoints)
}

func TestSession_ConcurrentRequestsKeepEveryRecord(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Register("parallel", "securepass123")
	token := env.Login("parallel", "securepass123").SessionToken

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := env.SessionGET("/risk/profile", token)
			resp.Body.Close()
		}()
	}
	wg.Wait()

	resp := env.SessionGET("/session/current", token)
	testutil.AssertStatus(t, resp, http.StatusOK)
	var body struct {
		Session struct {
			RequestCount int `json:"requestCount"`
		} `json:"session"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, 11, body.Session.RequestCount)
}

func TestSession_SuspiciousActivityTerminates(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Register("suspect", "securepass123")
	token := env.Login("suspect", "securepass123").SessionToken

	env.Predictor.Set(10, 95)
	resp := env.SessionGET("/session/current", token)
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	status, reason := testutil.SessionStatus(t, env, token)
	assert.Equal(t, "terminated", status)
	assert.Equal(t, domain.EndReasonRisk, reason)
	assert.Equal(t, 1, testutil.CountOutboxEvents(t, env, string(domain.EventSessionTerminated)))

	env.Predictor.Set(10, 0)
	resp = env.SessionGET("/session/current", token)
	testutil.AssertStatus(t, resp, http.StatusUnauthorized)
	testutil.AssertErrorCode(t, resp, domain.CodeSessionTerminated)
}

func TestSession_MediumRiskShortensExpiry(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Register("medium", "securepass123")
	token := env.Login("medium", "securepass123").SessionToken

	env.Predictor.Set(10, 50)
	resp := env.SessionGET("/session/current", token)
	testutil.AssertStatus(t, resp, http.StatusOK)

	var body struct {
		Decision struct {
			RiskLevel string `json:"riskLevel"`
		} `json:"decision"`
	}
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "medium", body.Decision.RiskLevel)
	assert.Equal(t, 1, testutil.CountOutboxEvents(t, env, string(domain.EventSessionEscalated)))
}

func TestSession_TerminateAndLogout(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Register("quitter", "securepass123")
	first := env.Login("quitter", "securepass123").SessionToken
	second := env.Login("quitter", "securepass123").SessionToken

	resp := env.SessionGET("/session/all", second)
	testutil.AssertStatus(t, resp, http.StatusOK)
	var all struct {
		Sessions []struct {
			Status string `json:"status"`
		} `json:"sessions"`
	}
	testutil.DecodeJSON(t, resp, &all)
	assert.Len(t, all.Sessions, 2)

	resp = env.SessionPOST("/session/terminate", nil, first)
	testutil.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	status, reason := testutil.SessionStatus(t, env, first)
	assert.Equal(t, "terminated", status)
	assert.Equal(t, domain.EndReasonRevoked, reason)

	resp = env.SessionPOST("/auth/logout", nil, second)
	testutil.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	status, reason = testutil.SessionStatus(t, env, second)
	assert.Equal(t, "terminated", status)
	assert.Equal(t, domain.EndReasonLogout, reason)
}

func TestSession_MissingToken(t *testing.T) {
	env := testutil.NewTestEnv(t)

	resp := env.GET("/session/current")
	testutil.AssertStatus(t, resp, http.StatusUnauthorized)
	testutil.AssertErrorCode(t, resp, domain.CodeSessionNotFound)
}

// ─── Profile ────────────────────────────────────────────────────────────────

func TestRiskProfile_ReflectsHistory(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.Register("profiled", "securepass123")

	env.Predictor.Set(20, 10)
	env.Login("profiled", "securepass123")
	env.Predictor.Set(30, 10)
	token := env.Login("profiled", "securepass123").SessionToken

	resp := env.SessionGET("/risk/profile", token)
	testutil.AssertStatus(t, resp, http.StatusOK)
	var profile struct {
		AverageRiskScore float64 `json:"averageRiskScore"`
		RecentLogins     int     `json:"recentLogins"`
		KnownDevices     int     `json:"knownDevices"`
		KnownLocations   int     `json:"knownLocations"`
		SessionStatus    string  `json:"sessionStatus"`
	}
	testutil.DecodeJSON(t, resp, &profile)
	assert.Equal(t, 25.0, profile.AverageRiskScore)
	assert.Equal(t, 2, profile.RecentLogins)
	assert.Equal(t, 1, profile.KnownDevices)
	assert.Equal(t, 1, profile.KnownLocations)
	assert.Equal(t, "active", profile.SessionStatus)

	resp = env.SessionGET("/risk/login-history", token)
	testutil.AssertStatus(t, resp, http.StatusOK)
	var history struct {
		History []struct {
			RiskScore float64 `json:"riskScore"`
		} `json:"history"`
	}
	testutil.DecodeJSON(t, resp, &history)
	require.Len(t, history.History, 2)
	assert.Equal(t, 30.0, history.History[0].RiskScore)
}
