package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/guard"
	"github.com/riskwatch/platform/internal/repository"
	"github.com/riskwatch/platform/internal/risk"
	"github.com/riskwatch/platform/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPredictor struct {
	mu      sync.Mutex
	login   float64
	session float64
}

func (p *fixedPredictor) PredictLogin(context.Context, risk.LoginFeatures) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.login, nil
}

func (p *fixedPredictor) PredictSession(context.Context, risk.SessionFeatures) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, nil
}

func (p *fixedPredictor) set(login, session float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.login, p.session = login, session
}

type codeBox struct {
	mu   sync.Mutex
	code string
}

func (c *codeBox) SendCode(_ context.Context, _ *domain.Identity, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code = code
	return nil
}

func (c *codeBox) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

type testServer struct {
	router    chi.Router
	predictor *fixedPredictor
	codes     *codeBox
}

func newTestServer(t *testing.T, limiter *guard.RateLimiter) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink := repository.NewLogSink(logger)
	identities := repository.NewMemoryIdentityStore(sink)
	sessions := repository.NewMemorySessionStore(sink)

	predictor := &fixedPredictor{login: 10, session: 10}
	engine := service.NewRiskEngine(identities, sessions, risk.NewScorer(predictor, logger), logger)

	jwtMgr := auth.NewJWTManager("router-test-secret", time.Hour, 5*time.Minute)
	codes := &codeBox{}
	authSvc := service.NewAuthService(identities, engine, repository.NewMemoryChallengeStore(), codes, jwtMgr, logger, 0)

	router := NewRouter(RouterDeps{
		Engine:             engine,
		Auth:               authSvc,
		Profiles:           service.NewProfileService(identities, engine, logger),
		JWTMgr:             jwtMgr,
		Logger:             logger,
		LoginLimiter:       limiter,
		CORSAllowedOrigins: "*",
	})
	return &testServer{router: router, predictor: predictor, codes: codes}
}

type call struct {
	method  string
	path    string
	body    interface{}
	session string
	bearer  string
	headers map[string]string
}

func (s *testServer) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var body io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	r := httptest.NewRequest(c.method, c.path, body)
	r.Header.Set("User-Agent", "router-test")
	r.Header.Set("X-Device-Id", "laptop")
	r.Header.Set("X-Country", "DE")
	if c.session != "" {
		r.Header.Set(auth.SessionHeader, c.session)
	}
	if c.bearer != "" {
		r.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (s *testServer) register(t *testing.T, username string) {
	t.Helper()
	w, _ := s.do(t, call{method: http.MethodPost, path: "/auth/register", body: map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct-horse",
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (s *testServer) login(t *testing.T, username string) map[string]interface{} {
	t.Helper()
	w, body := s.do(t, call{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"login":    username,
		"password": "correct-horse",
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return body
}

func TestRouter_SessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "ada")

	body := s.login(t, "ada")
	assert.Equal(t, "allow", body["action"])
	assert.Equal(t, false, body["mfaRequired"])
	session, _ := body["sessionToken"].(string)
	access, _ := body["token"].(string)
	require.NotEmpty(t, session)
	require.NotEmpty(t, access)

	w, me := s.do(t, call{method: http.MethodGet, path: "/auth/me", bearer: access})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ada", me["username"])

	w, current := s.do(t, call{method: http.MethodGet, path: "/session/current", session: session})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decision := current["decision"].(map[string]interface{})
	assert.Equal(t, "allow", decision["action"])
	assert.Equal(t, 10.0, decision["riskScore"])

	w, activity := s.do(t, call{method: http.MethodGet, path: "/session/activity", session: session})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, activity["activities"], 2)

	w, all := s.do(t, call{method: http.MethodGet, path: "/session/all", session: session})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, all["sessions"], 1)

	w, profile := s.do(t, call{method: http.MethodGet, path: "/risk/profile", session: session})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10.0, profile["averageRiskScore"])
	assert.Equal(t, "active", profile["sessionStatus"])

	w, history := s.do(t, call{method: http.MethodGet, path: "/risk/login-history", session: session})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, history["history"], 1)

	w, _ = s.do(t, call{method: http.MethodGet, path: "/auth/location-history", session: session})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, call{method: http.MethodPost, path: "/session/terminate", session: session})
	require.Equal(t, http.StatusOK, w.Code)

	w, after := s.do(t, call{method: http.MethodGet, path: "/session/current", session: session})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "logout", after["action"])
	assert.Equal(t, domain.CodeSessionTerminated, after["code"])
}

func TestRouter_BlockedLogin(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "bob")
	s.predictor.set(85, 10)

	w, body := s.do(t, call{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"login":    "bob",
		"password": "correct-horse",
	}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "block", body["action"])
	assert.Equal(t, 85.0, body["riskScore"])
	assert.Equal(t, "high", body["riskLevel"])
	assert.Empty(t, w.Result().Cookies())
}

func TestRouter_SecondFactor(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "cleo")
	s.predictor.set(55, 10)

	body := s.login(t, "cleo")
	assert.Equal(t, "mfa", body["action"])
	assert.Equal(t, true, body["mfaRequired"])
	assert.Nil(t, body["sessionToken"])
	mfaToken, _ := body["mfaToken"].(string)
	require.NotEmpty(t, mfaToken)
	require.Len(t, s.codes.last(), 6)

	w, verified := s.do(t, call{method: http.MethodPost, path: "/auth/verify-mfa", body: map[string]string{
		"mfaToken": mfaToken,
		"code":     s.codes.last(),
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "allow", verified["action"])
	session, _ := verified["sessionToken"].(string)
	require.NotEmpty(t, session)

	w, _ = s.do(t, call{method: http.MethodGet, path: "/session/current", session: session})
	assert.Equal(t, http.StatusOK, w.Code)

	// single use
	w, _ = s.do(t, call{method: http.MethodPost, path: "/auth/verify-mfa", body: map[string]string{
		"mfaToken": mfaToken,
		"code":     s.codes.last(),
	}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_SuspiciousActivityTerminates(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "dan")
	session := s.login(t, "dan")["sessionToken"].(string)

	s.predictor.set(10, 90)
	w, body := s.do(t, call{method: http.MethodGet, path: "/session/current", session: session})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Suspicious activity detected", body["error"])
	assert.Equal(t, "terminate", body["action"])
	assert.Equal(t, 90.0, body["riskScore"])

	s.predictor.set(10, 0)
	w, body = s.do(t, call{method: http.MethodGet, path: "/session/current", session: session})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "logout", body["action"])
}

func TestRouter_SimulatedScenarios(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "fay")
	session := s.login(t, "fay")["sessionToken"].(string)

	w, body := s.do(t, call{
		method:  http.MethodPost,
		path:    "/session/simulate-ip-change",
		session: session,
		headers: map[string]string{"X-New-Ip": "198.51.100.7"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "IP change detected", body["message"])
	assert.Equal(t, "allow", body["action"])
	assert.Equal(t, "198.51.100.7", body["newIp"])
	assert.NotEmpty(t, body["oldIp"])

	w, body = s.do(t, call{method: http.MethodPost, path: "/session/simulate-bot-activity", session: session})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 10.0, body["riskScore"], "the predictor scores the burst")
	m := body["metrics"].(map[string]interface{})
	assert.Greater(t, m["requestsPerMinute"].(float64), risk.HighRequestsPerMinute)

	w, _ = s.do(t, call{method: http.MethodPost, path: "/session/simulate-ip-change", session: session, headers: map[string]string{"X-New-Ip": "nope"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_MonitoredRoutesRequireSession(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/session/current", "/session/activity", "/risk/profile", "/auth/location-history"} {
		w, body := s.do(t, call{method: http.MethodGet, path: path})
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, "No session token", body["error"], path)
	}

	w, body := s.do(t, call{method: http.MethodGet, path: "/session/current", session: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, domain.CodeSessionNotFound, body["code"])
}

func TestRouter_LogoutWithoutSession(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := s.do(t, call{method: http.MethodPost, path: "/auth/logout", session: "unknown"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Logged out successfully", body["message"])
}

func TestRouter_SimulateLoginHasNoSideEffects(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "eve")
	s.predictor.set(42, 10)

	w, body := s.do(t, call{method: http.MethodPost, path: "/auth/simulate-login", body: map[string]string{"login": "eve"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 42.0, body["riskScore"])
	assert.Equal(t, "mfa", body["action"])

	s.predictor.set(10, 10)
	session := s.login(t, "eve")["sessionToken"].(string)
	_, history := s.do(t, call{method: http.MethodGet, path: "/risk/login-history", session: session})
	assert.Len(t, history["history"], 1)
}

func TestRouter_LoginRateLimited(t *testing.T) {
	s := newTestServer(t, guard.NewRateLimiter(2, time.Minute))
	s.register(t, "fay")

	for i := 0; i < 2; i++ {
		s.login(t, "fay")
	}
	w, body := s.do(t, call{method: http.MethodPost, path: "/auth/login", body: map[string]string{
		"login":    "fay",
		"password": "correct-horse",
	}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.CodeRateLimited, body["code"])
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, nil)

	w, body := s.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}
