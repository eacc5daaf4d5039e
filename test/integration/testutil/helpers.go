//go:build integration

package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/auth"
)

// Default login context headers sent by every request helper.
var defaultHeaders = map[string]string{
	"User-Agent":  "integration-test",
	"X-Device-Id": "integration-laptop",
	"X-Device":    "Laptop",
	"X-Country":   "DE",
	"X-City":      "Berlin",
}

// LoginResult is the decoded body of a successful login or verification.
type LoginResult struct {
	Action       string   `json:"action"`
	RiskScore    float64  `json:"riskScore"`
	RiskLevel    string   `json:"riskLevel"`
	Flags        []string `json:"flags"`
	SessionToken string   `json:"sessionToken"`
	Token        string   `json:"token"`
	MFAToken     string   `json:"mfaToken"`
	MFARequired  bool     `json:"mfaRequired"`
}

// Register creates a new identity and returns its id.
func (env *TestEnv) Register(username, password string) uuid.UUID {
	env.t.Helper()
	resp := env.POST("/auth/register", map[string]string{
		"username": username,
		"email":    username + "@test.com",
		"password": password,
	}, "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		env.t.Fatalf("Register: expected 201, got %d", resp.StatusCode)
	}

	var result struct {
		User struct {
			ID uuid.UUID `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		env.t.Fatalf("Register: decode: %v", err)
	}
	return result.User.ID
}

// Login authenticates an identity and returns the decoded decision.
// It fails the test unless the response is 200.
func (env *TestEnv) Login(login, password string) LoginResult {
	env.t.Helper()
	resp := env.POST("/auth/login", map[string]string{
		"login":    login,
		"password": password,
	}, "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		env.t.Fatalf("Login: expected 200, got %d", resp.StatusCode)
	}

	var result LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		env.t.Fatalf("Login: decode: %v", err)
	}
	return result
}

// GET performs a request without credentials.
func (env *TestEnv) GET(path string) *http.Response {
	env.t.Helper()
	return env.do(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with an optional bearer token.
func (env *TestEnv) POST(path string, body interface{}, token string) *http.Response {
	env.t.Helper()
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return env.do(http.MethodPost, path, body, headers)
}

// AuthGET performs a GET request with a bearer token.
func (env *TestEnv) AuthGET(path, token string) *http.Response {
	env.t.Helper()
	return env.do(http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer " + token})
}

// SessionGET performs a session-monitored GET request.
func (env *TestEnv) SessionGET(path, sessionToken string) *http.Response {
	env.t.Helper()
	return env.do(http.MethodGet, path, nil, map[string]string{auth.SessionHeader: sessionToken})
}

// SessionPOST performs a session-monitored POST request.
func (env *TestEnv) SessionPOST(path string, body interface{}, sessionToken string) *http.Response {
	env.t.Helper()
	return env.do(http.MethodPost, path, body, map[string]string{auth.SessionHeader: sessionToken})
}

// GETWithHeaders performs a GET request with extra headers on top of the defaults.
func (env *TestEnv) GETWithHeaders(path string, headers map[string]string) *http.Response {
	env.t.Helper()
	return env.do(http.MethodGet, path, nil, headers)
}

func (env *TestEnv) do(method, path string, body interface{}, headers map[string]string) *http.Response {
	env.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			env.t.Fatalf("%s %s: encode: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, env.Server.URL+path, &buf)
	if err != nil {
		env.t.Fatalf("%s %s: new request: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}
