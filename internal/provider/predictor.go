package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/riskwatch/platform/internal/guard"
	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/risk"
)

const (
	breakerLogin   = "predict.login"
	breakerSession = "predict.session"
)

// RemotePredictor calls an external model service over HTTP.
// Every failure is reported as risk.ErrScoreProviderUnavailable.
type RemotePredictor struct {
	baseURL string
	client  *http.Client
	breaker *guard.CircuitBreaker
	logger  *slog.Logger
}

// NewRemotePredictor creates a predictor client. breaker may be nil.
func NewRemotePredictor(baseURL string, timeout time.Duration, breaker *guard.CircuitBreaker, logger *slog.Logger) *RemotePredictor {
	return &RemotePredictor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// PredictLogin scores a login feature vector.
func (p *RemotePredictor) PredictLogin(ctx context.Context, f risk.LoginFeatures) (float64, error) {
	return p.predict(ctx, breakerLogin, "/predict/login", f)
}

// PredictSession scores a session feature vector.
func (p *RemotePredictor) PredictSession(ctx context.Context, f risk.SessionFeatures) (float64, error) {
	return p.predict(ctx, breakerSession, "/predict/session", f)
}

func (p *RemotePredictor) predict(ctx context.Context, key, path string, features interface{}) (float64, error) {
	if p.breaker != nil {
		if res := p.breaker.Check(ctx, key); !res.Allowed {
			return 0, fmt.Errorf("%w: %s", risk.ErrScoreProviderUnavailable, res.Reason)
		}
	}

	start := time.Now()
	score, err := p.call(ctx, path, features)
	metrics.PredictorLatency.WithLabelValues(strings.TrimPrefix(key, "predict.")).Observe(time.Since(start).Seconds())

	if err != nil {
		if p.breaker != nil {
			p.breaker.RecordFailure(key)
		}
		p.logger.Debug("predictor call failed", "path", path, "error", err)
		return 0, fmt.Errorf("%w: %v", risk.ErrScoreProviderUnavailable, err)
	}

	if p.breaker != nil {
		p.breaker.RecordSuccess(key)
	}
	return score, nil
}

func (p *RemotePredictor) call(ctx context.Context, path string, features interface{}) (float64, error) {
	body, err := json.Marshal(map[string]interface{}{"features": features})
	if err != nil {
		return 0, fmt.Errorf("encode features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("api returned %d", resp.StatusCode)
	}

	var response struct {
		RiskScore json.RawMessage `json:"riskScore"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	raw := bytes.TrimSpace(response.RiskScore)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("response missing riskScore")
	}

	var score float64
	if err := json.Unmarshal(raw, &score); err != nil {
		return 0, fmt.Errorf("riskScore is not a number: %s", raw)
	}
	return score, nil
}
