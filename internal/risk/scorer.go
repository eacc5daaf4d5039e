package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/traces"
)

// ErrScoreProviderUnavailable is returned by predictors that cannot produce a score.
// The Scorer always absorbs it.
var ErrScoreProviderUnavailable = errors.New("score provider unavailable")

const (
	kindLogin   = "login"
	kindSession = "session"
)

// Predictor is an external scoring capability.
type Predictor interface {
	PredictLogin(ctx context.Context, f LoginFeatures) (float64, error)
	PredictSession(ctx context.Context, f SessionFeatures) (float64, error)
}

// Scorer asks the predictor first and falls back to the rules, without retry,
// on any predictor error or out-of-range answer.
type Scorer struct {
	predictor Predictor
	logger    *slog.Logger
}

// NewScorer creates a Scorer. A nil predictor means rules only.
func NewScorer(predictor Predictor, logger *slog.Logger) *Scorer {
	return &Scorer{predictor: predictor, logger: logger}
}

// ScoreLogin scores a login attempt. It never fails.
func (s *Scorer) ScoreLogin(ctx context.Context, id *domain.Identity, lc domain.LoginContext) Assessment {
	ctx, span := traces.StartSpan(ctx, "risk.score_login",
		traces.ScoreKind(kindLogin), traces.IdentityID(id.ID.String()))
	defer span.End()

	rules := LoginRules(id, lc)
	result := rules
	if s.predictor != nil {
		score, err := s.predictor.PredictLogin(ctx, ExtractLoginFeatures(id, lc))
		if err == nil {
			err = checkScore(score)
		}
		if err != nil {
			s.fallback(kindLogin, err)
		} else {
			result = Assessment{Score: score, Flags: rules.Flags, Source: SourcePredictor}
		}
	}

	s.observe(kindLogin, result)
	span.SetAttributes(traces.Score(result.Score), traces.ScoreSource(string(result.Source)))
	return result
}

// ScoreSession scores rec arriving on the pre-request snapshot sess. It never fails.
func (s *Scorer) ScoreSession(ctx context.Context, sess *domain.Session, rec domain.ActivityRecord) Assessment {
	ctx, span := traces.StartSpan(ctx, "risk.score_session",
		traces.ScoreKind(kindSession), traces.SessionID(sess.ID.String()))
	defer span.End()

	rules := SessionRules(sess, rec)
	result := rules
	if s.predictor != nil {
		score, err := s.predictor.PredictSession(ctx, ExtractSessionFeatures(sess, rec))
		if err == nil {
			err = checkScore(score)
		}
		if err != nil {
			s.fallback(kindSession, err)
		} else {
			result = Assessment{Score: score, Flags: rules.Flags, Source: SourcePredictor}
		}
	}

	s.observe(kindSession, result)
	span.SetAttributes(traces.Score(result.Score), traces.ScoreSource(string(result.Source)))
	return result
}

func (s *Scorer) fallback(kind string, err error) {
	metrics.PredictorFailuresTotal.WithLabelValues(kind).Inc()
	s.logger.Warn("predictor unavailable, falling back to rules", "kind", kind, "error", err)
}

func (s *Scorer) observe(kind string, a Assessment) {
	metrics.ScoresTotal.WithLabelValues(kind, string(a.Source)).Inc()
	metrics.ScoreDistribution.WithLabelValues(kind).Observe(a.Score)
}

// checkScore rejects answers outside [0,100]. Zero is a valid answer.
func checkScore(score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < domain.MinScore || score > domain.MaxScore {
		return fmt.Errorf("%w: score %v out of range", ErrScoreProviderUnavailable, score)
	}
	return nil
}
