package risk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	afternoon = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	night     = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rep(v float64) *float64 { return &v }

func knownIdentity() *domain.Identity {
	return &domain.Identity{
		ID:             uuid.New(),
		KnownDevices:   []domain.KnownDevice{{DeviceID: "laptop"}},
		KnownLocations: []domain.KnownLocation{{Country: "DE", City: "Berlin"}},
		LoginHistory: []domain.LoginEvent{
			{Timestamp: afternoon.Add(-72 * time.Hour), Outcome: domain.OutcomeSuccess, Location: domain.Location{Country: "DE", City: "Berlin"}},
		},
	}
}

func loginAt(at time.Time, device, country, city string) domain.LoginContext {
	return domain.LoginContext{
		IP:       "203.0.113.10",
		DeviceID: device,
		Location: domain.Location{Country: country, City: city},
		At:       at,
	}
}

func activity(seq int64, at time.Time, endpoint string, status int, ip, ua string) domain.ActivityRecord {
	return domain.ActivityRecord{Seq: seq, Timestamp: at, Endpoint: endpoint, Method: "GET", StatusCode: status, IP: ip, UserAgent: ua}
}

func activeSession(score float64) *domain.Session {
	return &domain.Session{
		ID:        uuid.New(),
		IP:        "203.0.113.10",
		StartedAt: afternoon.Add(-30 * time.Minute),
		ExpiresAt: afternoon.Add(30 * time.Minute),
		RiskScore: score,
		RiskLevel: domain.LevelForScore(score),
		Status:    domain.SessionActive,
	}
}

// --- Window Tests ---

func TestRequestsPerMinute(t *testing.T) {
	t.Run("fewer than two records", func(t *testing.T) {
		assert.Equal(t, 0.0, RequestsPerMinute(nil))
		assert.Equal(t, 0.0, RequestsPerMinute([]domain.ActivityRecord{activity(1, afternoon, "/a", 200, "", "")}))
	})

	t.Run("zero span yields count", func(t *testing.T) {
		recs := []domain.ActivityRecord{
			activity(1, afternoon, "/a", 200, "", ""),
			activity(2, afternoon, "/b", 200, "", ""),
			activity(3, afternoon, "/c", 200, "", ""),
		}
		assert.Equal(t, 3.0, RequestsPerMinute(recs))
	})

	t.Run("count over span", func(t *testing.T) {
		recs := []domain.ActivityRecord{
			activity(1, afternoon, "/a", 200, "", ""),
			activity(2, afternoon.Add(time.Minute), "/b", 200, "", ""),
			activity(3, afternoon.Add(2*time.Minute), "/c", 200, "", ""),
			activity(4, afternoon.Add(4*time.Minute), "/c", 200, "", ""),
		}
		assert.Equal(t, 1.0, RequestsPerMinute(recs))
	})
}

func TestComputeMetrics_UsesLastTwenty(t *testing.T) {
	var recs []domain.ActivityRecord
	for i := 0; i < 25; i++ {
		status := 200
		if i < 5 {
			status = 500 // outside the window
		}
		recs = append(recs, activity(int64(i+1), afternoon.Add(time.Duration(i)*time.Minute), "/e", status, "", ""))
	}
	recs[24].StatusCode = 404
	recs[23].Endpoint = "/other"

	m := ComputeMetrics(recs, 3)

	assert.InDelta(t, 1.0/20.0, m.ErrorRate, 1e-9)
	assert.Equal(t, 2, m.UniqueEndpoints)
	assert.Equal(t, 3, m.IPChanges)
	assert.InDelta(t, 20.0/19.0, m.RequestsPerMinute, 1e-9)
}

func TestUserAgentChanged(t *testing.T) {
	same := []domain.ActivityRecord{activity(1, afternoon, "/", 200, "", "ua-1"), activity(2, afternoon, "/", 200, "", "ua-1")}
	diff := []domain.ActivityRecord{activity(1, afternoon, "/", 200, "", "ua-1"), activity(2, afternoon, "/", 200, "", "ua-2")}

	assert.False(t, UserAgentChanged(same))
	assert.True(t, UserAgentChanged(diff))
	assert.False(t, UserAgentChanged(diff[:1]))
}

// --- Feature Extractor Tests ---

func TestExtractLoginFeatures(t *testing.T) {
	t.Run("no history", func(t *testing.T) {
		f := ExtractLoginFeatures(&domain.Identity{}, loginAt(afternoon, "d", "DE", "Berlin"))

		assert.True(t, f.IsNewDevice)
		assert.True(t, f.IsNewLocation)
		assert.False(t, f.IsOddHour)
		assert.Equal(t, NoHistoryDays, f.DaysSinceLastLogin)
		assert.Equal(t, domain.DefaultIPReputation, f.IPReputation)
		assert.False(t, f.GeoVelocity)
	})

	t.Run("known device and location", func(t *testing.T) {
		f := ExtractLoginFeatures(knownIdentity(), loginAt(afternoon, "laptop", "DE", "Berlin"))

		assert.False(t, f.IsNewDevice)
		assert.False(t, f.IsNewLocation)
		assert.InDelta(t, 3.0, f.DaysSinceLastLogin, 1e-9)
	})

	t.Run("same country different city is a new location", func(t *testing.T) {
		f := ExtractLoginFeatures(knownIdentity(), loginAt(afternoon, "laptop", "DE", "Hamburg"))
		assert.True(t, f.IsNewLocation)
	})

	t.Run("failed attempts capped at five within last ten", func(t *testing.T) {
		id := knownIdentity()
		for i := 0; i < 12; i++ {
			id.LoginHistory = append(id.LoginHistory, domain.LoginEvent{Timestamp: afternoon.Add(-time.Hour), Outcome: domain.OutcomeBlocked})
		}
		f := ExtractLoginFeatures(id, loginAt(afternoon, "laptop", "DE", "Berlin"))
		assert.Equal(t, MaxRecentFailures, f.RecentFailedAttempts)
	})

	t.Run("odd hour boundaries", func(t *testing.T) {
		assert.True(t, IsOddHour(time.Date(2026, 1, 1, 5, 59, 0, 0, time.UTC)))
		assert.False(t, IsOddHour(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)))
		assert.False(t, IsOddHour(time.Date(2026, 1, 1, 22, 59, 0, 0, time.UTC)))
		assert.True(t, IsOddHour(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)))
	})

	t.Run("does not mutate identity", func(t *testing.T) {
		id := knownIdentity()
		before := len(id.LoginHistory)
		ExtractLoginFeatures(id, loginAt(afternoon, "new", "FR", "Paris"))
		assert.Len(t, id.LoginHistory, before)
		assert.Len(t, id.KnownDevices, 1)
	})
}

func TestExtractLoginFeatures_GeoVelocity(t *testing.T) {
	id := &domain.Identity{LoginHistory: []domain.LoginEvent{
		{Timestamp: afternoon.Add(-time.Hour), Outcome: domain.OutcomeSuccess, Location: domain.Location{Country: "DE"}},
		{Timestamp: afternoon.Add(-10 * time.Minute), Outcome: domain.OutcomeBlocked, Location: domain.Location{Country: "US"}},
	}}

	t.Run("different country within two hours of last success", func(t *testing.T) {
		f := ExtractLoginFeatures(id, loginAt(afternoon, "d", "FR", "Paris"))
		assert.True(t, f.GeoVelocity)
	})

	t.Run("same country as last success", func(t *testing.T) {
		f := ExtractLoginFeatures(id, loginAt(afternoon, "d", "DE", "Munich"))
		assert.False(t, f.GeoVelocity)
	})

	t.Run("last success too long ago", func(t *testing.T) {
		f := ExtractLoginFeatures(id, loginAt(afternoon.Add(2*time.Hour), "d", "FR", "Paris"))
		assert.False(t, f.GeoVelocity)
	})
}

func TestExtractSessionFeatures(t *testing.T) {
	s := activeSession(10)
	s.Metrics.IPChanges = 2
	s.Activity = []domain.ActivityRecord{
		activity(1, afternoon.Add(-2*time.Minute), "/a", 200, s.IP, "ua-1"),
		activity(2, afternoon.Add(-time.Minute), "/b", 404, s.IP, "ua-1"),
	}
	rec := activity(3, afternoon, "/b", 200, "198.51.100.9", "ua-2")

	f := ExtractSessionFeatures(s, rec)

	// window statistics cover the stored records only
	assert.InDelta(t, 2.0, f.RequestsPerMinute, 1e-9)
	assert.Equal(t, 2, f.UniqueEndpoints)
	assert.InDelta(t, 0.5, f.ErrorRate, 1e-9)
	assert.Equal(t, 3, f.IPChanges)
	assert.InDelta(t, 30.0, f.SessionDurationMinutes, 1e-9)
	assert.False(t, f.UserAgentChanged)
	assert.Len(t, s.Activity, 2, "snapshot must not be modified")

	s.Activity = append(s.Activity, activity(3, afternoon, "/c", 200, s.IP, "ua-2"))
	assert.True(t, ExtractSessionFeatures(s, activity(4, afternoon, "/c", 200, s.IP, "ua-2")).UserAgentChanged)
}

func TestFeatures_WireFormat(t *testing.T) {
	raw, err := json.Marshal(LoginFeatures{IsNewDevice: true, RecentFailedAttempts: 2, IPReputation: 0.5})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(1), got["isNewDevice"])
	assert.Equal(t, float64(0), got["geoVelocity"])
	assert.Equal(t, float64(2), got["recentFailedAttempts"])

	raw, err = json.Marshal(SessionFeatures{SessionDurationMinutes: 12, UserAgentChanged: true})
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(12), got["sessionDuration"])
	assert.Equal(t, float64(1), got["userAgentChanges"])
}

// --- Login Rules Tests ---

func TestLoginRules(t *testing.T) {
	tests := []struct {
		name      string
		identity  *domain.Identity
		ctx       domain.LoginContext
		wantScore float64
		wantFlags []string
	}{
		{
			name:      "known device and location at a normal hour",
			identity:  knownIdentity(),
			ctx:       loginAt(afternoon, "laptop", "DE", "Berlin"),
			wantScore: 0,
		},
		{
			name:      "unknown device from a known location at 14:00",
			identity:  knownIdentity(),
			ctx:       loginAt(afternoon, "phone", "DE", "Berlin"),
			wantScore: 30,
			wantFlags: []string{FlagNewDevice},
		},
		{
			name:     "unknown device and location at 3am from a poor reputation address",
			identity: knownIdentity(),
			ctx: func() domain.LoginContext {
				lc := loginAt(night, "phone", "BR", "Recife")
				lc.IPReputation = rep(0.2)
				return lc
			}(),
			wantScore: 90,
			wantFlags: []string{FlagNewDevice, FlagNewLocation, FlagOddHour, FlagLowIPReputation},
		},
		{
			name:      "new city in a known country is not penalised",
			identity:  knownIdentity(),
			ctx:       loginAt(afternoon, "laptop", "DE", "Hamburg"),
			wantScore: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := LoginRules(tt.identity, tt.ctx)
			assert.Equal(t, tt.wantScore, a.Score)
			assert.Equal(t, SourceRules, a.Source)
			for _, f := range tt.wantFlags {
				assert.Contains(t, a.Flags, f)
			}
		})
	}
}

func TestLoginRules_BlockedWithinLastFive(t *testing.T) {
	id := knownIdentity()
	id.LoginHistory = []domain.LoginEvent{
		{Outcome: domain.OutcomeBlocked}, // sixth from the end, ignored
		{Outcome: domain.OutcomeSuccess},
		{Outcome: domain.OutcomeBlocked},
		{Outcome: domain.OutcomeSuccess},
		{Outcome: domain.OutcomeMFARequired},
		{Outcome: domain.OutcomeBlocked},
	}

	a := LoginRules(id, loginAt(afternoon, "laptop", "DE", "Berlin"))
	assert.Equal(t, 40.0, a.Score)
	assert.Contains(t, a.Flags, FlagRecentFailures)
}

func TestLoginRules_ClampsToHundred(t *testing.T) {
	id := &domain.Identity{}
	for i := 0; i < 5; i++ {
		id.LoginHistory = append(id.LoginHistory, domain.LoginEvent{Outcome: domain.OutcomeBlocked})
	}
	lc := loginAt(night, "x", "ZZ", "Nowhere")
	lc.IPReputation = rep(0)

	a := LoginRules(id, lc)
	assert.Equal(t, 100.0, a.Score)
}

// --- Session Rules Tests ---

func TestSessionRules_StoredScoreIsBase(t *testing.T) {
	s := activeSession(50)
	s.Activity = []domain.ActivityRecord{activity(1, afternoon.Add(-3*time.Minute), "/a", 200, s.IP, "ua")}
	rec := activity(2, afternoon, "/b", 200, s.IP, "ua")

	a := SessionRules(s, rec)
	assert.Equal(t, 50.0, a.Score)
	assert.Empty(t, a.Flags)
}

func TestSessionRules_IPChangeClamps(t *testing.T) {
	s := activeSession(50)
	rec := activity(1, afternoon, "/b", 200, "198.51.100.77", "ua")

	a := SessionRules(s, rec)
	assert.Equal(t, 90.0, a.Score)
	assert.Contains(t, a.Flags, FlagIPChanged)

	s.RiskScore = 95
	assert.Equal(t, 100.0, SessionRules(s, rec).Score)
}

func TestSessionRules_VelocityErrorsAndUserAgent(t *testing.T) {
	s := activeSession(0)
	for i := 0; i < 9; i++ {
		status := 200
		if i%2 == 0 {
			status = 500
		}
		ua := "ua-1"
		if i == 8 {
			ua = "ua-2"
		}
		s.Activity = append(s.Activity, activity(int64(i+1), afternoon.Add(time.Duration(i)*time.Second), "/x", status, s.IP, ua))
	}
	rec := activity(10, afternoon.Add(9*time.Second), "/x", 200, s.IP, "ua-2")

	a := SessionRules(s, rec)
	assert.Equal(t, 75.0, a.Score)
	assert.ElementsMatch(t, []string{FlagHighVelocity, FlagHighErrorRate, FlagUserAgentChanged}, a.Flags)
}

func TestSessionRules_IncomingUserAgentJudgedNextRequest(t *testing.T) {
	s := activeSession(45)
	for i := 0; i < 3; i++ {
		s.Activity = append(s.Activity, activity(int64(i+1), afternoon.Add(time.Duration(i-3)*time.Minute), "/a", 200, s.IP, "UA-A"))
	}
	rec := activity(4, afternoon, "/a", 200, s.IP, "UA-B")

	a := SessionRules(s, rec)
	assert.Equal(t, 45.0, a.Score)
	assert.Empty(t, a.Flags)
	assert.Equal(t, domain.RiskMedium, domain.LevelForScore(a.Score))
	assert.False(t, ExtractSessionFeatures(s, rec).UserAgentChanged)

	s.Activity = append(s.Activity, rec)
	next := activity(5, afternoon.Add(time.Minute), "/a", 200, s.IP, "UA-B")
	a = SessionRules(s, next)
	assert.Equal(t, 75.0, a.Score)
	assert.Equal(t, []string{FlagUserAgentChanged}, a.Flags)
}

func TestSessionRules_Idempotent(t *testing.T) {
	s := activeSession(35)
	s.Activity = []domain.ActivityRecord{activity(1, afternoon.Add(-time.Minute), "/a", 200, s.IP, "ua")}
	rec := activity(2, afternoon, "/b", 200, "198.51.100.2", "ua")

	first := SessionRules(s, rec)
	second := SessionRules(s, rec)
	assert.Equal(t, first, second)
	assert.Len(t, s.Activity, 1)
}

func TestRules_AlwaysWithinBounds(t *testing.T) {
	for base := -50.0; base <= 200; base += 25 {
		s := activeSession(base)
		rec := activity(1, afternoon, "/", 500, "198.51.100.1", "other")
		score := SessionRules(s, rec).Score
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 100.0)
	}
}

// --- Scorer Tests ---

type stubPredictor struct {
	login   float64
	session float64
	err     error
	calls   int
}

func (p *stubPredictor) PredictLogin(_ context.Context, _ LoginFeatures) (float64, error) {
	p.calls++
	return p.login, p.err
}

func (p *stubPredictor) PredictSession(_ context.Context, _ SessionFeatures) (float64, error) {
	p.calls++
	return p.session, p.err
}

func TestScorer_UsesPredictor(t *testing.T) {
	p := &stubPredictor{login: 12, session: 0}
	sc := NewScorer(p, quietLogger())

	a := sc.ScoreLogin(context.Background(), knownIdentity(), loginAt(afternoon, "phone", "DE", "Berlin"))
	assert.Equal(t, 12.0, a.Score)
	assert.Equal(t, SourcePredictor, a.Source)
	assert.Contains(t, a.Flags, FlagNewDevice)

	sa := sc.ScoreSession(context.Background(), activeSession(60), activity(1, afternoon, "/", 200, "203.0.113.10", "ua"))
	assert.Equal(t, 0.0, sa.Score, "zero is a valid predictor answer")
	assert.Equal(t, SourcePredictor, sa.Source)
}

func TestScorer_FallsBackOnError(t *testing.T) {
	p := &stubPredictor{err: errors.New("connection refused")}
	sc := NewScorer(p, quietLogger())

	a := sc.ScoreLogin(context.Background(), knownIdentity(), loginAt(afternoon, "phone", "DE", "Berlin"))
	assert.Equal(t, 30.0, a.Score)
	assert.Equal(t, SourceRules, a.Source)
	assert.Equal(t, 1, p.calls, "no retry")
}

func TestScorer_FallsBackOnInvalidScore(t *testing.T) {
	for _, bad := range []float64{-1, 100.5, math.NaN(), math.Inf(1)} {
		p := &stubPredictor{session: bad}
		sc := NewScorer(p, quietLogger())

		a := sc.ScoreSession(context.Background(), activeSession(50), activity(1, afternoon, "/", 200, "203.0.113.10", "ua"))
		assert.Equal(t, 50.0, a.Score)
		assert.Equal(t, SourceRules, a.Source)
	}
}

func TestScorer_RulesOnlyWithoutPredictor(t *testing.T) {
	sc := NewScorer(nil, quietLogger())
	a := sc.ScoreLogin(context.Background(), knownIdentity(), loginAt(afternoon, "laptop", "DE", "Berlin"))
	assert.Equal(t, 0.0, a.Score)
	assert.Equal(t, SourceRules, a.Source)
}
