// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and status bucket.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "riskwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "riskwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LoginDecisionsTotal counts login decisions by action.
	LoginDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "login",
		Name:      "decisions_total",
		Help:      "Login decisions by action.",
	}, []string{"action"}) // "allow", "mfa", "block"

	// RequestDecisionsTotal counts per-request monitor decisions.
	RequestDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "session",
		Name:      "request_decisions_total",
		Help:      "Monitored request decisions by action and risk level.",
	}, []string{"action", "level"})

	// SessionTransitionsTotal counts state machine transitions out of active.
	SessionTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session transitions by target status and reason.",
	}, []string{"to", "reason"})

	// ScoresTotal counts scores by kind and the source that produced them.
	ScoresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "scorer",
		Name:      "scores_total",
		Help:      "Scores computed by kind (login, session) and source (predictor, rules).",
	}, []string{"kind", "source"})

	// PredictorFailuresTotal counts remote predictor failures absorbed by fallback.
	PredictorFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "scorer",
		Name:      "predictor_failures_total",
		Help:      "Remote predictor failures by kind.",
	}, []string{"kind"})

	// PredictorLatency observes remote predictor call latency.
	PredictorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskwatch",
		Subsystem: "scorer",
		Name:      "predictor_latency_seconds",
		Help:      "Remote predictor call latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3},
	}, []string{"kind"})

	// ScoreDistribution observes the final scores handed to policy.
	ScoreDistribution = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskwatch",
		Subsystem: "scorer",
		Name:      "score",
		Help:      "Distribution of risk scores by kind.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	}, []string{"kind"})

	// SessionsSweptTotal counts sessions expired by the background sweeper.
	SessionsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "session",
		Name:      "swept_total",
		Help:      "Sessions moved to expired by the background sweeper.",
	})

	// OutboxPublishedTotal counts outbox events by publish result.
	OutboxPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskwatch",
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox events by publish result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LoginDecisionsTotal,
		RequestDecisionsTotal,
		SessionTransitionsTotal,
		ScoresTotal,
		PredictorFailuresTotal,
		PredictorLatency,
		ScoreDistribution,
		SessionsSweptTotal,
		OutboxPublishedTotal,
	)
}

// Middleware records request metrics using the chi route pattern as the path label.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := routePattern(r)
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(ww.status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern avoids cardinality explosion by using the matched route, not the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
