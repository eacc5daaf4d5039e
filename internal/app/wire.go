package app

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/guard"
	"github.com/riskwatch/platform/internal/handler"
	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/service"
)

// RouterDeps holds all dependencies needed by NewRouter.
type RouterDeps struct {
	Engine   *service.RiskEngine
	Auth     *service.AuthService
	Profiles *service.ProfileService
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// LoginLimiter throttles POST /auth/login per client address. Optional.
	LoginLimiter *guard.RateLimiter

	// Pool and Redis are only used by the health check and may be nil.
	Pool  *pgxpool.Pool
	Redis *redis.Client

	CORSAllowedOrigins string
	TrustProxyHeaders  bool
}

// NewRouter assembles the chi.Router with all routes and middleware.
func NewRouter(deps RouterDeps) chi.Router {
	logger := deps.Logger

	authHandler := handler.NewAuthHandler(deps.Auth, deps.LoginLimiter, deps.TrustProxyHeaders)
	sessionHandler := handler.NewSessionHandler(deps.Engine)
	riskHandler := handler.NewRiskHandler(deps.Profiles)

	monitor := auth.MonitorSession(deps.Engine, deps.TrustProxyHeaders, logger)

	r := chi.NewRouter()

	// Global middleware (order matters)
	r.Use(handler.Recovery(logger))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(logger))
	r.Use(handler.CORSWithOrigins(deps.CORSAllowedOrigins))
	r.Use(handler.JSONContentType)
	r.Use(metrics.Middleware)

	r.Get("/health", handler.HealthHandler(deps.Pool, deps.Redis))
	r.Method("GET", "/metrics", metrics.Handler())

	// Public auth routes
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/verify-mfa", authHandler.VerifyMFA)
		r.Post("/logout", authHandler.Logout)
		r.Post("/simulate-login", authHandler.SimulateLogin)

		r.With(auth.AuthenticateIdentity(deps.JWTMgr)).Get("/me", authHandler.Me)
		r.With(monitor).Get("/location-history", riskHandler.LocationHistory)
	})

	// Session-monitored routes: every request is scored against its session.
	r.Group(func(r chi.Router) {
		r.Use(monitor)

		r.Route("/session", func(r chi.Router) {
			r.Get("/current", sessionHandler.Current)
			r.Get("/activity", sessionHandler.Activity)
			r.Get("/all", sessionHandler.All)
			r.Post("/terminate", sessionHandler.Terminate)
			r.Post("/simulate-ip-change", sessionHandler.SimulateIPChange)
			r.Post("/simulate-bot-activity", sessionHandler.SimulateBotActivity)
		})

		r.Route("/risk", func(r chi.Router) {
			r.Get("/profile", riskHandler.Profile)
			r.Get("/login-history", riskHandler.LoginHistory)
		})
	})

	return r
}
