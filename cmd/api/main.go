package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riskwatch/platform/internal/app"
	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/guard"
	"github.com/riskwatch/platform/internal/infra"
	"github.com/riskwatch/platform/internal/provider"
	"github.com/riskwatch/platform/internal/repository"
	"github.com/riskwatch/platform/internal/risk"
	"github.com/riskwatch/platform/internal/service"
	"github.com/riskwatch/platform/internal/traces"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	identities repository.IdentityStore
	sessions   repository.SessionStore
	challenges repository.ChallengeStore
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load config
	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.OTelEnabled {
		shutdown, err := traces.Init(ctx, cfg.OTelEndpoint, "riskwatch-api", logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = infra.NewPostgresPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		logger.Info("connected to postgres")

		if err := infra.RunMigrations(cfg.DSN(), logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	var rdb *redis.Client
	if cfg.SessionStore == infra.StoreRedis {
		rdb, err = infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis")
	}

	st := buildStores(cfg, pool, rdb, logger)

	identityExpiry, mfaExpiry, err := cfg.JWTExpiries()
	if err != nil {
		return err
	}
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, identityExpiry, mfaExpiry)

	// Scoring: remote model when configured, rules otherwise
	var predictor risk.Predictor
	if cfg.PredictorURL != "" {
		predictor = provider.NewRemotePredictor(cfg.PredictorURL, cfg.PredictorTimeout,
			guard.NewCircuitBreaker(5, 30*time.Second), logger)
		logger.Info("remote predictor enabled", "url", cfg.PredictorURL, "timeout", cfg.PredictorTimeout)
	}
	scorer := risk.NewScorer(predictor, logger)

	engine := service.NewRiskEngine(st.identities, st.sessions, scorer, logger)
	service.NewSweeper(engine, cfg.SweepInterval, logger).Start(ctx)

	var sender service.CodeSender = service.NewLogCodeSender(logger)
	if cfg.SMTPHost != "" {
		mailer, err := infra.NewMailer(cfg)
		if err != nil {
			return fmt.Errorf("init mailer: %w", err)
		}
		sender = mailer
	}

	authSvc := service.NewAuthService(st.identities, engine, st.challenges, sender, jwtMgr, logger, cfg.MFAChallengeTTL)
	profileSvc := service.NewProfileService(st.identities, engine, logger)

	limiter := guard.NewRateLimiter(cfg.LoginRateLimit, time.Minute)
	go sweepLimiter(ctx, limiter)

	r := app.NewRouter(app.RouterDeps{
		Engine:             engine,
		Auth:               authSvc,
		Profiles:           profileSvc,
		JWTMgr:             jwtMgr,
		Logger:             logger,
		LoginLimiter:       limiter,
		Pool:               pool,
		Redis:              rdb,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		TrustProxyHeaders:  cfg.TrustProxyHeaders,
	})

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", addr,
			"identity_store", cfg.IdentityStore, "session_store", cfg.SessionStore)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// buildStores picks the store implementations named in cfg. Stores that cannot
// write events in their own transaction hand them to the outbox table when
// postgres is available and to the log otherwise.
func buildStores(cfg *infra.Config, pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) stores {
	outbox := repository.NewOutboxRepository()

	var sink repository.EventSink = repository.NewLogSink(logger)
	if pool != nil {
		sink = repository.NewOutboxSink(pool, outbox)
	}

	var st stores
	switch cfg.IdentityStore {
	case infra.StorePostgres:
		st.identities = repository.NewPgIdentityStore(pool, outbox)
	default:
		st.identities = repository.NewMemoryIdentityStore(sink)
	}

	switch cfg.SessionStore {
	case infra.StorePostgres:
		st.sessions = repository.NewPgSessionStore(pool, outbox)
		st.challenges = repository.NewMemoryChallengeStore()
	case infra.StoreRedis:
		st.sessions = repository.NewRedisSessionStore(rdb, cfg.SessionRetention, sink)
		st.challenges = repository.NewRedisChallengeStore(rdb)
	default:
		st.sessions = repository.NewMemorySessionStore(sink)
		st.challenges = repository.NewMemoryChallengeStore()
	}
	return st
}

func sweepLimiter(ctx context.Context, limiter *guard.RateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
