//go:build integration

package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riskwatch/platform/internal/app"
	"github.com/riskwatch/platform/internal/auth"
	"github.com/riskwatch/platform/internal/domain"
	"github.com/riskwatch/platform/internal/infra"
	"github.com/riskwatch/platform/internal/repository"
	"github.com/riskwatch/platform/internal/risk"
	"github.com/riskwatch/platform/internal/service"
)

const (
	TestJWTSecret = "integration-test-secret"
	TestDBHost    = "localhost"
	TestDBPort    = 5435
	TestDBUser    = "riskwatch"
	TestDBPass    = "riskwatch"
	TestDBName    = "riskwatch_test"
)

// TestEnv holds all resources for an integration test.
type TestEnv struct {
	Server    *httptest.Server
	Pool      *pgxpool.Pool
	JWTMgr    *auth.JWTManager
	Predictor *Predictor
	Codes     *CodeInbox
	t         *testing.T
}

// Predictor answers every call with the configured scores so decisions do not
// depend on the wall clock hour.
type Predictor struct {
	mu      sync.Mutex
	login   float64
	session float64
}

// Set changes the login and session scores returned from now on.
func (p *Predictor) Set(login, session float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.login, p.session = login, session
}

func (p *Predictor) PredictLogin(context.Context, risk.LoginFeatures) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.login, nil
}

func (p *Predictor) PredictSession(context.Context, risk.SessionFeatures) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, nil
}

// CodeInbox records second-factor codes instead of mailing them.
type CodeInbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *CodeInbox) SendCode(_ context.Context, id *domain.Identity, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[id.Username] = code
	return nil
}

// Last returns the most recent code sent to username.
func (c *CodeInbox) Last(username string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[username]
}

var (
	sharedPool *pgxpool.Pool
	poolOnce   sync.Once
	poolErr    error
)

func testDSN() string {
	if dsn := os.Getenv("POSTGRES_URL"); dsn != "" {
		return dsn
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		TestDBUser, TestDBPass, TestDBHost, TestDBPort, TestDBName)
}

func bootstrapDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		TestDBUser, TestDBPass, TestDBHost, TestDBPort, "riskwatch")
}

func ensureTestDB() error {
	if os.Getenv("POSTGRES_URL") != "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to the main database to create the test database
	bPool, err := pgxpool.New(ctx, bootstrapDSN())
	if err != nil {
		return fmt.Errorf("connect bootstrap db: %w", err)
	}
	defer bPool.Close()

	var exists bool
	err = bPool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", TestDBName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check db exists: %w", err)
	}

	if !exists {
		_, err = bPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", TestDBName))
		if err != nil {
			return fmt.Errorf("create test db: %w", err)
		}
	}

	return nil
}

func runMigrations() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return infra.RunMigrations(testDSN(), logger)
}

func getSharedPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	poolOnce.Do(func() {
		if err := ensureTestDB(); err != nil {
			poolErr = err
			return
		}
		if err := runMigrations(); err != nil {
			poolErr = fmt.Errorf("run migrations: %w", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		poolCfg, err := pgxpool.ParseConfig(testDSN())
		if err != nil {
			poolErr = fmt.Errorf("parse pool config: %w", err)
			return
		}
		poolCfg.MaxConns = 10
		poolCfg.MinConns = 1

		sharedPool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			poolErr = fmt.Errorf("create pool: %w", err)
		}
	})

	if poolErr != nil {
		t.Fatalf("failed to initialize test pool: %v", poolErr)
	}
	return sharedPool
}

// NewTestEnv creates a test environment with an httptest.Server backed by the
// real router and postgres stores. Scores come from env.Predictor, 10 by default.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	pool := getSharedPool(t)

	jwtMgr := auth.NewJWTManager(TestJWTSecret, time.Hour, 5*time.Minute)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	predictor := &Predictor{login: 10, session: 10}
	codes := &CodeInbox{codes: map[string]string{}}

	outbox := repository.NewOutboxRepository()
	identities := repository.NewPgIdentityStore(pool, outbox)
	sessions := repository.NewPgSessionStore(pool, outbox)

	engine := service.NewRiskEngine(identities, sessions, risk.NewScorer(predictor, logger), logger)
	authSvc := service.NewAuthService(identities, engine, repository.NewMemoryChallengeStore(), codes, jwtMgr, logger, 0)

	router := app.NewRouter(app.RouterDeps{
		Engine:             engine,
		Auth:               authSvc,
		Profiles:           service.NewProfileService(identities, engine, logger),
		JWTMgr:             jwtMgr,
		Logger:             logger,
		Pool:               pool,
		CORSAllowedOrigins: "*",
	})

	server := httptest.NewServer(router)

	env := &TestEnv{
		Server:    server,
		Pool:      pool,
		JWTMgr:    jwtMgr,
		Predictor: predictor,
		Codes:     codes,
		t:         t,
	}

	t.Cleanup(func() {
		server.Close()
		env.CleanAll()
	})

	// Clean before test to ensure isolation
	env.CleanAll()

	return env
}
