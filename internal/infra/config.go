package infra

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5432"`
	PGUser      string `env:"PGUSER" envDefault:"riskwatch"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"riskwatch"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"riskwatch"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"2"`

	// Storage backends: identities live in memory or postgres,
	// sessions and challenges in memory, postgres or redis.
	IdentityStore string `env:"IDENTITY_STORE" envDefault:"postgres"`
	SessionStore  string `env:"SESSION_STORE" envDefault:"postgres"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	// JWT
	JWTSecret         string `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	JWTIdentityExpiry string `env:"JWT_IDENTITY_EXPIRY" envDefault:"1h"`
	JWTMFAExpiry      string `env:"JWT_MFA_EXPIRY" envDefault:"5m"`

	// Risk engine
	PredictorURL     string        `env:"PREDICTOR_URL"`
	PredictorTimeout time.Duration `env:"PREDICTOR_TIMEOUT" envDefault:"2s"`
	MFAChallengeTTL  time.Duration `env:"MFA_CHALLENGE_TTL" envDefault:"5m"`
	SweepInterval    time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"24h"`
	LoginRateLimit   int           `env:"LOGIN_RATE_LIMIT" envDefault:"10"`

	// Server
	APIPort           int  `env:"API_PORT" envDefault:"3100"`
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// Kafka
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`

	// Tracing
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`

	// SMTP, second-factor codes are logged when SMTP_HOST is empty
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`

	// CORS
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`
}

// LoadConfig reads an optional .env file and parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks for insecure or inconsistent configuration.
// Set ALLOW_INSECURE_DEFAULTS=true to bypass the secret checks (local dev only).
func (c *Config) Validate() error {
	if c.PredictorTimeout < time.Second || c.PredictorTimeout > 3*time.Second {
		return fmt.Errorf("PREDICTOR_TIMEOUT must be between 1s and 3s, got %s", c.PredictorTimeout)
	}
	switch c.IdentityStore {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("IDENTITY_STORE must be memory or postgres, got %q", c.IdentityStore)
	}
	switch c.SessionStore {
	case StoreMemory, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("SESSION_STORE must be memory, postgres or redis, got %q", c.SessionStore)
	}
	if c.SessionStore == StorePostgres && c.IdentityStore != StorePostgres {
		return fmt.Errorf("SESSION_STORE=postgres requires IDENTITY_STORE=postgres")
	}
	if c.LoginRateLimit <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must be positive")
	}
	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS and DB_MAX_CONNS must satisfy 0 <= min <= max, max >= 1; got %d/%d", c.DBMinConns, c.DBMaxConns)
	}
	if _, _, err := c.JWTExpiries(); err != nil {
		return err
	}

	if c.AllowInsecureDefaults {
		return nil
	}
	if c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET is set to the insecure default; set a strong secret or set ALLOW_INSECURE_DEFAULTS=true for local dev")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is too short (%d chars); minimum 32 characters required", len(c.JWTSecret))
	}
	return nil
}

// JWTExpiries parses the identity and mfa token lifetimes.
func (c *Config) JWTExpiries() (identity, mfa time.Duration, err error) {
	identity, err = time.ParseDuration(c.JWTIdentityExpiry)
	if err != nil {
		return 0, 0, fmt.Errorf("parse JWT_IDENTITY_EXPIRY: %w", err)
	}
	mfa, err = time.ParseDuration(c.JWTMFAExpiry)
	if err != nil {
		return 0, 0, fmt.Errorf("parse JWT_MFA_EXPIRY: %w", err)
	}
	return identity, mfa, nil
}

// NeedsPostgres reports whether any configured store is backed by postgres.
func (c *Config) NeedsPostgres() bool {
	return c.IdentityStore == StorePostgres || c.SessionStore == StorePostgres
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
