package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riskwatch/platform/internal/infra"
)

// HealthHandler returns a health check endpoint. pool and rdb may be nil when
// the corresponding backend is not configured.
func HealthHandler(pool *pgxpool.Pool, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		healthy := true

		check := func(name string, fn func(context.Context) error) {
			if err := fn(r.Context()); err != nil {
				checks[name] = err.Error()
				healthy = false
				return
			}
			checks[name] = "ok"
		}
		if pool != nil {
			check("postgres", func(ctx context.Context) error { return infra.HealthCheck(ctx, pool) })
		}
		if rdb != nil {
			check("redis", func(ctx context.Context) error { return infra.RedisHealthCheck(ctx, rdb) })
		}

		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "unhealthy",
				"checks": checks,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "healthy",
			"checks": checks,
		})
	}
}
