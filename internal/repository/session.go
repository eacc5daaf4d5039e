package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riskwatch/platform/internal/domain"
)

const sessionColumns = `token, id, identity_id, ip, device, browser, country, city, latitude, longitude,
	started_at, last_activity_at, expires_at, risk_score, risk_level, status, request_count,
	requests_per_minute, unique_endpoints, error_rate, ip_changes, ended_reason, updated_at`

// PgSessionStore implements SessionStore using pgx. Mutate holds a row lock
// (SELECT FOR UPDATE) for the duration of the callback.
type PgSessionStore struct {
	pool   *pgxpool.Pool
	outbox OutboxRepository
}

// NewPgSessionStore creates a new PgSessionStore.
func NewPgSessionStore(pool *pgxpool.Pool, outbox OutboxRepository) *PgSessionStore {
	return &PgSessionStore{pool: pool, outbox: outbox}
}

// Create inserts a session together with its creation events.
func (r *PgSessionStore) Create(ctx context.Context, s *domain.Session, events ...domain.OutboxDraft) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		s.Token, s.ID, s.IdentityID, s.IP, s.Device, s.Browser,
		s.Location.Country, s.Location.City, s.Location.Latitude, s.Location.Longitude,
		s.StartedAt, s.LastActivityAt, s.ExpiresAt, s.RiskScore, string(s.RiskLevel), string(s.Status),
		s.RequestCount, s.Metrics.RequestsPerMinute, s.Metrics.UniqueEndpoints, s.Metrics.ErrorRate,
		s.Metrics.IPChanges, s.EndedReason, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, rec := range s.Activity {
		if err := upsertActivity(ctx, tx, s.Token, rec); err != nil {
			return err
		}
	}
	if err := insertEvents(ctx, tx, r.outbox, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get returns a session with its activity window, or nil if not found.
func (r *PgSessionStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token))
	if err != nil || s == nil {
		return s, err
	}
	if s.Activity, err = listActivity(ctx, r.pool, token); err != nil {
		return nil, err
	}
	return s, nil
}

// Mutate locks the session row, applies fn and writes back the changes with any events.
func (r *PgSessionStore) Mutate(ctx context.Context, token string, fn MutateFunc) (*domain.Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token = $1 FOR UPDATE`, token))
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrSessionNotFound()
	}
	if current.Activity, err = listActivity(ctx, tx, token); err != nil {
		return nil, err
	}

	next := current.Clone()
	events, persist, fnErr := applyMutation(next, fn)
	if !persist {
		if fnErr != nil {
			return nil, fnErr
		}
		return current, nil
	}

	if err := r.update(ctx, tx, current, next); err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, r.outbox, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return next, fnErr
}

func (r *PgSessionStore) update(ctx context.Context, tx pgx.Tx, prev, next *domain.Session) error {
	_, err := tx.Exec(ctx, `
		UPDATE sessions SET
		  ip = $2, last_activity_at = $3, expires_at = $4, risk_score = $5, risk_level = $6,
		  status = $7, request_count = $8, requests_per_minute = $9, unique_endpoints = $10,
		  error_rate = $11, ip_changes = $12, ended_reason = $13, updated_at = $14
		WHERE token = $1`,
		next.Token, next.IP, next.LastActivityAt, next.ExpiresAt, next.RiskScore, string(next.RiskLevel),
		string(next.Status), next.RequestCount, next.Metrics.RequestsPerMinute, next.Metrics.UniqueEndpoints,
		next.Metrics.ErrorRate, next.Metrics.IPChanges, next.EndedReason, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	before := make(map[int64]domain.ActivityRecord, len(prev.Activity))
	for _, rec := range prev.Activity {
		before[rec.Seq] = rec
	}
	for _, rec := range next.Activity {
		if old, ok := before[rec.Seq]; ok && old == rec {
			continue
		}
		if err := upsertActivity(ctx, tx, next.Token, rec); err != nil {
			return err
		}
	}

	if cutoff := next.RequestCount - domain.ActivityWindow; cutoff > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM session_activity WHERE session_token = $1 AND seq <= $2`, next.Token, cutoff)
		if err != nil {
			return fmt.Errorf("trim activity: %w", err)
		}
	}
	return nil
}

// ListByIdentity returns an identity's sessions, most recent first. Activity is not loaded.
func (r *PgSessionStore) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE identity_id = $1
		 ORDER BY started_at DESC`, identityID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ListExpired returns tokens of active sessions past their expiry, oldest expiry first.
func (r *PgSessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT token FROM sessions
		 WHERE status = 'active' AND expires_at < $1
		 ORDER BY expires_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	s := &domain.Session{}
	var level, status string
	err := row.Scan(&s.Token, &s.ID, &s.IdentityID, &s.IP, &s.Device, &s.Browser,
		&s.Location.Country, &s.Location.City, &s.Location.Latitude, &s.Location.Longitude,
		&s.StartedAt, &s.LastActivityAt, &s.ExpiresAt, &s.RiskScore, &level, &status,
		&s.RequestCount, &s.Metrics.RequestsPerMinute, &s.Metrics.UniqueEndpoints, &s.Metrics.ErrorRate,
		&s.Metrics.IPChanges, &s.EndedReason, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.RiskLevel = domain.RiskLevel(level)
	s.Status = domain.SessionStatus(status)
	return s, nil
}

func listActivity(ctx context.Context, db DBTX, token string) ([]domain.ActivityRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT seq, occurred_at, endpoint, method, status_code, ip, user_agent, risk_score
		FROM (
		  SELECT * FROM session_activity WHERE session_token = $1
		  ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC`, token, domain.ActivityWindow)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var records []domain.ActivityRecord
	for rows.Next() {
		var rec domain.ActivityRecord
		err := rows.Scan(&rec.Seq, &rec.Timestamp, &rec.Endpoint, &rec.Method,
			&rec.StatusCode, &rec.IP, &rec.UserAgent, &rec.RiskScore)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func upsertActivity(ctx context.Context, db DBTX, token string, rec domain.ActivityRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO session_activity
		  (session_token, seq, occurred_at, endpoint, method, status_code, ip, user_agent, risk_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_token, seq)
		DO UPDATE SET status_code = EXCLUDED.status_code, risk_score = EXCLUDED.risk_score`,
		token, rec.Seq, rec.Timestamp, rec.Endpoint, rec.Method, rec.StatusCode, rec.IP, rec.UserAgent, rec.RiskScore)
	if err != nil {
		return fmt.Errorf("upsert activity: %w", err)
	}
	return nil
}
