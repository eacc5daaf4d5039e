package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riskwatch/platform/internal/domain"
)

const pgUniqueViolation = "23505"

// PgIdentityStore implements IdentityStore using pgx.
type PgIdentityStore struct {
	pool   *pgxpool.Pool
	outbox OutboxRepository
}

// NewPgIdentityStore creates a new PgIdentityStore.
func NewPgIdentityStore(pool *pgxpool.Pool, outbox OutboxRepository) *PgIdentityStore {
	return &PgIdentityStore{pool: pool, outbox: outbox}
}

// Create inserts the identity and its registration events in one transaction.
func (r *PgIdentityStore) Create(ctx context.Context, id *domain.Identity, events ...domain.OutboxDraft) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO identities (id, username, email, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id.ID, id.Username, id.Email, id.PasswordHash, id.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.ErrConflict("username or email already registered")
		}
		return fmt.Errorf("insert identity: %w", err)
	}

	if err := insertEvents(ctx, tx, r.outbox, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindByID returns an identity by ID, or nil if not found.
func (r *PgIdentityStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error) {
	return r.load(ctx, r.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at
		 FROM identities WHERE id = $1`, id))
}

// FindByLogin returns an identity by username or email, or nil if not found.
func (r *PgIdentityStore) FindByLogin(ctx context.Context, login string) (*domain.Identity, error) {
	return r.load(ctx, r.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at
		 FROM identities WHERE username = $1 OR email = $1
		 LIMIT 1`, login))
}

func (r *PgIdentityStore) load(ctx context.Context, row pgx.Row) (*domain.Identity, error) {
	ident := &domain.Identity{}
	err := row.Scan(&ident.ID, &ident.Username, &ident.Email, &ident.PasswordHash, &ident.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}

	recent, err := listLoginEvents(ctx, r.pool, ident.ID, domain.LoginHistoryWindow)
	if err != nil {
		return nil, err
	}
	// stored newest first; the extractor reads oldest first
	for i := len(recent) - 1; i >= 0; i-- {
		ident.LoginHistory = append(ident.LoginHistory, recent[i])
	}

	if ident.KnownDevices, err = listKnownDevices(ctx, r.pool, ident.ID); err != nil {
		return nil, err
	}
	if ident.KnownLocations, err = listKnownLocations(ctx, r.pool, ident.ID); err != nil {
		return nil, err
	}
	return ident, nil
}

// RecordLogin appends the login event and upserts known device and location atomically.
func (r *PgIdentityStore) RecordLogin(ctx context.Context, id uuid.UUID, rec domain.LoginRecord, events ...domain.OutboxDraft) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ev := rec.Event
	_, err = tx.Exec(ctx,
		`INSERT INTO login_events
		   (identity_id, occurred_at, ip, device_id, device, browser, country, city, latitude, longitude, risk_score, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, ev.Timestamp, ev.IP, ev.DeviceID, ev.Device, ev.Browser,
		ev.Location.Country, ev.Location.City, ev.Location.Latitude, ev.Location.Longitude,
		ev.RiskScore, string(ev.Outcome))
	if err != nil {
		return fmt.Errorf("insert login event: %w", err)
	}

	if d := rec.Device; d != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO known_devices (identity_id, device_id, label, last_seen, last_ip)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (identity_id, device_id)
			 DO UPDATE SET label = EXCLUDED.label, last_seen = EXCLUDED.last_seen, last_ip = EXCLUDED.last_ip`,
			id, d.DeviceID, d.Label, d.LastSeen, d.LastIP)
		if err != nil {
			return fmt.Errorf("upsert known device: %w", err)
		}
	}

	if l := rec.Location; l != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO known_locations (identity_id, country, city, last_seen)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (identity_id, country, city)
			 DO UPDATE SET last_seen = EXCLUDED.last_seen`,
			id, l.Country, l.City, l.LastSeen)
		if err != nil {
			return fmt.Errorf("upsert known location: %w", err)
		}
	}

	if err := insertEvents(ctx, tx, r.outbox, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListLoginEvents returns up to limit login events, newest first.
func (r *PgIdentityStore) ListLoginEvents(ctx context.Context, id uuid.UUID, limit int) ([]domain.LoginEvent, error) {
	return listLoginEvents(ctx, r.pool, id, limit)
}

// CountOutcomesSince counts login events of one outcome since the given time.
func (r *PgIdentityStore) CountOutcomesSince(ctx context.Context, id uuid.UUID, outcome domain.LoginOutcome, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM login_events
		 WHERE identity_id = $1 AND outcome = $2 AND occurred_at >= $3`,
		id, string(outcome), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count login outcomes: %w", err)
	}
	return n, nil
}

func listLoginEvents(ctx context.Context, db DBTX, id uuid.UUID, limit int) ([]domain.LoginEvent, error) {
	rows, err := db.Query(ctx,
		`SELECT occurred_at, ip, device_id, device, browser, country, city, latitude, longitude, risk_score, outcome
		 FROM login_events WHERE identity_id = $1
		 ORDER BY id DESC
		 LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list login events: %w", err)
	}
	defer rows.Close()

	var events []domain.LoginEvent
	for rows.Next() {
		var ev domain.LoginEvent
		var outcome string
		err := rows.Scan(&ev.Timestamp, &ev.IP, &ev.DeviceID, &ev.Device, &ev.Browser,
			&ev.Location.Country, &ev.Location.City, &ev.Location.Latitude, &ev.Location.Longitude,
			&ev.RiskScore, &outcome)
		if err != nil {
			return nil, fmt.Errorf("scan login event: %w", err)
		}
		ev.Outcome = domain.LoginOutcome(outcome)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func listKnownDevices(ctx context.Context, db DBTX, id uuid.UUID) ([]domain.KnownDevice, error) {
	rows, err := db.Query(ctx,
		`SELECT device_id, label, last_seen, last_ip
		 FROM known_devices WHERE identity_id = $1
		 ORDER BY last_seen DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list known devices: %w", err)
	}
	defer rows.Close()

	var devices []domain.KnownDevice
	for rows.Next() {
		var d domain.KnownDevice
		if err := rows.Scan(&d.DeviceID, &d.Label, &d.LastSeen, &d.LastIP); err != nil {
			return nil, fmt.Errorf("scan known device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func listKnownLocations(ctx context.Context, db DBTX, id uuid.UUID) ([]domain.KnownLocation, error) {
	rows, err := db.Query(ctx,
		`SELECT country, city, last_seen
		 FROM known_locations WHERE identity_id = $1
		 ORDER BY last_seen DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list known locations: %w", err)
	}
	defer rows.Close()

	var locations []domain.KnownLocation
	for rows.Next() {
		var l domain.KnownLocation
		if err := rows.Scan(&l.Country, &l.City, &l.LastSeen); err != nil {
			return nil, fmt.Errorf("scan known location: %w", err)
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}
