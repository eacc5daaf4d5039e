package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/riskwatch/platform/internal/domain"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// ErrNoUpdate may be returned by a MutateFunc to leave the session untouched.
// Mutate then returns the current session and no error.
var ErrNoUpdate = errors.New("no update")

// MutateFunc changes a session in place and returns the events to persist with it.
// Returning an error aborts the write; the error is passed through to the caller
// unless it wraps a transition the function wants persisted (see PersistErr).
type MutateFunc func(s *domain.Session) ([]domain.OutboxDraft, error)

// PersistErr lets a MutateFunc persist its changes and still report err to the caller.
// Used when a session expires on access: the expiry is stored and SessionExpired returned.
type PersistErr struct {
	Err error
}

func (e *PersistErr) Error() string { return e.Err.Error() }
func (e *PersistErr) Unwrap() error { return e.Err }

// IdentityStore persists identities with their login history and known sets.
type IdentityStore interface {
	// Create inserts a new identity. Duplicate username or email yields a CONFLICT AppError.
	Create(ctx context.Context, id *domain.Identity, events ...domain.OutboxDraft) error

	// FindByID returns the identity with its last LoginHistoryWindow events, or nil if absent.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Identity, error)

	// FindByLogin looks an identity up by username or email, or returns nil.
	FindByLogin(ctx context.Context, login string) (*domain.Identity, error)

	// RecordLogin appends the event and upserts the known device and location atomically.
	RecordLogin(ctx context.Context, id uuid.UUID, rec domain.LoginRecord, events ...domain.OutboxDraft) error

	// ListLoginEvents returns up to limit events, newest first.
	ListLoginEvents(ctx context.Context, id uuid.UUID, limit int) ([]domain.LoginEvent, error)

	// CountOutcomesSince counts login events with the given outcome at or after since.
	CountOutcomesSince(ctx context.Context, id uuid.UUID, outcome domain.LoginOutcome, since time.Time) (int, error)
}

// SessionStore persists sessions. Mutate serializes read-modify-write per token.
type SessionStore interface {
	// Create stores a new session.
	Create(ctx context.Context, s *domain.Session, events ...domain.OutboxDraft) error

	// Get returns a copy of the session, or nil if the token is unknown.
	Get(ctx context.Context, token string) (*domain.Session, error)

	// Mutate loads the session, applies fn and persists the result atomically with
	// respect to other Mutate calls on the same token. An unknown token yields
	// SessionNotFound.
	Mutate(ctx context.Context, token string, fn MutateFunc) (*domain.Session, error)

	// ListByIdentity returns every session of an identity, most recent first.
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]domain.Session, error)

	// ListExpired returns tokens of active sessions whose expiry is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ChallengeStore holds pending second-factor challenges.
type ChallengeStore interface {
	Save(ctx context.Context, c *domain.Challenge) error
	// Get returns the challenge or nil when absent or expired.
	Get(ctx context.Context, id uuid.UUID) (*domain.Challenge, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// EventSink receives outbox events from stores that cannot write them transactionally.
type EventSink interface {
	Append(ctx context.Context, events ...domain.OutboxDraft) error
}

// OutboxRow is an outbox event together with its sequence id.
type OutboxRow struct {
	SeqID int64
	domain.OutboxDraft
}

// OutboxRepository provides access to the event_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event, usually within the transaction of the change it describes.
	Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error

	// FetchUnpublishedRows returns the oldest unpublished events for the outbox poller.
	FetchUnpublishedRows(ctx context.Context, db DBTX, limit int) ([]OutboxRow, error)

	// MarkPublished deletes published events.
	MarkPublished(ctx context.Context, db DBTX, ids []int64) error
}

// applyMutation runs fn on s and classifies the outcome for a store:
// persist reports whether the session must be written, err what to return.
func applyMutation(s *domain.Session, fn MutateFunc) (events []domain.OutboxDraft, persist bool, err error) {
	events, err = fn(s)
	switch {
	case err == nil:
		return events, true, nil
	case errors.Is(err, ErrNoUpdate):
		return nil, false, nil
	}
	var pe *PersistErr
	if errors.As(err, &pe) {
		return events, true, pe.Err
	}
	return nil, false, err
}
