package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riskwatch/platform/internal/domain"
)

type outboxRepo struct{}

// NewOutboxRepository returns a pgx-backed OutboxRepository.
func NewOutboxRepository() OutboxRepository {
	return &outboxRepo{}
}

// Insert writes an outbox event using the camelCase column names.
func (r *outboxRepo) Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error {
	_, err := db.Exec(ctx, `
		INSERT INTO event_outbox
		  ("eventId", "aggregateType", "aggregateId", "eventType", "partitionKey", "headers", "payload", "occurredAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		draft.EventID,
		string(draft.AggregateType),
		draft.AggregateID,
		string(draft.EventType),
		draft.PartitionKey,
		draft.Headers,
		draft.Payload,
		draft.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *outboxRepo) FetchUnpublishedRows(ctx context.Context, db DBTX, limit int) ([]OutboxRow, error) {
	rows, err := db.Query(ctx, `
		SELECT "id", "eventId", "aggregateType", "aggregateId", "eventType",
		       "partitionKey", "headers", "payload", "occurredAt"
		FROM event_outbox
		ORDER BY "id" ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxRow
	for rows.Next() {
		var row OutboxRow
		err := rows.Scan(&row.SeqID, &row.EventID, &row.AggregateType, &row.AggregateID,
			&row.EventType, &row.PartitionKey, &row.Headers, &row.Payload, &row.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, row)
	}
	return events, rows.Err()
}

func (r *outboxRepo) MarkPublished(ctx context.Context, db DBTX, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `DELETE FROM event_outbox WHERE "id" = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, db DBTX, outbox OutboxRepository, events []domain.OutboxDraft) error {
	for _, ev := range events {
		if err := outbox.Insert(ctx, db, ev); err != nil {
			return err
		}
	}
	return nil
}

// OutboxSink appends events to event_outbox outside any other transaction.
// Used when sessions live in Redis but events still flow through Postgres.
type OutboxSink struct {
	db     DBTX
	outbox OutboxRepository
}

// NewOutboxSink creates a sink writing through db.
func NewOutboxSink(db DBTX, outbox OutboxRepository) *OutboxSink {
	return &OutboxSink{db: db, outbox: outbox}
}

func (s *OutboxSink) Append(ctx context.Context, events ...domain.OutboxDraft) error {
	return insertEvents(ctx, s.db, s.outbox, events)
}

// LogSink writes events to the structured log. Used when no database is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(_ context.Context, events ...domain.OutboxDraft) error {
	for _, ev := range events {
		s.logger.Info("domain event",
			"event_type", ev.EventType,
			"aggregate", ev.AggregateType,
			"aggregate_id", ev.AggregateID,
			"payload", string(ev.Payload),
		)
	}
	return nil
}
