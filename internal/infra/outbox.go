package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/riskwatch/platform/internal/metrics"
	"github.com/riskwatch/platform/internal/repository"
)

// TopicPrefix namespaces every topic the outbox publishes to.
const TopicPrefix = "riskwatch."

// Publisher sends one message to a topic. KafkaProducer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// OutboxPoller polls the event_outbox table and publishes events to Kafka.
type OutboxPoller struct {
	db        repository.DBTX
	outbox    repository.OutboxRepository
	producer  Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// NewOutboxPoller creates a new outbox poller.
func NewOutboxPoller(db repository.DBTX, outbox repository.OutboxRepository, producer Publisher, logger *slog.Logger) *OutboxPoller {
	return &OutboxPoller{
		db:        db,
		outbox:    outbox,
		producer:  producer,
		logger:    logger,
		interval:  500 * time.Millisecond,
		batchSize: 100,
	}
}

// Start begins polling in a goroutine. Stops when ctx is cancelled.
func (p *OutboxPoller) Start(ctx context.Context) {
	p.logger.Info("outbox poller started", "interval", p.interval, "batch_size", p.batchSize)

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("outbox poller stopped")
				return
			case <-ticker.C:
				if _, err := p.poll(ctx); err != nil {
					p.logger.Error("outbox poll error", "error", err)
				}
			}
		}
	}()
}

// poll publishes one batch in order and returns how many events were published.
// It stops at the first publish failure so events of one aggregate keep their order.
func (p *OutboxPoller) poll(ctx context.Context) (int, error) {
	rows, err := p.outbox.FetchUnpublishedRows(ctx, p.db, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(rows))
	for _, e := range rows {
		topic := Topic(string(e.EventType))
		key := []byte(e.PartitionKey)

		msg, _ := json.Marshal(map[string]interface{}{
			"event_id":       e.EventID,
			"aggregate_type": e.AggregateType,
			"aggregate_id":   e.AggregateID,
			"event_type":     e.EventType,
			"payload":        e.Payload,
			"occurred_at":    e.OccurredAt,
		})

		if err := p.producer.Publish(ctx, topic, key, msg); err != nil {
			metrics.OutboxPublishedTotal.WithLabelValues("error").Inc()
			p.logger.Error("kafka publish failed", "event_id", e.EventID, "error", err)
			break
		}
		metrics.OutboxPublishedTotal.WithLabelValues("ok").Inc()
		published = append(published, e.SeqID)
	}

	if err := p.outbox.MarkPublished(ctx, p.db, published); err != nil {
		return 0, err
	}

	p.logger.Debug("outbox poll complete", "published", len(published), "fetched", len(rows))
	return len(published), nil
}

// Topic returns the kafka topic for an event type, e.g. riskwatch.session.terminated.
func Topic(eventType string) string {
	return TopicPrefix + strings.TrimPrefix(eventType, "risk.")
}
