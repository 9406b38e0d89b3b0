package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// MaintenanceInterval is how often stats, dead-lettering and cleanup run
	MaintenanceInterval time.Duration
	// Retention is how long processed entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        250 * time.Millisecond,
		MaxRetries:          5,
		MaintenanceInterval: 30 * time.Second,
		Retention:           72 * time.Hour,
	}
}

// ErrPublisherUnavailable is wrapped by publishers that reject calls without
// trying, such as an open circuit breaker. Such failures do not count
// towards MaxRetries and end the current batch.
var ErrPublisherUnavailable = errors.New("outbox publisher unavailable")

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed entries to the broker. Only the holder of
// OutboxLockKey publishes, which keeps per-key ordering intact.
type Outbox struct {
	pool      *pgxpool.Pool
	lock      *AdvisoryLock
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		lock:      NewAdvisoryLock(pool, OutboxLockKey, logger),
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within a transaction.
// Call it in the same transaction as the state change it announces.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	maintenance := time.NewTicker(o.config.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-poll.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-maintenance.C:
			o.maintain(o.ctx)
		}
	}
}

// ProcessBatch publishes up to BatchSize pending entries in creation order and
// returns how many were published. It does nothing when another relay holds
// the lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	unlock, acquired, err := o.lock.TryLock(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer unlock()

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("fetch outbox entries: %w", err)
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	blocked := make(map[string]bool)
	for _, entry := range entries {
		// A failed entry holds back later entries for the same key.
		if blocked[entry.KafkaKey] {
			continue
		}
		if err := o.processEntry(ctx, entry); err != nil {
			if errors.Is(err, ErrPublisherUnavailable) {
				o.logger.Warn("publisher unavailable, pausing batch", zap.Error(err))
				break
			}
			blocked[entry.KafkaKey] = true
			o.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrPublisherUnavailable) {
			return err
		}
		updateQuery := `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := o.pool.Exec(ctx, updateQuery, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	markQuery := `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`
	if _, err := o.pool.Exec(ctx, markQuery, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

func (o *Outbox) maintain(ctx context.Context) {
	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead-letter pass failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}

	if _, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	}

	stats, err := o.GetStats(ctx)
	if err != nil {
		o.logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	o.metrics.SetOutboxPending(stats.Pending)
}

// CleanupProcessed removes processed entries older than the given age
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`

	result, err := o.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
	`

	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic, &entry.KafkaKey,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		dlPayload, err := json.Marshal(deadLetter{
			OriginalTopic: entry.KafkaTopic,
			EventType:     entry.EventType,
			AggregateID:   entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err != nil {
			return count, fmt.Errorf("marshal dead letter: %w", err)
		}

		if err := o.publisher.Publish(ctx, redpanda.TopicDeadLetter, entry.KafkaKey, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark DLQ entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OutboxStats holds outbox statistics
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, query, o.config.MaxRetries).Scan(
		&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
