package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/notification"
)

const EventTypeRemindersPlanned = "RemindersPlanned"

// OutboxDispatcher queues reminder plans on the outbox so they reach the
// push side through the same relay as medication changes.
type OutboxDispatcher struct {
	pool *pgxpool.Pool
}

func NewOutboxDispatcher(pool *pgxpool.Pool) *OutboxDispatcher {
	return &OutboxDispatcher{pool: pool}
}

var _ notification.Dispatcher = (*OutboxDispatcher)(nil)

func (d *OutboxDispatcher) Dispatch(ctx context.Context, plan *notification.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   plan.MedicationID,
		AggregateType: "reminder_plan",
		EventType:     EventTypeRemindersPlanned,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicRemindersPlanned,
		KafkaKey:      plan.MedicationID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
