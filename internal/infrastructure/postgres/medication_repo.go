package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// MedicationRepo reads medications for the engine and writes them together
// with a MedicationChanged outbox entry.
type MedicationRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewMedicationRepo(pool *pgxpool.Pool, logger *zap.Logger) *MedicationRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MedicationRepo{pool: pool, logger: logger}
}

var (
	_ medication.Repository = (*MedicationRepo)(nil)
	_ medication.Writer     = (*MedicationRepo)(nil)
)

const medicationColumns = `id, patient_id, name, weekdays, times, valid_from, valid_until, active, updated_at`

func (r *MedicationRepo) GetByID(ctx context.Context, id string) (*medication.Medication, error) {
	query := `SELECT ` + medicationColumns + ` FROM medications WHERE id = $1`
	m, err := scanMedication(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, medication.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medication %s: %w", id, err)
	}
	return m, nil
}

func (r *MedicationRepo) ListActive(ctx context.Context) ([]medication.Medication, error) {
	query := `SELECT ` + medicationColumns + ` FROM medications WHERE active ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active medications: %w", err)
	}
	defer rows.Close()

	var out []medication.Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Upsert stores the medication and queues a MedicationChanged event in the
// same transaction.
func (r *MedicationRepo) Upsert(ctx context.Context, m *medication.Medication) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.Rule = m.Rule.Normalized()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO medications (id, patient_id, name, weekdays, times, valid_from, valid_until, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7::date, $8, NOW())
		ON CONFLICT (id) DO UPDATE
		SET patient_id = EXCLUDED.patient_id,
		    name = EXCLUDED.name,
		    weekdays = EXCLUDED.weekdays,
		    times = EXCLUDED.times,
		    valid_from = EXCLUDED.valid_from,
		    valid_until = EXCLUDED.valid_until,
		    active = EXCLUDED.active,
		    updated_at = NOW()
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, query,
		m.ID,
		m.PatientID,
		m.Name,
		m.Rule.Weekdays.Names(),
		clockStrings(m.Rule.Times),
		dateArg(m.Rule.ValidFrom),
		dateArg(m.Rule.ValidUntil),
		m.Active,
	).Scan(&m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert medication: %w", err)
	}

	event := medication.ChangedEvent{
		EventID:      uuid.New().String(),
		MedicationID: m.ID,
		PatientID:    m.PatientID,
		Active:       m.Active,
		OccurredAt:   m.UpdatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   m.ID,
		AggregateType: medication.AggregateType,
		EventType:     medication.EventTypeChanged,
		Payload:       payload,
		KafkaTopic:    redpanda.TopicMedicationChanged,
		KafkaKey:      m.ID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Info("medication stored",
		zap.String("medication_id", m.ID),
		zap.Bool("active", m.Active),
		zap.String("event_id", event.EventID))
	return nil
}

func scanMedication(row pgx.Row) (*medication.Medication, error) {
	var (
		m                medication.Medication
		weekdays, times  []string
		validFrom, until *time.Time
	)
	if err := row.Scan(&m.ID, &m.PatientID, &m.Name, &weekdays, &times,
		&validFrom, &until, &m.Active, &m.UpdatedAt); err != nil {
		return nil, err
	}

	set, err := schedule.ParseWeekdays(weekdays)
	if err != nil {
		return nil, fmt.Errorf("medication %s weekdays: %w", m.ID, err)
	}
	clock, err := schedule.ParseClockTimes(times)
	if err != nil {
		return nil, fmt.Errorf("medication %s times: %w", m.ID, err)
	}
	m.Rule = schedule.RecurrenceRule{
		Weekdays:   set,
		Times:      clock,
		ValidFrom:  dateOf(validFrom),
		ValidUntil: dateOf(until),
	}
	return &m, nil
}

func clockStrings(times []schedule.ClockTime) []string {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.String()
	}
	return out
}

func dateArg(d *schedule.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// dateOf converts a scanned DATE, which pgx returns at UTC midnight.
func dateOf(t *time.Time) *schedule.Date {
	if t == nil {
		return nil
	}
	d := schedule.DateOf(*t)
	return &d
}
