package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// DoseStore keeps one row per (medication, slot). scheduled_at is stored as a
// wall-clock TIMESTAMP in the server calendar and read back in loc.
type DoseStore struct {
	pool   *pgxpool.Pool
	loc    *time.Location
	logger *zap.Logger
	tracer trace.Tracer
}

func NewDoseStore(pool *pgxpool.Pool, loc *time.Location, logger *zap.Logger) *DoseStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &DoseStore{
		pool:   pool,
		loc:    loc,
		logger: logger,
		tracer: otel.Tracer("dose-store"),
	}
}

var _ dose.Store = (*DoseStore)(nil)

func (s *DoseStore) Find(ctx context.Context, medicationID string, scheduledAt time.Time) (*dose.Record, error) {
	query := `
		SELECT medication_id, scheduled_at, taken, marked_at
		FROM dose_records
		WHERE medication_id = $1 AND scheduled_at = $2
	`
	rec, err := s.scanOne(s.pool.QueryRow(ctx, query, medicationID, wallClock(scheduledAt)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dose.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find dose record: %w", err)
	}
	return rec, nil
}

func (s *DoseStore) FindRange(ctx context.Context, medicationID string, from, to schedule.Date) ([]dose.Record, error) {
	query := `
		SELECT medication_id, scheduled_at, taken, marked_at
		FROM dose_records
		WHERE medication_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		ORDER BY scheduled_at ASC
	`
	rows, err := s.pool.Query(ctx, query, medicationID,
		from.Start(time.UTC), to.AddDays(1).Start(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("query dose records: %w", err)
	}
	defer rows.Close()

	out := make([]dose.Record, 0)
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dose record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Insert writes a new record. The slot key is the primary key, so a second
// insert for the same slot returns no row and maps to ErrConflict.
func (s *DoseStore) Insert(ctx context.Context, rec dose.Record) error {
	ctx, span := s.tracer.Start(ctx, "dose_insert",
		trace.WithAttributes(
			attribute.String("medication_id", rec.MedicationID),
			attribute.Bool("taken", rec.Taken),
		))
	defer span.End()

	query := `
		INSERT INTO dose_records (medication_id, scheduled_at, taken, marked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (medication_id, scheduled_at) DO NOTHING
		RETURNING medication_id
	`
	var id string
	err := s.pool.QueryRow(ctx, query,
		rec.MedicationID, wallClock(rec.ScheduledAt), rec.Taken, rec.MarkedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return dose.ErrConflict
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert dose record: %w", err)
	}
	return nil
}

// MarkTaken upserts a taken record. A missed row is upgraded in place; a taken
// row is left alone and the statement returns nothing.
func (s *DoseStore) MarkTaken(ctx context.Context, medicationID string, scheduledAt, markedAt time.Time) (*dose.Record, error) {
	ctx, span := s.tracer.Start(ctx, "dose_mark_taken",
		trace.WithAttributes(attribute.String("medication_id", medicationID)))
	defer span.End()

	query := `
		INSERT INTO dose_records (medication_id, scheduled_at, taken, marked_at)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (medication_id, scheduled_at) DO UPDATE
		SET taken = TRUE, marked_at = EXCLUDED.marked_at, updated_at = NOW()
		WHERE dose_records.taken = FALSE
		RETURNING medication_id, scheduled_at, taken, marked_at
	`
	rec, err := s.scanOne(s.pool.QueryRow(ctx, query, medicationID, wallClock(scheduledAt), markedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dose.ErrAlreadyTaken
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("mark dose taken: %w", err)
	}

	s.logger.Debug("dose marked taken",
		zap.String("medication_id", medicationID),
		zap.Time("scheduled_at", rec.ScheduledAt))
	return rec, nil
}

func (s *DoseStore) scanOne(row pgx.Row) (*dose.Record, error) {
	var (
		rec      dose.Record
		wall     time.Time
		markedAt *time.Time
	)
	if err := row.Scan(&rec.MedicationID, &wall, &rec.Taken, &markedAt); err != nil {
		return nil, err
	}
	rec.ScheduledAt = inLocation(wall, s.loc)
	if markedAt != nil {
		t := markedAt.In(s.loc)
		rec.MarkedAt = &t
	}
	return &rec, nil
}

// wallClock drops the zone, keeping the reading a TIMESTAMP column stores.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func inLocation(wall time.Time, loc *time.Location) time.Time {
	return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), loc)
}
