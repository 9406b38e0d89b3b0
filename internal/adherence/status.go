package adherence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// SlotStatus is one due slot merged with its record, if any.
type SlotStatus struct {
	Time        schedule.ClockTime `json:"time"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	Status      dose.Status        `json:"status"`
	MarkedAt    *time.Time         `json:"marked_at,omitempty"`
}

// DayStatus is the adherence picture for one medication on one date.
type DayStatus struct {
	MedicationID string        `json:"medication_id"`
	Date         schedule.Date `json:"date"`
	Scheduled    bool          `json:"scheduled"`
	Slots        []SlotStatus  `json:"slots"`
	DueToday     bool          `json:"due_today"`
	AllSatisfied bool          `json:"all_satisfied"`
}

// GetStatus reports every due slot on date. Unrecorded slots whose tolerance
// has elapsed are written as missed before being reported, through the same
// insert-or-ignore path as MarkMissed. A date outside the rule's validity
// window fails with ErrOutOfTreatmentWindow; an unscheduled weekday or an
// inactive medication yields Scheduled=false and no slots.
func (e *Engine) GetStatus(ctx context.Context, medicationID string, date schedule.Date) (*DayStatus, error) {
	ctx, span := e.tracer.Start(ctx, "adherence_get_status",
		trace.WithAttributes(
			attribute.String("medication_id", medicationID),
			attribute.String("date", date.String()),
		))
	defer span.End()

	med, err := e.medication(ctx, medicationID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !med.Rule.InWindow(date) {
		return nil, fmt.Errorf("%w: %s on %s", ErrOutOfTreatmentWindow, medicationID, date)
	}

	status := &DayStatus{
		MedicationID: medicationID,
		Date:         date,
		Slots:        []SlotStatus{},
	}
	if !med.Active {
		return status, nil
	}
	times := schedule.DueSlots(med.Rule, date)
	if len(times) == 0 {
		return status, nil
	}
	status.Scheduled = true

	records, err := e.store.FindRange(ctx, medicationID, date, date)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load dose records %s: %w", medicationID, err)
	}
	byTime := make(map[schedule.ClockTime]dose.Record, len(records))
	for _, rec := range records {
		byTime[schedule.ClockOf(rec.ScheduledAt)] = rec
	}

	now := e.Now()
	created := 0
	for _, t := range times {
		at := date.At(t, e.cfg.Location)
		slot := SlotStatus{Time: t, ScheduledAt: at}

		rec, recorded := byTime[t]
		switch {
		case recorded:
		case now.Before(at):
			slot.Status = dose.StatusFuture
		case !e.sweepable(date, at, now):
			slot.Status = dose.StatusPending
		default:
			r, inserted, err := e.recordMissed(ctx, medicationID, at)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			if inserted {
				created++
			}
			rec, recorded = r, true
		}
		if recorded {
			slot.Status = rec.Status()
			slot.MarkedAt = rec.MarkedAt
		}
		status.Slots = append(status.Slots, slot)
	}

	e.metrics.DosesMarkedMissed("status", created)
	if created > 0 {
		e.logger.Info("lazy sweep recorded missed doses",
			zap.String("medication_id", medicationID),
			zap.Stringer("date", date),
			zap.Int("created", created))
	}

	status.AllSatisfied = true
	for _, s := range status.Slots {
		if s.Status == dose.StatusFuture || s.Status == dose.StatusPending {
			status.DueToday = true
		}
		if s.Status != dose.StatusTaken {
			status.AllSatisfied = false
		}
	}
	return status, nil
}

// recordMissed sweeps one slot and returns whichever record ended up stored.
// When another caller won the race its record is read back, so a
// concurrent take is reported as taken rather than missed.
func (e *Engine) recordMissed(ctx context.Context, medicationID string, at time.Time) (dose.Record, bool, error) {
	inserted, err := e.sweepSlot(ctx, medicationID, at)
	if err != nil {
		return dose.Record{}, false, err
	}
	if inserted {
		return dose.Missed(medicationID, at), true, nil
	}
	existing, err := e.store.Find(ctx, medicationID, at)
	if err != nil {
		if errors.Is(err, dose.ErrRecordNotFound) {
			return dose.Record{}, false, fmt.Errorf("dose record %s at %s vanished after conflict: %w", medicationID, at.Format(time.DateTime), err)
		}
		return dose.Record{}, false, fmt.Errorf("reload dose record %s: %w", medicationID, err)
	}
	return *existing, false, nil
}
