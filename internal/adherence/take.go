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

// MarkTaken records the dose whose tolerance window contains at. A zero at
// means now. The day is the engine's today; an at on the previous day only
// matches a slot whose window is still open now, so closed days cannot be
// rewritten. Checks run in order: day, validity window, weekday, open slot.
// A slot already swept to missed is upgraded; a taken slot fails with
// dose.ErrAlreadyTaken.
func (e *Engine) MarkTaken(ctx context.Context, medicationID string, at time.Time) (*dose.Record, error) {
	now := e.Now()
	if at.IsZero() {
		at = now
	} else {
		at = at.In(e.cfg.Location)
	}
	today := schedule.DateOf(now.In(e.cfg.Location))
	day := schedule.DateOf(at)

	ctx, span := e.tracer.Start(ctx, "adherence_mark_taken",
		trace.WithAttributes(
			attribute.String("medication_id", medicationID),
			attribute.String("at", at.Format(time.RFC3339)),
		))
	defer span.End()

	reject := func(reason string, err error) (*dose.Record, error) {
		e.metrics.TakeRejectedFor(reason)
		span.SetAttributes(attribute.String("rejected", reason))
		e.logger.Debug("take rejected",
			zap.String("medication_id", medicationID),
			zap.String("reason", reason),
			zap.Time("at", at))
		return nil, err
	}

	med, err := e.medication(ctx, medicationID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if day != today && day != today.AddDays(-1) {
		return reject("no_eligible_slot",
			fmt.Errorf("%w: %s on %s is not today", ErrNoEligibleSlot, medicationID, day))
	}

	rule := med.Rule
	if !rule.InWindow(day) {
		return reject("out_of_treatment_window",
			fmt.Errorf("%w: %s on %s", ErrOutOfTreatmentWindow, medicationID, day))
	}
	if !rule.OnWeekday(day) {
		return reject("not_scheduled_today",
			fmt.Errorf("%w: %s on %s", ErrNotScheduledToday, medicationID, day.Weekday()))
	}
	// A take cannot be recorded ahead of the clock.
	if !med.Active || at.After(now.Add(e.cfg.Tolerance)) {
		return reject("no_eligible_slot", fmt.Errorf("%w: %s", ErrNoEligibleSlot, medicationID))
	}

	slot, ok := e.openSlot(rule, day, at)
	if !ok {
		return reject("no_eligible_slot",
			fmt.Errorf("%w: %s at %s", ErrNoEligibleSlot, medicationID, schedule.ClockOf(at)))
	}

	scheduledAt := day.At(slot, e.cfg.Location)
	if day != today && !now.Before(scheduledAt.Add(e.cfg.Tolerance)) {
		return reject("no_eligible_slot",
			fmt.Errorf("%w: %s at %s closed before today", ErrNoEligibleSlot, medicationID, scheduledAt.Format(time.DateTime)))
	}
	rec, err := e.store.MarkTaken(ctx, medicationID, scheduledAt, at)
	if err != nil {
		if errors.Is(err, dose.ErrAlreadyTaken) {
			return reject("already_taken",
				fmt.Errorf("%s at %s: %w", medicationID, scheduledAt.Format(time.DateTime), err))
		}
		span.RecordError(err)
		return nil, fmt.Errorf("mark taken %s: %w", medicationID, err)
	}

	e.metrics.DoseTaken()
	e.logger.Info("dose taken",
		zap.String("medication_id", medicationID),
		zap.Time("scheduled_at", scheduledAt),
		zap.Time("marked_at", at))
	return rec, nil
}

// openSlot finds the slot on date whose window [s, s+tolerance) contains at.
// When windows overlap the most recent slot wins.
func (e *Engine) openSlot(rule schedule.RecurrenceRule, date schedule.Date, at time.Time) (schedule.ClockTime, bool) {
	var (
		found schedule.ClockTime
		ok    bool
	)
	for _, t := range schedule.DueSlots(rule, date) {
		s := date.At(t, e.cfg.Location)
		if !at.Before(s) && at.Before(s.Add(e.cfg.Tolerance)) {
			found, ok = t, true
		}
	}
	return found, ok
}
