package adherence

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// MarkMissed writes missed records for date's slots whose tolerance has
// elapsed (all slots when date is in the past, none when in the future).
// Existing records are left alone, so repeated or concurrent calls are safe.
// It returns the number of records created.
func (e *Engine) MarkMissed(ctx context.Context, medicationID string, date schedule.Date) (int, error) {
	ctx, span := e.tracer.Start(ctx, "adherence_mark_missed",
		trace.WithAttributes(
			attribute.String("medication_id", medicationID),
			attribute.String("date", date.String()),
		))
	defer span.End()

	med, err := e.medication(ctx, medicationID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	created, err := e.markMissed(ctx, med, date, e.Now())
	e.metrics.DosesMarkedMissed("sweep", created)
	if err != nil {
		span.RecordError(err)
	}
	return created, err
}

// BackfillMissed sweeps each of the daysBack dates before today. Today is
// left to the tolerance-aware path. daysBack is capped at MaxBackfillDays.
func (e *Engine) BackfillMissed(ctx context.Context, medicationID string, daysBack int) (int, error) {
	if daysBack <= 0 {
		return 0, nil
	}
	if daysBack > e.cfg.MaxBackfillDays {
		daysBack = e.cfg.MaxBackfillDays
	}

	ctx, span := e.tracer.Start(ctx, "adherence_backfill",
		trace.WithAttributes(
			attribute.String("medication_id", medicationID),
			attribute.Int("days_back", daysBack),
		))
	defer span.End()

	med, err := e.medication(ctx, medicationID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	created, err := e.backfill(ctx, med, daysBack, e.Now())
	e.metrics.DosesMarkedMissed("backfill", created)
	if err != nil {
		span.RecordError(err)
	}
	return created, err
}

func (e *Engine) backfill(ctx context.Context, med *medication.Medication, daysBack int, now time.Time) (int, error) {
	today := schedule.DateOf(now)
	total := 0
	for i := daysBack; i >= 1; i-- {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.markMissed(ctx, med, today.AddDays(-i), now)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SweepResult summarises one SweepAll or BackfillActive run.
type SweepResult struct {
	Kind        string        `json:"kind"`
	Date        schedule.Date `json:"date"`
	Medications int           `json:"medications"`
	Created     int           `json:"created"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration_ns"`
}

// SweepAll runs MarkMissed for today over every active medication. Only one
// sweep or backfill runs at a time per engine; an overlapping call returns
// ErrSweepInProgress immediately. Failures of single medications are
// counted and logged, not returned.
func (e *Engine) SweepAll(ctx context.Context) (*SweepResult, error) {
	return e.runAll(ctx, "sweep", func(ctx context.Context, med *medication.Medication, now time.Time) (int, error) {
		return e.markMissed(ctx, med, schedule.DateOf(now), now)
	})
}

// BackfillActive runs BackfillMissed over every active medication.
func (e *Engine) BackfillActive(ctx context.Context, daysBack int) (*SweepResult, error) {
	if daysBack > e.cfg.MaxBackfillDays {
		daysBack = e.cfg.MaxBackfillDays
	}
	return e.runAll(ctx, "backfill", func(ctx context.Context, med *medication.Medication, now time.Time) (int, error) {
		if daysBack <= 0 {
			return 0, nil
		}
		return e.backfill(ctx, med, daysBack, now)
	})
}

type sweepFunc func(ctx context.Context, med *medication.Medication, now time.Time) (int, error)

func (e *Engine) runAll(ctx context.Context, kind string, fn sweepFunc) (*SweepResult, error) {
	if !e.sweeping.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer e.sweeping.Store(false)

	ctx, span := e.tracer.Start(ctx, "adherence_"+kind+"_all")
	defer span.End()

	start := time.Now()
	now := e.Now()
	result := &SweepResult{Kind: kind, Date: schedule.DateOf(now)}

	meds, err := e.meds.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		e.metrics.SweepFinished(kind, "error", time.Since(start))
		return nil, err
	}
	result.Medications = len(meds)

	var created, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.cfg.SweepConcurrency)
	for i := range meds {
		med := &meds[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			n, err := fn(ctx, med, now)
			created.Add(int64(n))
			if err != nil {
				failed.Add(1)
				e.logger.Warn(kind+" failed for medication",
					zap.String("medication_id", med.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Created = int(created.Load())
	result.Failed = int(failed.Load())
	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("medications", result.Medications),
		attribute.Int("created", result.Created),
		attribute.Int("failed", result.Failed),
	)

	outcome := "ok"
	if result.Failed > 0 {
		outcome = "partial"
	}
	e.metrics.DosesMarkedMissed(kind, result.Created)
	e.metrics.SweepFinished(kind, outcome, result.Duration)
	e.logger.Info(kind+" finished",
		zap.Stringer("date", result.Date),
		zap.Int("medications", result.Medications),
		zap.Int("created", result.Created),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	return result, ctx.Err()
}
