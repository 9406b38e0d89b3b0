// Package adherence decides which doses are due, records takes, and sweeps
// elapsed doses to missed. The dose store's per-slot uniqueness is the only
// coordination between concurrent callers.
package adherence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// Config holds engine configuration
type Config struct {
	// Tolerance is the grace period after a scheduled time during which the
	// dose can still be taken and is not yet swept to missed.
	Tolerance time.Duration
	// MaxBackfillDays caps BackfillMissed.
	MaxBackfillDays int
	// SweepConcurrency bounds parallel medications in SweepAll and BackfillActive.
	SweepConcurrency int
	// Location is the single server calendar all rules are read in.
	Location *time.Location
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Tolerance:        5 * time.Minute,
		MaxBackfillDays:  90,
		SweepConcurrency: 8,
		Location:         time.Local,
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	meds    medication.Repository
	store   dose.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	sweeping atomic.Bool
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(meds medication.Repository, store dose.Store, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.MaxBackfillDays <= 0 {
		cfg.MaxBackfillDays = def.MaxBackfillDays
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = def.SweepConcurrency
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	e := &Engine{
		meds:   meds,
		store:  store,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("adherence-engine"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now is the current instant on the engine's calendar.
func (e *Engine) Now() time.Time {
	return e.now().In(e.cfg.Location)
}

// Today is the current calendar date.
func (e *Engine) Today() schedule.Date {
	return schedule.DateOf(e.Now())
}

func (e *Engine) Location() *time.Location { return e.cfg.Location }

func (e *Engine) Tolerance() time.Duration { return e.cfg.Tolerance }

func (e *Engine) medication(ctx context.Context, id string) (*medication.Medication, error) {
	med, err := e.meds.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load medication %s: %w", id, err)
	}
	return med, nil
}

// sweepable reports whether an unrecorded slot may be written as missed.
// Every slot of a past day is eligible; today's slots only once the
// tolerance has elapsed.
func (e *Engine) sweepable(date schedule.Date, at, now time.Time) bool {
	today := schedule.DateOf(now)
	switch {
	case date.Before(today):
		return true
	case date.After(today):
		return false
	default:
		return !now.Before(at.Add(e.cfg.Tolerance))
	}
}

// sweepSlot inserts a missed record, treating an existing record of any
// value as success.
func (e *Engine) sweepSlot(ctx context.Context, medicationID string, at time.Time) (bool, error) {
	err := e.store.Insert(ctx, dose.Missed(medicationID, at))
	switch {
	case err == nil:
		e.logger.Debug("dose marked missed",
			zap.String("medication_id", medicationID),
			zap.Time("scheduled_at", at))
		return true, nil
	case errors.Is(err, dose.ErrConflict):
		return false, nil
	default:
		return false, fmt.Errorf("insert missed dose %s at %s: %w", medicationID, at.Format(time.DateTime), err)
	}
}

// markMissed sweeps med's eligible slots on date relative to now.
func (e *Engine) markMissed(ctx context.Context, med *medication.Medication, date schedule.Date, now time.Time) (int, error) {
	if !med.Active || date.After(schedule.DateOf(now)) {
		return 0, nil
	}
	created := 0
	for _, t := range schedule.DueSlots(med.Rule, date) {
		at := date.At(t, e.cfg.Location)
		if !e.sweepable(date, at, now) {
			continue
		}
		inserted, err := e.sweepSlot(ctx, med.ID, at)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}
