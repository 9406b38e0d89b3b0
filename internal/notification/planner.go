package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// Plan replaces every previously planned reminder for a medication.
// An empty Reminders list clears them.
type Plan struct {
	PlanID         string        `json:"plan_id"`
	MedicationID   string        `json:"medication_id"`
	PatientID      string        `json:"patient_id"`
	MedicationName string        `json:"medication_name"`
	AsOf           time.Time     `json:"as_of"`
	Through        schedule.Date `json:"through"`
	Reminders      []Reminder    `json:"reminders"`
}

// Dispatcher hands a plan to push delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan *Plan) error
}

// PlannerConfig holds planner configuration
type PlannerConfig struct {
	HorizonDays int
	// MaxHorizonDays clamps horizons requested through Preview.
	MaxHorizonDays int
	Location       *time.Location
}

// DefaultPlannerConfig returns sensible defaults
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		HorizonDays:    DefaultHorizonDays,
		MaxHorizonDays: 90,
		Location:       time.Local,
	}
}

// Planner recomputes reminder plans whenever a rule changes and on a daily
// schedule so the horizon rolls forward.
type Planner struct {
	meds       medication.Repository
	dispatcher Dispatcher
	config     PlannerConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Planner)

func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

func NewPlanner(meds medication.Repository, dispatcher Dispatcher, cfg PlannerConfig, logger *zap.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	if cfg.MaxHorizonDays <= 0 || cfg.MaxHorizonDays > MaxHorizonDays {
		cfg.MaxHorizonDays = min(DefaultPlannerConfig().MaxHorizonDays, MaxHorizonDays)
	}
	cfg.MaxHorizonDays = max(cfg.MaxHorizonDays, cfg.HorizonDays)
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	p := &Planner{
		meds:       meds,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("notification-planner"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Preview computes the plan for a medication without dispatching it.
// horizonDays <= 0 uses the configured horizon; larger ones are clamped to
// MaxHorizonDays.
func (p *Planner) Preview(ctx context.Context, medicationID string, horizonDays int) (*Plan, error) {
	med, err := p.meds.GetByID(ctx, medicationID)
	if err != nil {
		return nil, fmt.Errorf("load medication %s: %w", medicationID, err)
	}
	return p.build(med, horizonDays), nil
}

func (p *Planner) build(med *medication.Medication, horizonDays int) *Plan {
	if horizonDays <= 0 {
		horizonDays = p.config.HorizonDays
	}
	horizonDays = min(horizonDays, p.config.MaxHorizonDays)
	asOf := p.now().In(p.config.Location)
	through := schedule.DateOf(asOf).AddDays(horizonDays)
	if med.Rule.ValidUntil != nil && med.Rule.ValidUntil.Before(through) {
		through = *med.Rule.ValidUntil
	}

	plan := &Plan{
		PlanID:         uuid.New().String(),
		MedicationID:   med.ID,
		PatientID:      med.PatientID,
		MedicationName: med.Name,
		AsOf:           asOf,
		Through:        through,
		Reminders:      []Reminder{},
	}
	if med.Active {
		plan.Reminders = PlanNotifications(med.Rule, med.ID, asOf, horizonDays)
	}
	return plan
}

// Plan recomputes and dispatches the plan for one medication.
func (p *Planner) Plan(ctx context.Context, medicationID string) (*Plan, error) {
	ctx, span := p.tracer.Start(ctx, "notification_plan",
		trace.WithAttributes(attribute.String("medication_id", medicationID)))
	defer span.End()

	plan, err := p.Preview(ctx, medicationID, 0)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := p.dispatch(ctx, plan); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("reminders", len(plan.Reminders)))
	return plan, nil
}

// PlanAll re-plans every active medication and returns how many plans were
// dispatched. It keeps going past individual failures.
func (p *Planner) PlanAll(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "notification_plan_all")
	defer span.End()

	meds, err := p.meds.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list active medications: %w", err)
	}

	var errs []error
	planned := 0
	for i := range meds {
		if err := ctx.Err(); err != nil {
			return planned, err
		}
		plan := p.build(&meds[i], 0)
		if err := p.dispatch(ctx, plan); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", meds[i].ID, err))
			continue
		}
		planned++
	}

	p.logger.Info("reminder plans refreshed",
		zap.Int("medications", len(meds)),
		zap.Int("planned", planned),
		zap.Int("failed", len(errs)))
	return planned, errors.Join(errs...)
}

func (p *Planner) dispatch(ctx context.Context, plan *Plan) error {
	if err := p.dispatcher.Dispatch(ctx, plan); err != nil {
		return fmt.Errorf("dispatch plan for %s: %w", plan.MedicationID, err)
	}
	p.metrics.RemindersAdded(len(plan.Reminders))
	p.logger.Debug("reminder plan dispatched",
		zap.String("medication_id", plan.MedicationID),
		zap.Int("reminders", len(plan.Reminders)),
		zap.Stringer("through", plan.Through))
	return nil
}

// LogDispatcher records plans in the log. Used when no broker is configured.
type LogDispatcher struct {
	Logger *zap.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, plan *Plan) error {
	logger := d.Logger
	if logger == nil {
		return nil
	}
	var next time.Time
	if len(plan.Reminders) > 0 {
		next = plan.Reminders[0].ScheduledAt
	}
	logger.Info("reminder plan",
		zap.String("medication_id", plan.MedicationID),
		zap.String("patient_id", plan.PatientID),
		zap.Int("reminders", len(plan.Reminders)),
		zap.Time("next", next))
	return nil
}
