// Package handlers provides HTTP handlers for the adherence API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	fhir "github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/drfirst/go-adherence/internal/notification"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// HandlerConfig holds request defaults and limits.
type HandlerConfig struct {
	// BackfillDays is used when ?days= is absent.
	BackfillDays int
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		BackfillDays: 7,
		MaxBodyBytes: 1 << 20,
	}
}

// AdherenceHandler serves the medication status, take, backfill, reminder
// and authoring endpoints.
type AdherenceHandler struct {
	engine  *adherence.Engine
	planner *notification.Planner
	meds    medication.Repository
	writer  medication.Writer
	config  HandlerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewAdherenceHandler(
	engine *adherence.Engine,
	planner *notification.Planner,
	meds medication.Repository,
	writer medication.Writer,
	cfg HandlerConfig,
	logger *zap.Logger,
) *AdherenceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultHandlerConfig()
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = def.BackfillDays
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	return &AdherenceHandler{
		engine:  engine,
		planner: planner,
		meds:    meds,
		writer:  writer,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("adherence-handler"),
	}
}

// Routes returns the /medications routes.
func (h *AdherenceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Put("/{id}", h.PutMedication)
	r.Get("/{id}/status", h.GetStatus)
	r.Post("/{id}/take", h.Take)
	r.Post("/{id}/backfill", h.Backfill)
	r.Get("/{id}/reminders", h.Reminders)
	return r
}

// checkPatient answers NotFound when ?patient_id= names another patient.
func (h *AdherenceHandler) checkPatient(r *http.Request, id string) error {
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		return nil
	}
	med, err := h.meds.GetByID(r.Context(), id)
	if err != nil {
		return err
	}
	if med.PatientID != patientID {
		return fmt.Errorf("%w: %s", medication.ErrNotFound, id)
	}
	return nil
}

// GetStatus handles GET /medications/{id}/status?date=YYYY-MM-DD
func (h *AdherenceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.checkPatient(r, id); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	date := h.engine.Today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := schedule.ParseDate(raw)
		if err != nil {
			respondError(w, r, h.logger, err)
			return
		}
		date = d
	}

	status, err := h.engine.GetStatus(r.Context(), id, date)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// TakeRequest is the optional body of POST /medications/{id}/take.
type TakeRequest struct {
	TakenAt *time.Time `json:"taken_at,omitempty"`
}

// Take handles POST /medications/{id}/take
func (h *AdherenceHandler) Take(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "take_dose")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("medication_id", id))
	if err := h.checkPatient(r, id); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	var req TakeRequest
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	at := h.engine.Now()
	if req.TakenAt != nil {
		at = *req.TakenAt
	}

	rec, err := h.engine.MarkTaken(ctx, id, at)
	if err != nil {
		span.RecordError(err)
		respondError(w, r, h.logger, err)
		return
	}

	h.logger.Info("dose taken",
		zap.String("medication_id", id),
		zap.Time("scheduled_at", rec.ScheduledAt),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))
	respondJSON(w, http.StatusOK, rec)
}

// BackfillResponse reports how many missed records were written.
type BackfillResponse struct {
	MedicationID string `json:"medication_id"`
	Days         int    `json:"days"`
	Created      int    `json:"created"`
}

// Backfill handles POST /medications/{id}/backfill?days=7
func (h *AdherenceHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.checkPatient(r, id); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	days, err := intParam(r, "days", h.config.BackfillDays)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	created, err := h.engine.BackfillMissed(r.Context(), id, days)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, BackfillResponse{MedicationID: id, Days: days, Created: created})
}

// Reminders handles GET /medications/{id}/reminders?days=14
func (h *AdherenceHandler) Reminders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.checkPatient(r, id); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	days, err := intParam(r, "days", 0)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	plan, err := h.planner.Preview(r.Context(), id, days)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// MedicationResponse is the answer to PUT /medications/{id}.
type MedicationResponse struct {
	Medication *medication.Medication  `json:"medication"`
	Reminders  []notification.Reminder `json:"reminders"`
}

// PutMedication handles PUT /medications/{id} with a FHIR MedicationRequest body.
func (h *AdherenceHandler) PutMedication(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "put_medication")
	defer span.End()

	id := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("medication_id", id))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		respondError(w, r, h.logger, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	req, err := fhir.ParseMedicationRequest(body)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	med, err := req.ToMedication(id, h.engine.Location())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := h.writer.Upsert(ctx, med); err != nil {
		span.RecordError(err)
		respondError(w, r, h.logger, err)
		return
	}

	plan, err := h.planner.Preview(ctx, id, 0)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	h.logger.Info("medication stored",
		zap.String("medication_id", id),
		zap.String("patient_id", med.PatientID),
		zap.Bool("active", med.Active),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	respondJSON(w, http.StatusOK, MedicationResponse{Medication: med, Reminders: plan.Reminders})
}

// Sweep handles POST /sweeps for deployments driven by an external cron.
func (h *AdherenceHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.SweepAll(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// decode reads an optional JSON body; an empty body leaves v untouched.
func (h *AdherenceHandler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}
