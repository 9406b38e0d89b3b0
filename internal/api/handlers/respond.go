package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errBadRequest marks malformed input that has no domain sentinel of its own.
var errBadRequest = errors.New("invalid request")

type errorMapping struct {
	target error
	status int
	code   string
}

var errorTable = []errorMapping{
	{adherence.ErrNotScheduledToday, http.StatusUnprocessableEntity, "NOT_SCHEDULED_TODAY"},
	{adherence.ErrOutOfTreatmentWindow, http.StatusUnprocessableEntity, "OUT_OF_TREATMENT_WINDOW"},
	{adherence.ErrNoEligibleSlot, http.StatusUnprocessableEntity, "NO_ELIGIBLE_SLOT"},
	{adherence.ErrSweepInProgress, http.StatusConflict, "SWEEP_IN_PROGRESS"},
	{dose.ErrAlreadyTaken, http.StatusConflict, "ALREADY_TAKEN"},
	{dose.ErrConflict, http.StatusConflict, "CONFLICT"},
	{medication.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{medication.ErrInvalid, http.StatusBadRequest, "INVALID_REQUEST"},
	{schedule.ErrInvalidDate, http.StatusBadRequest, "INVALID_REQUEST"},
	{schedule.ErrInvalidClockTime, http.StatusBadRequest, "INVALID_REQUEST"},
	{schedule.ErrInvalidWeekday, http.StatusBadRequest, "INVALID_REQUEST"},
	{schedule.ErrInvalidWindow, http.StatusBadRequest, "INVALID_REQUEST"},
	{schedule.ErrNoTimes, http.StatusBadRequest, "INVALID_REQUEST"},
	{errBadRequest, http.StatusBadRequest, "INVALID_REQUEST"},
}

// statusFor maps an error to its HTTP status and code. Unknown errors are 500.
func statusFor(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the mapped error. Internal errors are logged and never
// shown to the client.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal error"
	}
	respondJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
