package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/notification"
	"github.com/drfirst/go-adherence/internal/schedule"
)

var testLoc = time.FixedZone("BRT", -3*60*60)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type server struct {
	router http.Handler
	meds   *memory.MedicationRepo
	clock  *testClock
}

// Tuesday 2024-03-05, three minutes after the 08:00 dose.
var tuesday0803 = time.Date(2024, time.March, 5, 8, 3, 0, 0, testLoc)

func newServer(t *testing.T) *server {
	t.Helper()
	meds := memory.NewMedicationRepo()
	clock := &testClock{t: tuesday0803}

	cfg := adherence.DefaultConfig()
	cfg.Location = testLoc
	engine := adherence.NewEngine(meds, memory.NewDoseStore(), cfg, nil, adherence.WithClock(clock.Now))

	pcfg := notification.DefaultPlannerConfig()
	pcfg.Location = testLoc
	planner := notification.NewPlanner(meds, notification.LogDispatcher{}, pcfg, nil, notification.WithClock(clock.Now))

	h := NewAdherenceHandler(engine, planner, meds, meds, DefaultHandlerConfig(), nil)
	r := chi.NewRouter()
	r.Mount("/medications", h.Routes())
	r.Post("/sweeps", h.Sweep)

	rule, err := schedule.NewRecurrenceRule([]string{"tue"}, []string{"08:00"}, nil, ptr(schedule.NewDate(2024, time.March, 31)))
	require.NoError(t, err)
	require.NoError(t, meds.Upsert(context.Background(), &medication.Medication{
		ID: "med-1", PatientID: "patient-1", Name: "Lisinopril", Rule: rule, Active: true,
	}))

	return &server{router: r, meds: meds, clock: clock}
}

func ptr[T any](v T) *T { return &v }

func (s *server) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decodeBody[ErrorResponse](t, rec).Code)
}

func TestStatusDefaultsToToday(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/medications/med-1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeBody[adherence.DayStatus](t, rec)
	assert.Equal(t, schedule.NewDate(2024, time.March, 5), status.Date)
	require.Len(t, status.Slots, 1)
	assert.Equal(t, dose.StatusPending, status.Slots[0].Status)
	assert.True(t, status.DueToday)
}

func TestStatusErrors(t *testing.T) {
	s := newServer(t)

	assertError(t, s.do(t, http.MethodGet, "/medications/med-1/status?date=05/03/2024", ""), http.StatusBadRequest, "INVALID_REQUEST")
	assertError(t, s.do(t, http.MethodGet, "/medications/nope/status", ""), http.StatusNotFound, "NOT_FOUND")
	assertError(t, s.do(t, http.MethodGet, "/medications/med-1/status?date=2024-04-01", ""), http.StatusUnprocessableEntity, "OUT_OF_TREATMENT_WINDOW")
	assertError(t, s.do(t, http.MethodGet, "/medications/med-1/status?patient_id=someone-else", ""), http.StatusNotFound, "NOT_FOUND")

	rec := s.do(t, http.MethodGet, "/medications/med-1/status?patient_id=patient-1&date=2024-03-06", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[adherence.DayStatus](t, rec).Scheduled)
}

func TestTakeWithinToleranceThenAgain(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/medications/med-1/take", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	taken := decodeBody[dose.Record](t, rec)
	assert.True(t, taken.Taken)
	assert.True(t, taken.ScheduledAt.Equal(time.Date(2024, time.March, 5, 8, 0, 0, 0, testLoc)))

	assertError(t, s.do(t, http.MethodPost, "/medications/med-1/take", "{}"), http.StatusConflict, "ALREADY_TAKEN")
}

func TestTakeRejections(t *testing.T) {
	s := newServer(t)

	late := `{"taken_at":"2024-03-05T08:06:00-03:00"}`
	assertError(t, s.do(t, http.MethodPost, "/medications/med-1/take", late), http.StatusUnprocessableEntity, "NO_ELIGIBLE_SLOT")

	wednesday := `{"taken_at":"2024-03-06T08:00:00-03:00"}`
	s.clock.Set(time.Date(2024, time.March, 6, 8, 1, 0, 0, testLoc))
	assertError(t, s.do(t, http.MethodPost, "/medications/med-1/take", wednesday), http.StatusUnprocessableEntity, "NOT_SCHEDULED_TODAY")

	assertError(t, s.do(t, http.MethodPost, "/medications/med-1/take", `{"taken":true}`), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestTakeForAnEarlierWeekIsRejected(t *testing.T) {
	s := newServer(t)
	s.clock.Set(time.Date(2024, time.March, 12, 9, 0, 0, 0, testLoc))

	rec := s.do(t, http.MethodGet, "/medications/med-1/status?date=2024-03-05", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, dose.StatusMissed, decodeBody[adherence.DayStatus](t, rec).Slots[0].Status)

	lastWeek := `{"taken_at":"2024-03-05T08:02:00-03:00"}`
	assertError(t, s.do(t, http.MethodPost, "/medications/med-1/take", lastWeek), http.StatusUnprocessableEntity, "NO_ELIGIBLE_SLOT")

	rec = s.do(t, http.MethodGet, "/medications/med-1/status?date=2024-03-05", "")
	assert.Equal(t, dose.StatusMissed, decodeBody[adherence.DayStatus](t, rec).Slots[0].Status)
}

func TestBackfill(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/medications/med-1/backfill", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[BackfillResponse](t, rec)
	assert.Equal(t, 7, res.Days)
	assert.Equal(t, 1, res.Created, "only the previous Tuesday")

	rec = s.do(t, http.MethodPost, "/medications/med-1/backfill?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[BackfillResponse](t, rec).Created)

	assertError(t, s.do(t, http.MethodPost, "/medications/med-1/backfill?days=-1", ""), http.StatusBadRequest, "INVALID_REQUEST")
}

const medicationRequest = `{
  "resourceType": "MedicationRequest",
  "id": "med-2",
  "status": "active",
  "intent": "order",
  "medication": {"concept": {"text": "Metformin 500mg"}},
  "subject": {"reference": "Patient/patient-9"},
  "dosageInstruction": [{
    "timing": {"repeat": {"dayOfWeek": ["mon", "wed", "fri"], "timeOfDay": ["09:00:00"]}}
  }]
}`

func TestPutMedicationAndReminders(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPut, "/medications/med-2", medicationRequest)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[MedicationResponse](t, rec)
	assert.Equal(t, "patient-9", resp.Medication.PatientID)
	assert.True(t, resp.Medication.Active)
	require.NotEmpty(t, resp.Reminders)
	// Next Mon/Wed/Fri 09:00 after Tuesday 08:03 is Wednesday.
	assert.True(t, resp.Reminders[0].ScheduledAt.Equal(time.Date(2024, time.March, 6, 9, 0, 0, 0, testLoc)))

	stored, err := s.meds.GetByID(context.Background(), "med-2")
	require.NoError(t, err)
	assert.Equal(t, "Metformin 500mg", stored.Name)

	rec = s.do(t, http.MethodGet, "/medications/med-2/reminders?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decodeBody[notification.Plan](t, rec)
	assert.Len(t, plan.Reminders, 3)
	assert.Equal(t, schedule.NewDate(2024, time.March, 12), plan.Through)
}

func TestRemindersHorizonIsClamped(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/medications/med-2", medicationRequest).Code)

	rec := s.do(t, http.MethodGet, "/medications/med-2/reminders?days=1000000000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decodeBody[notification.Plan](t, rec)
	limit := notification.DefaultPlannerConfig().MaxHorizonDays
	assert.Equal(t, schedule.NewDate(2024, time.March, 5).AddDays(limit), plan.Through)
	assert.LessOrEqual(t, len(plan.Reminders), 3*(limit/7+1))
}

func TestPutMedicationRejectsBadInput(t *testing.T) {
	s := newServer(t)

	assertError(t, s.do(t, http.MethodPut, "/medications/med-2", `{"resourceType":"Patient"}`), http.StatusBadRequest, "INVALID_REQUEST")
	assertError(t, s.do(t, http.MethodPut, "/medications/other-id", medicationRequest), http.StatusBadRequest, "INVALID_REQUEST")

	noTimes := strings.Replace(medicationRequest, `"timeOfDay": ["09:00:00"]`, `"timeOfDay": ["25:00:00"]`, 1)
	assertError(t, s.do(t, http.MethodPut, "/medications/med-2", noTimes), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestSweepEndpoint(t *testing.T) {
	s := newServer(t)
	s.clock.Set(time.Date(2024, time.March, 5, 9, 0, 0, 0, testLoc))

	rec := s.do(t, http.MethodPost, "/sweeps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[adherence.SweepResult](t, rec)
	assert.Equal(t, 1, res.Medications)
	assert.Equal(t, 1, res.Created)
}

func TestStatusForMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrapped: %w", dose.ErrConflict), http.StatusConflict, "CONFLICT"},
		{adherence.ErrSweepInProgress, http.StatusConflict, "SWEEP_IN_PROGRESS"},
		{fmt.Errorf("load: %w", medication.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{schedule.ErrNoTimes, http.StatusBadRequest, "INVALID_REQUEST"},
		{errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	respondError(rec, req, zap.NewNop(), errors.New("pq: password authentication failed"))
	assertError(t, rec, http.StatusInternalServerError, "INTERNAL")
	assert.NotContains(t, rec.Body.String(), "password")
}
