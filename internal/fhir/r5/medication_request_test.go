package r5

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/schedule"
)

func loadFixture(t *testing.T) *MedicationRequest {
	t.Helper()
	data, err := os.ReadFile("testdata/medication_request_lisinopril.json")
	require.NoError(t, err)
	req, err := ParseMedicationRequest(data)
	require.NoError(t, err)
	return req
}

func TestToMedicationFromFixture(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	med, err := loadFixture(t).ToMedication("med-lisinopril-001", loc)
	require.NoError(t, err)

	assert.Equal(t, "patient-042", med.PatientID)
	assert.Equal(t, "Lisinopril 10mg", med.Name)
	assert.True(t, med.Active)
	assert.Equal(t, schedule.NewWeekdaySet(time.Monday, time.Wednesday), med.Rule.Weekdays)
	assert.Equal(t, []schedule.ClockTime{schedule.NewClockTime(8, 0), schedule.NewClockTime(20, 0)}, med.Rule.Times)
	require.NotNil(t, med.Rule.ValidFrom)
	require.NotNil(t, med.Rule.ValidUntil)
	assert.Equal(t, schedule.NewDate(2024, time.March, 4), *med.Rule.ValidFrom)
	assert.Equal(t, schedule.NewDate(2024, time.June, 30), *med.Rule.ValidUntil)
}

func TestBoundsConvertedToServerCalendar(t *testing.T) {
	req := &MedicationRequest{
		ResourceType: "MedicationRequest",
		Status:       StatusActive,
		DosageInstruction: []Dosage{{Timing: &Timing{Repeat: &TimingRepeat{
			TimeOfDay:    []string{"09:00:00"},
			BoundsPeriod: &Period{End: "2024-07-01T01:00:00Z"},
		}}}},
	}
	rule, err := req.ToRecurrenceRule(time.FixedZone("BRT", -3*3600))
	require.NoError(t, err)
	require.NotNil(t, rule.ValidUntil)
	assert.Equal(t, schedule.NewDate(2024, time.June, 30), *rule.ValidUntil)
	assert.Nil(t, rule.ValidFrom)
	assert.True(t, rule.Weekdays.IsEmpty(), "no dayOfWeek means every day")
}

func TestInstructionsWithSameDaysAreMerged(t *testing.T) {
	req := &MedicationRequest{
		DosageInstruction: []Dosage{
			{Timing: &Timing{Repeat: &TimingRepeat{DayOfWeek: []string{"fri"}, TimeOfDay: []string{"07:00:00"}}}},
			{Timing: &Timing{Repeat: &TimingRepeat{DayOfWeek: []string{"FRI"}, TimeOfDay: []string{"19:30:00", "07:00:00"}}}},
		},
	}
	rule, err := req.ToRecurrenceRule(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, []schedule.ClockTime{schedule.NewClockTime(7, 0), schedule.NewClockTime(19, 30)}, rule.Normalized().Times)
}

func TestUnsupportedTimings(t *testing.T) {
	tests := []struct {
		name   string
		dosage []Dosage
	}{
		{"only as needed", []Dosage{{AsNeeded: true, Timing: &Timing{Repeat: &TimingRepeat{TimeOfDay: []string{"08:00:00"}}}}}},
		{"event codes", []Dosage{{Timing: &Timing{Repeat: &TimingRepeat{When: []string{"MORN"}}}}}},
		{"disagreeing days", []Dosage{
			{Timing: &Timing{Repeat: &TimingRepeat{DayOfWeek: []string{"mon"}, TimeOfDay: []string{"08:00:00"}}}},
			{Timing: &Timing{Repeat: &TimingRepeat{DayOfWeek: []string{"tue"}, TimeOfDay: []string{"08:00:00"}}}},
		}},
		{"no timing", []Dosage{{Text: "take one"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &MedicationRequest{DosageInstruction: tt.dosage}
			_, err := req.ToMedication("m1", time.UTC)
			assert.ErrorIs(t, err, ErrUnsupportedTiming)
			assert.ErrorIs(t, err, medication.ErrInvalid)
		})
	}
}

func TestInvalidRuleIsInvalidMedication(t *testing.T) {
	req := &MedicationRequest{DosageInstruction: []Dosage{{Timing: &Timing{Repeat: &TimingRepeat{
		TimeOfDay:    []string{"08:00:00"},
		BoundsPeriod: &Period{Start: "2024-05-01", End: "2024-04-01"},
	}}}}}
	_, err := req.ToMedication("m1", time.UTC)
	assert.ErrorIs(t, err, medication.ErrInvalid)
	assert.ErrorIs(t, err, schedule.ErrInvalidWindow)
}

func TestToMedicationRejectsMismatchedID(t *testing.T) {
	req := loadFixture(t)
	_, err := req.ToMedication("other", time.UTC)
	assert.ErrorIs(t, err, medication.ErrInvalid)
}

func TestStoppedRequestIsInactive(t *testing.T) {
	req := loadFixture(t)
	req.Status = StatusStopped
	med, err := req.ToMedication("", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "med-lisinopril-001", med.ID)
	assert.False(t, med.Active)
}

func TestParseMedicationRequestRejectsOtherResources(t *testing.T) {
	_, err := ParseMedicationRequest([]byte(`{"resourceType":"Patient"}`))
	assert.ErrorIs(t, err, medication.ErrInvalid)

	_, err = ParseMedicationRequest([]byte(`{`))
	assert.ErrorIs(t, err, medication.ErrInvalid)
}
