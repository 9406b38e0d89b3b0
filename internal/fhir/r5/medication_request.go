package r5

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// ErrUnsupportedTiming is returned for timings that cannot be expressed as a
// weekday and time-of-day rule. It wraps medication.ErrInvalid.
var ErrUnsupportedTiming = fmt.Errorf("%w: unsupported dosage timing", medication.ErrInvalid)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | original-order | ...

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	AuthoredOn string `json:"authoredOn,omitempty"`

	RenderedDosageInstruction string   `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int     `json:"sequence,omitempty"`
	Text               string  `json:"text,omitempty"`
	PatientInstruction string  `json:"patientInstruction,omitempty"`
	Timing             *Timing `json:"timing,omitempty"`
	AsNeeded           bool    `json:"asNeeded,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing. Only dayOfWeek, timeOfDay
// and boundsPeriod drive the schedule.
type TimingRepeat struct {
	BoundsPeriod *Period  `json:"boundsPeriod,omitempty"`
	Frequency    int      `json:"frequency,omitempty"`
	Period       float64  `json:"period,omitempty"`
	PeriodUnit   string   `json:"periodUnit,omitempty"`
	DayOfWeek    []string `json:"dayOfWeek,omitempty"`
	TimeOfDay    []string `json:"timeOfDay,omitempty"`
	When         []string `json:"when,omitempty"`
}

// ParseMedicationRequest decodes a MedicationRequest and checks its resource type.
func ParseMedicationRequest(data []byte) (*MedicationRequest, error) {
	var req MedicationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", medication.ErrInvalid, err)
	}
	if req.ResourceType != "MedicationRequest" {
		return nil, fmt.Errorf("%w: resourceType %q", medication.ErrInvalid, req.ResourceType)
	}
	return &req, nil
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	if m.Subject.Identifier != nil {
		return m.Subject.Identifier.Value
	}
	return ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		for _, coding := range c.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// ToRecurrenceRule folds the scheduled dosage instructions into one rule.
// As-needed instructions are skipped. Instructions that disagree on weekdays
// or bounds cannot share a rule and are rejected. Bounds that carry a time
// are converted to dates in loc.
func (m *MedicationRequest) ToRecurrenceRule(loc *time.Location) (schedule.RecurrenceRule, error) {
	var (
		repeat *TimingRepeat
		times  []string
	)
	for i, d := range m.DosageInstruction {
		if d.AsNeeded || d.Timing == nil || d.Timing.Repeat == nil {
			continue
		}
		r := d.Timing.Repeat
		if len(r.When) > 0 && len(r.TimeOfDay) == 0 {
			return schedule.RecurrenceRule{}, fmt.Errorf("%w: dosageInstruction[%d] uses event codes %v", ErrUnsupportedTiming, i, r.When)
		}
		if repeat != nil && !sameSchedule(repeat, r) {
			return schedule.RecurrenceRule{}, fmt.Errorf("%w: dosageInstruction[%d] has different days or bounds", ErrUnsupportedTiming, i)
		}
		if repeat == nil {
			repeat = r
		}
		times = append(times, r.TimeOfDay...)
	}
	if repeat == nil {
		return schedule.RecurrenceRule{}, fmt.Errorf("%w: no scheduled dosage instruction", ErrUnsupportedTiming)
	}

	var from, until *schedule.Date
	if p := repeat.BoundsPeriod; p != nil {
		var err error
		if from, err = parseDateTime(p.Start, loc); err != nil {
			return schedule.RecurrenceRule{}, fmt.Errorf("boundsPeriod.start: %w", err)
		}
		if until, err = parseDateTime(p.End, loc); err != nil {
			return schedule.RecurrenceRule{}, fmt.Errorf("boundsPeriod.end: %w", err)
		}
	}
	return schedule.NewRecurrenceRule(repeat.DayOfWeek, times, from, until)
}

// ToMedication builds the medication view for id. Only an active request
// produces an active medication.
func (m *MedicationRequest) ToMedication(id string, loc *time.Location) (*medication.Medication, error) {
	if m.ID != "" && id != "" && m.ID != id {
		return nil, fmt.Errorf("%w: resource id %q does not match %q", medication.ErrInvalid, m.ID, id)
	}
	if id == "" {
		id = m.ID
	}
	rule, err := m.ToRecurrenceRule(loc)
	if err != nil {
		if errors.Is(err, medication.ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", medication.ErrInvalid, err)
	}
	med := &medication.Medication{
		ID:        id,
		PatientID: m.GetPatientID(),
		Name:      m.GetMedicationDisplay(),
		Rule:      rule.Normalized(),
		Active:    m.Status == StatusActive,
	}
	if err := med.Validate(); err != nil {
		return nil, err
	}
	return med, nil
}

func sameSchedule(a, b *TimingRepeat) bool {
	fold := func(days []string) []string {
		out := make([]string, len(days))
		for i, d := range days {
			out[i] = strings.ToLower(d)
		}
		slices.Sort(out)
		return out
	}
	if !slices.Equal(fold(a.DayOfWeek), fold(b.DayOfWeek)) {
		return false
	}
	var pa, pb Period
	if a.BoundsPeriod != nil {
		pa = *a.BoundsPeriod
	}
	if b.BoundsPeriod != nil {
		pb = *b.BoundsPeriod
	}
	return pa == pb
}

// parseDateTime accepts the FHIR dateTime forms with day precision or finer.
func parseDateTime(s string, loc *time.Location) (*schedule.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if d, err := schedule.ParseDate(s); err == nil {
		return &d, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", schedule.ErrInvalidDate, s)
	}
	d := schedule.DateOf(t.In(loc))
	return &d, nil
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	if i := strings.LastIndexAny(ref, "/:"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
