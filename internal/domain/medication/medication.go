// Package medication holds the medication view the adherence engine reads.
// Medications are owned by the CRUD side; the engine never writes them back.
package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/schedule"
)

var (
	ErrNotFound = errors.New("medication not found")
	ErrInvalid  = errors.New("invalid medication")
)

type Medication struct {
	ID        string                  `json:"id"`
	PatientID string                  `json:"patient_id"`
	Name      string                  `json:"name"`
	Rule      schedule.RecurrenceRule `json:"rule"`
	Active    bool                    `json:"active"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Repository is the read side used by the engine and the planner.
type Repository interface {
	// GetByID returns ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id string) (*Medication, error)
	ListActive(ctx context.Context) ([]Medication, error)
}

// Writer stores a medication and announces the change.
type Writer interface {
	Upsert(ctx context.Context, m *Medication) error
}

// Validate checks identity and the rule, returning an ErrInvalid-wrapped error.
func (m *Medication) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalid)
	}
	if err := m.Rule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ChangedEvent is published whenever a medication's rule or active flag changes.
type ChangedEvent struct {
	EventID      string    `json:"event_id"`
	MedicationID string    `json:"medication_id"`
	PatientID    string    `json:"patient_id"`
	Active       bool      `json:"active"`
	OccurredAt   time.Time `json:"occurred_at"`
}

const (
	AggregateType    = "medication"
	EventTypeChanged = "MedicationChanged"
)
