// Package dose defines the persisted outcome of a dose slot and the store
// contract that guarantees at most one record per slot.
package dose

import (
	"context"
	"errors"
	"time"

	"github.com/drfirst/go-adherence/internal/schedule"
)

var (
	ErrRecordNotFound = errors.New("dose record not found")
	ErrConflict       = errors.New("dose record already exists for slot")
	ErrAlreadyTaken   = errors.New("dose already taken")
)

// Record is the outcome for one (medication, scheduled instant) pair.
// MarkedAt is nil for records created by a sweep.
type Record struct {
	MedicationID string     `json:"medication_id"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Taken        bool       `json:"taken"`
	MarkedAt     *time.Time `json:"marked_at,omitempty"`
}

// Missed builds the record a sweep writes for an elapsed slot.
func Missed(medicationID string, scheduledAt time.Time) Record {
	return Record{MedicationID: medicationID, ScheduledAt: scheduledAt}
}

// Status is the derived per-slot state shown to callers.
type Status string

const (
	StatusFuture  Status = "future"
	StatusPending Status = "pending"
	StatusTaken   Status = "taken"
	StatusMissed  Status = "missed"
)

func (r Record) Status() Status {
	if r.Taken {
		return StatusTaken
	}
	return StatusMissed
}

// Store persists dose records. Every mutation touches exactly one row inside
// its own transaction, so concurrent callers on the same slot either win once
// or get ErrConflict / ErrAlreadyTaken.
type Store interface {
	// Find returns ErrRecordNotFound when the slot has no record.
	Find(ctx context.Context, medicationID string, scheduledAt time.Time) (*Record, error)
	// FindRange returns records whose scheduled date lies in [from, to], ordered by time.
	FindRange(ctx context.Context, medicationID string, from, to schedule.Date) ([]Record, error)
	// Insert fails with ErrConflict when the slot already has a record.
	Insert(ctx context.Context, rec Record) error
	// MarkTaken inserts a taken record, upgrades a missed one, or fails with
	// ErrAlreadyTaken leaving the existing record untouched.
	MarkTaken(ctx context.Context, medicationID string, scheduledAt, markedAt time.Time) (*Record, error)
}
