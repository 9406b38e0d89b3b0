// Package notification precomputes reminder instants from recurrence rules
// and hands them to the push-delivery side. Transport is not handled here.
package notification

import (
	"time"

	"github.com/drfirst/go-adherence/internal/schedule"
)

const (
	// DefaultHorizonDays bounds open-ended rules.
	DefaultHorizonDays = 14
	// MaxHorizonDays caps any requested horizon.
	MaxHorizonDays = 366
)

// Reminder is one future dose instant to notify about.
type Reminder struct {
	MedicationID string    `json:"medication_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// PlanNotifications lists the rule's dose instants strictly after asOf, from
// asOf's date through the earlier of ValidUntil and asOf's date plus
// horizonDays, itself capped at MaxHorizonDays. The calendar is asOf's
// location.
func PlanNotifications(rule schedule.RecurrenceRule, medicationID string, asOf time.Time, horizonDays int) []Reminder {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	horizonDays = min(horizonDays, MaxHorizonDays)
	from := schedule.DateOf(asOf)
	to := from.AddDays(horizonDays)
	if rule.ValidUntil != nil && rule.ValidUntil.Before(to) {
		to = *rule.ValidUntil
	}

	loc := asOf.Location()
	out := make([]Reminder, 0)
	for _, slot := range schedule.DueSlotsBetween(rule, medicationID, from, to) {
		instant := slot.Instant(loc)
		if !instant.After(asOf) {
			continue
		}
		out = append(out, Reminder{MedicationID: medicationID, ScheduledAt: instant})
	}
	return out
}
