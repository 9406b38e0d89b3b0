package schedule

import "time"

// DoseSlot is one concrete due occurrence. It is derived, never stored.
type DoseSlot struct {
	MedicationID string    `json:"medication_id"`
	Date         Date      `json:"date"`
	Time         ClockTime `json:"time"`
}

// Instant is the slot's wall-clock time in loc. It is never converted to UTC
// so that the day a dose belongs to matches how the rule was authored.
func (s DoseSlot) Instant(loc *time.Location) time.Time {
	return s.Date.At(s.Time, loc)
}

// DueSlots returns the ordered times due on date, or nil when date is outside
// the validity window or on an unscheduled weekday.
func DueSlots(rule RecurrenceRule, date Date) []ClockTime {
	if !rule.InWindow(date) || !rule.OnWeekday(date) {
		return nil
	}
	return normalizeTimes(rule.Times)
}

// DueSlotsBetween expands rule over [from, to] inclusive.
func DueSlotsBetween(rule RecurrenceRule, medicationID string, from, to Date) []DoseSlot {
	if rule.ValidFrom != nil && from.Before(*rule.ValidFrom) {
		from = *rule.ValidFrom
	}
	if rule.ValidUntil != nil && to.After(*rule.ValidUntil) {
		to = *rule.ValidUntil
	}
	var out []DoseSlot
	for d := from; !d.After(to); d = d.AddDays(1) {
		for _, t := range DueSlots(rule, d) {
			out = append(out, DoseSlot{MedicationID: medicationID, Date: d, Time: t})
		}
	}
	return out
}
