package schedule

import "fmt"

// RecurrenceRule describes when a medication is due: a weekday set, the
// times of day and an optional inclusive validity window.
type RecurrenceRule struct {
	Weekdays   WeekdaySet  `json:"weekdays"`
	Times      []ClockTime `json:"times"`
	ValidFrom  *Date       `json:"valid_from,omitempty"`
	ValidUntil *Date       `json:"valid_until,omitempty"`
}

// WindowPosition locates a date relative to a rule's validity window.
type WindowPosition int

const (
	Within WindowPosition = iota
	BeforeWindow
	AfterWindow
)

// NewRecurrenceRule parses authored weekday names and HH:MM times and
// validates the result.
func NewRecurrenceRule(weekdays, times []string, validFrom, validUntil *Date) (RecurrenceRule, error) {
	set, err := ParseWeekdays(weekdays)
	if err != nil {
		return RecurrenceRule{}, err
	}
	clock, err := ParseClockTimes(times)
	if err != nil {
		return RecurrenceRule{}, err
	}
	rule := RecurrenceRule{
		Weekdays:   set,
		Times:      clock,
		ValidFrom:  validFrom,
		ValidUntil: validUntil,
	}
	if err := rule.Validate(); err != nil {
		return RecurrenceRule{}, err
	}
	return rule, nil
}

func (r RecurrenceRule) Validate() error {
	if len(r.Times) == 0 {
		return ErrNoTimes
	}
	for _, t := range r.Times {
		if !t.Valid() {
			return fmt.Errorf("%w: %d minutes", ErrInvalidClockTime, int(t))
		}
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && r.ValidFrom.After(*r.ValidUntil) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidWindow, r.ValidFrom, r.ValidUntil)
	}
	return nil
}

// Normalized returns a copy with sorted, distinct times.
func (r RecurrenceRule) Normalized() RecurrenceRule {
	r.Times = normalizeTimes(r.Times)
	return r
}

func (r RecurrenceRule) Position(d Date) WindowPosition {
	if r.ValidFrom != nil && d.Before(*r.ValidFrom) {
		return BeforeWindow
	}
	if r.ValidUntil != nil && d.After(*r.ValidUntil) {
		return AfterWindow
	}
	return Within
}

func (r RecurrenceRule) InWindow(d Date) bool {
	return r.Position(d) == Within
}

// OnWeekday reports whether d's weekday is scheduled, ignoring the window.
func (r RecurrenceRule) OnWeekday(d Date) bool {
	return r.Weekdays.IsEmpty() || r.Weekdays.Contains(d.Weekday())
}
