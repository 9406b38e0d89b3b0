package schedule

import "errors"

var (
	ErrNoTimes          = errors.New("recurrence rule needs at least one time of day")
	ErrInvalidWindow    = errors.New("valid_from must not be after valid_until")
	ErrInvalidWeekday   = errors.New("unknown weekday")
	ErrInvalidClockTime = errors.New("invalid time of day")
	ErrInvalidDate      = errors.New("invalid calendar date")
)
