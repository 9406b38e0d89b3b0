package schedule

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a time of day with minute precision, stored as minutes after midnight.
type ClockTime int

const minutesPerDay = 24 * 60

// NewClockTime panics on out-of-range input; use ParseClockTime for user data.
func NewClockTime(hour, minute int) ClockTime {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		panic(fmt.Sprintf("schedule: clock time %02d:%02d out of range", hour, minute))
	}
	return ClockTime(hour*60 + minute)
}

// ParseClockTime accepts HH:MM and the FHIR HH:MM:SS form with zero seconds.
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	if len(parts) == 3 && parts[2] != "00" {
		return 0, fmt.Errorf("%w: %q has seconds", ErrInvalidClockTime, s)
	}
	if len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	return ClockTime(h*60 + m), nil
}

// ClockOf returns the time of day of t, truncated to the minute.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) Valid() bool {
	return c >= 0 && c < minutesPerDay
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClockTimes parses and normalises a list of HH:MM strings.
func ParseClockTimes(raw []string) ([]ClockTime, error) {
	out := make([]ClockTime, 0, len(raw))
	for _, s := range raw {
		c, err := ParseClockTime(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return normalizeTimes(out), nil
}

// normalizeTimes returns a sorted copy without duplicates.
func normalizeTimes(times []ClockTime) []ClockTime {
	out := slices.Clone(times)
	slices.Sort(out)
	return slices.Compact(out)
}
