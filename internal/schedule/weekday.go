package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// WeekdaySet is a bit set over time.Weekday. The zero value is empty, which a
// RecurrenceRule reads as "every day".
type WeekdaySet uint8

// weekdayNames maps folded (lower case, unaccented) names to weekdays. It
// covers English names and FHIR day codes plus the Portuguese and Spanish
// names prescriptions have historically been authored with.
var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday, "domingo": time.Sunday, "dom": time.Sunday,
	"monday": time.Monday, "mon": time.Monday, "segunda": time.Monday, "seg": time.Monday,
	"lunes": time.Monday, "lun": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday, "terca": time.Tuesday,
	"ter": time.Tuesday, "martes": time.Tuesday, "mar": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday, "quarta": time.Wednesday,
	"qua": time.Wednesday, "miercoles": time.Wednesday, "mie": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"quinta": time.Thursday, "qui": time.Thursday, "jueves": time.Thursday, "jue": time.Thursday,
	"friday": time.Friday, "fri": time.Friday, "sexta": time.Friday, "sex": time.Friday,
	"viernes": time.Friday, "vie": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday, "sabado": time.Saturday, "sab": time.Saturday,
}

// foldName lower-cases s and strips diacritics, so "Terça-feira" and
// "TERCA" compare equal.
func foldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(strings.TrimSpace(folded))
	folded = strings.TrimSuffix(folded, ".")
	folded = strings.TrimSuffix(folded, "-feira")
	folded = strings.TrimSuffix(folded, " feira")
	return folded
}

// ParseWeekday resolves an authored weekday name, ignoring case and accents.
func ParseWeekday(name string) (time.Weekday, error) {
	if wd, ok := weekdayNames[foldName(name)]; ok {
		return wd, nil
	}
	return time.Sunday, fmt.Errorf("%w: %q", ErrInvalidWeekday, name)
}

// ParseWeekdays builds a set from authored names. An empty input yields the empty set.
func ParseWeekdays(names []string) (WeekdaySet, error) {
	var set WeekdaySet
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		wd, err := ParseWeekday(n)
		if err != nil {
			return 0, err
		}
		set = set.With(wd)
	}
	return set, nil
}

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var set WeekdaySet
	for _, d := range days {
		set = set.With(d)
	}
	return set
}

func (s WeekdaySet) With(d time.Weekday) WeekdaySet {
	return s | 1<<uint(d)
}

func (s WeekdaySet) Contains(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

func (s WeekdaySet) IsEmpty() bool {
	return s == 0
}

// Days lists members in Sunday-first order.
func (s WeekdaySet) Days() []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Contains(d) {
			out = append(out, d)
		}
	}
	return out
}

// Names returns lower-case English names, the canonical stored form.
func (s WeekdaySet) Names() []string {
	days := s.Days()
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = strings.ToLower(d.String())
	}
	return out
}

func (s WeekdaySet) String() string {
	if s.IsEmpty() {
		return "every day"
	}
	return strings.Join(s.Names(), ",")
}

func (s WeekdaySet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

func (s *WeekdaySet) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	set, err := ParseWeekdays(names)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
