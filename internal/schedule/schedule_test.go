package schedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datePtr(d Date) *Date { return &d }

func TestParseWeekdayFoldsCaseAndAccents(t *testing.T) {
	cases := map[string]time.Weekday{
		"Tuesday":      time.Tuesday,
		"TERÇA-FEIRA":  time.Tuesday,
		"terca":        time.Tuesday,
		"Sábado":       time.Saturday,
		"miércoles":    time.Wednesday,
		" mon ":        time.Monday,
		"Qui.":         time.Thursday,
		"domingo":      time.Sunday,
		"quarta-feira": time.Wednesday,
	}
	for in, want := range cases {
		got, err := ParseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseWeekday("someday")
	assert.ErrorIs(t, err, ErrInvalidWeekday)
}

func TestParseClockTime(t *testing.T) {
	c, err := ParseClockTime("08:05")
	require.NoError(t, err)
	assert.Equal(t, 8, c.Hour())
	assert.Equal(t, 5, c.Minute())
	assert.Equal(t, "08:05", c.String())

	c, err = ParseClockTime("21:30:00")
	require.NoError(t, err)
	assert.Equal(t, NewClockTime(21, 30), c)

	for _, bad := range []string{"8:00", "24:00", "12:60", "12:00:30", "noon", ""} {
		_, err := ParseClockTime(bad)
		assert.ErrorIs(t, err, ErrInvalidClockTime, bad)
	}
}

func TestNewRecurrenceRuleNormalisesTimes(t *testing.T) {
	rule, err := NewRecurrenceRule([]string{"Monday", "segunda"}, []string{"20:00", "08:00", "08:00"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []ClockTime{NewClockTime(8, 0), NewClockTime(20, 0)}, rule.Times)
	assert.Equal(t, []time.Weekday{time.Monday}, rule.Weekdays.Days())
}

func TestNewRecurrenceRuleValidation(t *testing.T) {
	_, err := NewRecurrenceRule(nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoTimes)

	from := NewDate(2024, time.March, 10)
	until := NewDate(2024, time.March, 9)
	_, err = NewRecurrenceRule(nil, []string{"08:00"}, &from, &until)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = NewRecurrenceRule(nil, []string{"08:00"}, &from, &from)
	assert.NoError(t, err)
}

func TestDueSlotsIsDeterministic(t *testing.T) {
	rule := RecurrenceRule{
		Weekdays: NewWeekdaySet(time.Tuesday),
		Times:    []ClockTime{NewClockTime(8, 0)},
	}
	tuesday := NewDate(2024, time.January, 2)

	first := DueSlots(rule, tuesday)
	second := DueSlots(rule, tuesday)
	assert.Equal(t, first, second)
	assert.Equal(t, []ClockTime{NewClockTime(8, 0)}, first)

	assert.Empty(t, DueSlots(rule, tuesday.AddDays(1)))
}

func TestDueSlotsEmptyWeekdaysMeansEveryDay(t *testing.T) {
	rule := RecurrenceRule{Times: []ClockTime{NewClockTime(9, 0)}}
	start := NewDate(2024, time.January, 1)
	for i := 0; i < 7; i++ {
		assert.Len(t, DueSlots(rule, start.AddDays(i)), 1)
	}
}

func TestDueSlotsWindowBoundsAreInclusive(t *testing.T) {
	day0 := NewDate(2024, time.January, 2)
	rule := RecurrenceRule{
		Times:      []ClockTime{NewClockTime(8, 0)},
		ValidFrom:  datePtr(day0),
		ValidUntil: datePtr(day0.AddDays(13)),
	}

	assert.NotEmpty(t, DueSlots(rule, day0))
	assert.NotEmpty(t, DueSlots(rule, day0.AddDays(13)))
	assert.Empty(t, DueSlots(rule, day0.AddDays(14)))
	assert.Empty(t, DueSlots(rule, day0.AddDays(-1)))

	assert.Equal(t, AfterWindow, rule.Position(day0.AddDays(14)))
	assert.Equal(t, BeforeWindow, rule.Position(day0.AddDays(-1)))
	assert.Equal(t, Within, rule.Position(day0.AddDays(13)))
}

func TestDueSlotsBetween(t *testing.T) {
	rule := RecurrenceRule{
		Weekdays: NewWeekdaySet(time.Monday, time.Wednesday),
		Times:    []ClockTime{NewClockTime(8, 0), NewClockTime(20, 0)},
	}
	monday := NewDate(2024, time.January, 1)

	slots := DueSlotsBetween(rule, "med-1", monday, monday.AddDays(6))
	require.Len(t, slots, 4)
	assert.Equal(t, monday, slots[0].Date)
	assert.Equal(t, monday.AddDays(2), slots[2].Date)
	assert.Equal(t, NewClockTime(20, 0), slots[3].Time)

	assert.Empty(t, DueSlotsBetween(rule, "med-1", monday.AddDays(1), monday))
}

func TestDoseSlotInstantKeepsWallClock(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	slot := DoseSlot{MedicationID: "m", Date: NewDate(2024, time.January, 2), Time: NewClockTime(23, 30)}

	at := slot.Instant(loc)
	assert.Equal(t, 23, at.Hour())
	assert.Equal(t, slot.Date, DateOf(at))
	assert.Equal(t, 3, at.UTC().Day())
}

func TestDateArithmetic(t *testing.T) {
	d := NewDate(2024, time.February, 28)
	assert.Equal(t, NewDate(2024, time.March, 1), d.AddDays(2))
	assert.Equal(t, 2, d.DaysUntil(d.AddDays(2)))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.Equal(t, time.Wednesday, d.Weekday())

	parsed, err := ParseDate("2024-02-28")
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDate("28/02/2024")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestRuleJSONRoundTripUsesNames(t *testing.T) {
	until := NewDate(2024, time.June, 30)
	rule := RecurrenceRule{
		Weekdays:   NewWeekdaySet(time.Monday, time.Friday),
		Times:      []ClockTime{NewClockTime(7, 30)},
		ValidUntil: &until,
	}
	raw, err := json.Marshal(rule)
	require.NoError(t, err)
	assert.JSONEq(t, `{"weekdays":["monday","friday"],"times":["07:30"],"valid_until":"2024-06-30"}`, string(raw))

	var back RecurrenceRule
	require.NoError(t, json.Unmarshal([]byte(`{"weekdays":["Segunda-feira","SEXTA"],"times":["07:30"]}`), &back))
	assert.Equal(t, rule.Weekdays, back.Weekdays)
}
