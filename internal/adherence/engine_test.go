package adherence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/schedule"
)

var testLoc = time.FixedZone("BRT", -3*60*60)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	meds   *memory.MedicationRepo
	store  dose.Store
	clock  *fakeClock
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	meds := memory.NewMedicationRepo()
	store := memory.NewDoseStore()
	clock := &fakeClock{t: now}
	cfg := DefaultConfig()
	cfg.Location = testLoc
	return &fixture{
		engine: NewEngine(meds, store, cfg, nil, WithClock(clock.Now)),
		meds:   meds,
		store:  store,
		clock:  clock,
	}
}

func (f *fixture) addMedication(t *testing.T, id string, rule schedule.RecurrenceRule) {
	t.Helper()
	require.NoError(t, f.meds.Upsert(context.Background(), &medication.Medication{
		ID: id, PatientID: "patient-1", Name: id, Rule: rule, Active: true,
	}))
}

func at(d schedule.Date, hour, minute int) time.Time {
	return time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, testLoc)
}

func clockTimes(hm ...[2]int) []schedule.ClockTime {
	out := make([]schedule.ClockTime, len(hm))
	for i, v := range hm {
		out[i] = schedule.NewClockTime(v[0], v[1])
	}
	return out
}

// 2024-01-02 is a Tuesday.
var day0 = schedule.NewDate(2024, time.January, 2)

func tuesdayRule() schedule.RecurrenceRule {
	from, until := day0, day0.AddDays(13)
	return schedule.RecurrenceRule{
		Weekdays:   schedule.NewWeekdaySet(time.Tuesday),
		Times:      clockTimes([2]int{8, 0}),
		ValidFrom:  &from,
		ValidUntil: &until,
	}
}

func TestTuesdayDoseSweptThenTakenWithinTolerance(t *testing.T) {
	ctx := context.Background()
	day := day0.AddDays(7)
	f := newFixture(t, at(day, 8, 6))
	f.addMedication(t, "med-1", tuesdayRule())

	status, err := f.engine.GetStatus(ctx, "med-1", day)
	require.NoError(t, err)
	require.Len(t, status.Slots, 1)
	assert.Equal(t, dose.StatusMissed, status.Slots[0].Status)
	assert.False(t, status.DueToday)
	assert.False(t, status.AllSatisfied)

	_, err = f.engine.MarkTaken(ctx, "med-1", at(day, 8, 6))
	assert.ErrorIs(t, err, ErrNoEligibleSlot)

	rec, err := f.engine.MarkTaken(ctx, "med-1", at(day, 8, 3))
	require.NoError(t, err)
	assert.True(t, rec.Taken)
	require.NotNil(t, rec.MarkedAt)

	status, err = f.engine.GetStatus(ctx, "med-1", day)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusTaken, status.Slots[0].Status)
	assert.True(t, status.AllSatisfied)
}

func TestSlotStatesFollowTheClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 7, 59))
	f.addMedication(t, "med-1", tuesdayRule())

	status, err := f.engine.GetStatus(ctx, "med-1", day0)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusFuture, status.Slots[0].Status)
	assert.True(t, status.DueToday)

	f.clock.Set(at(day0, 8, 4))
	status, err = f.engine.GetStatus(ctx, "med-1", day0)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusPending, status.Slots[0].Status)
	assert.True(t, status.DueToday)

	_, err = f.store.Find(ctx, "med-1", at(day0, 8, 0))
	assert.ErrorIs(t, err, dose.ErrRecordNotFound, "pending slots must not be written")

	f.clock.Set(at(day0, 8, 5))
	status, err = f.engine.GetStatus(ctx, "med-1", day0)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusMissed, status.Slots[0].Status)
}

func TestMarkMissedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 23, 0))
	rule := schedule.RecurrenceRule{Times: clockTimes([2]int{8, 0}, [2]int{14, 0}, [2]int{22, 0})}
	f.addMedication(t, "med-1", rule)

	n, err := f.engine.MarkMissed(ctx, "med-1", day0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for i := 0; i < 5; i++ {
		n, err = f.engine.MarkMissed(ctx, "med-1", day0)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	recs, err := f.store.FindRange(ctx, "med-1", day0, day0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestMarkMissedRespectsToleranceAndFutureDates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 14, 2))
	rule := schedule.RecurrenceRule{Times: clockTimes([2]int{8, 0}, [2]int{14, 0})}
	f.addMedication(t, "med-1", rule)

	n, err := f.engine.MarkMissed(ctx, "med-1", day0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the 08:00 slot has elapsed")

	n, err = f.engine.MarkMissed(ctx, "med-1", day0.AddDays(1))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.engine.MarkMissed(ctx, "med-1", day0.AddDays(-1))
	require.NoError(t, err)
	assert.Equal(t, 2, n, "every slot of a past day is eligible")
}

func TestSecondTakeFailsAlreadyTaken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 8, 1))
	f.addMedication(t, "med-1", tuesdayRule())

	first, err := f.engine.MarkTaken(ctx, "med-1", time.Time{})
	require.NoError(t, err)

	_, err = f.engine.MarkTaken(ctx, "med-1", at(day0, 8, 2))
	assert.ErrorIs(t, err, dose.ErrAlreadyTaken)

	stored, err := f.store.Find(ctx, "med-1", at(day0, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, first.MarkedAt.Unix(), stored.MarkedAt.Unix())
}

func TestMarkTakenRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0.AddDays(1), 8, 1))
	f.addMedication(t, "med-1", tuesdayRule())

	_, err := f.engine.MarkTaken(ctx, "med-1", time.Time{})
	assert.ErrorIs(t, err, ErrNotScheduledToday, "wednesday is not scheduled")

	f.clock.Set(at(day0.AddDays(14), 8, 1))
	_, err = f.engine.MarkTaken(ctx, "med-1", time.Time{})
	assert.ErrorIs(t, err, ErrOutOfTreatmentWindow)

	f.clock.Set(at(day0.AddDays(7), 12, 0))
	_, err = f.engine.MarkTaken(ctx, "med-1", time.Time{})
	assert.ErrorIs(t, err, ErrNoEligibleSlot)

	_, err = f.engine.MarkTaken(ctx, "missing", time.Time{})
	assert.ErrorIs(t, err, medication.ErrNotFound)
}

func TestMarkTakenRejectsTakesAheadOfTheClock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 6, 0))
	f.addMedication(t, "med-1", tuesdayRule())

	_, err := f.engine.MarkTaken(ctx, "med-1", at(day0, 8, 1))
	assert.ErrorIs(t, err, ErrNoEligibleSlot)
}

func TestMarkTakenCannotRewriteAClosedDay(t *testing.T) {
	ctx := context.Background()
	day := day0.AddDays(7)
	f := newFixture(t, at(day0.AddDays(12), 10, 0))
	f.addMedication(t, "med-1", tuesdayRule())

	status, err := f.engine.GetStatus(ctx, "med-1", day)
	require.NoError(t, err)
	require.Len(t, status.Slots, 1)
	require.Equal(t, dose.StatusMissed, status.Slots[0].Status)

	_, err = f.engine.MarkTaken(ctx, "med-1", at(day, 8, 2))
	assert.ErrorIs(t, err, ErrNoEligibleSlot)

	// Still a Tuesday slot, but the day before the clock's today.
	f.clock.Set(at(day.AddDays(1), 10, 0))
	_, err = f.engine.MarkTaken(ctx, "med-1", at(day, 8, 2))
	assert.ErrorIs(t, err, ErrNoEligibleSlot)

	status, err = f.engine.GetStatus(ctx, "med-1", day)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusMissed, status.Slots[0].Status)
}

func TestMarkTakenAcrossMidnightWhileWindowIsOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0.AddDays(1), 0, 1))
	f.addMedication(t, "med-1", schedule.RecurrenceRule{Times: clockTimes([2]int{23, 58})})

	rec, err := f.engine.MarkTaken(ctx, "med-1", at(day0, 23, 59))
	require.NoError(t, err)
	assert.True(t, rec.ScheduledAt.Equal(at(day0, 23, 58)))

	f.clock.Set(at(day0.AddDays(2), 0, 4))
	_, err = f.engine.MarkTaken(ctx, "med-1", at(day0.AddDays(1), 23, 59))
	assert.ErrorIs(t, err, ErrNoEligibleSlot, "the 23:58 window closed at 00:03")
}

func TestWindowBoundaries(t *testing.T) {
	ctx := context.Background()
	until := day0.AddDays(3)
	f := newFixture(t, at(day0.AddDays(10), 12, 0))
	f.addMedication(t, "med-1", schedule.RecurrenceRule{
		Times:      clockTimes([2]int{9, 0}),
		ValidUntil: &until,
	})

	status, err := f.engine.GetStatus(ctx, "med-1", until)
	require.NoError(t, err)
	assert.True(t, status.Scheduled)
	assert.Len(t, status.Slots, 1)

	_, err = f.engine.GetStatus(ctx, "med-1", until.AddDays(1))
	assert.ErrorIs(t, err, ErrOutOfTreatmentWindow)
}

func TestEmptyWeekdaysIsDueEveryDayWithSlotTracking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0.AddDays(7), 12, 0))
	f.addMedication(t, "med-1", schedule.RecurrenceRule{Times: clockTimes([2]int{8, 0}, [2]int{20, 0})})

	for i := 0; i < 7; i++ {
		status, err := f.engine.GetStatus(ctx, "med-1", day0.AddDays(i))
		require.NoError(t, err)
		assert.True(t, status.Scheduled)
		assert.Len(t, status.Slots, 2)
	}
}

func TestUnscheduledWeekdayHasNoSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 12, 0))
	f.addMedication(t, "med-1", tuesdayRule())

	status, err := f.engine.GetStatus(ctx, "med-1", day0.AddDays(1))
	require.NoError(t, err)
	assert.False(t, status.Scheduled)
	assert.Empty(t, status.Slots)
	assert.False(t, status.AllSatisfied)
}

func TestInactiveMedicationHasNoDueSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 9, 0))
	require.NoError(t, f.meds.Upsert(ctx, &medication.Medication{ID: "med-1", Rule: tuesdayRule(), Active: false}))

	status, err := f.engine.GetStatus(ctx, "med-1", day0)
	require.NoError(t, err)
	assert.Empty(t, status.Slots)

	n, err := f.engine.MarkMissed(ctx, "med-1", day0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.MarkTaken(ctx, "med-1", at(day0, 8, 1))
	assert.ErrorIs(t, err, ErrNoEligibleSlot)

	res, err := f.engine.SweepAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Medications)
}

func TestBackfillOnlyTouchesScheduledPastDays(t *testing.T) {
	ctx := context.Background()
	// 2024-01-11 is a Thursday.
	thursday := schedule.NewDate(2024, time.January, 11)
	monday := thursday.AddDays(-3)
	wednesday := thursday.AddDays(-1)

	f := newFixture(t, at(thursday, 10, 0))
	f.addMedication(t, "med-1", schedule.RecurrenceRule{
		Weekdays: schedule.NewWeekdaySet(time.Monday, time.Wednesday),
		Times:    clockTimes([2]int{8, 0}),
	})
	_, err := f.store.MarkTaken(ctx, "med-1", at(monday, 8, 0), at(monday, 8, 1))
	require.NoError(t, err)

	n, err := f.engine.BackfillMissed(ctx, "med-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := f.store.FindRange(ctx, "med-1", thursday.AddDays(-7), thursday)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, monday, schedule.DateOf(recs[0].ScheduledAt))
	assert.True(t, recs[0].Taken)
	assert.Equal(t, wednesday, schedule.DateOf(recs[1].ScheduledAt))
	assert.False(t, recs[1].Taken)

	n, err = f.engine.BackfillMissed(ctx, "med-1", 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBackfillIsCapped(t *testing.T) {
	ctx := context.Background()
	meds := memory.NewMedicationRepo()
	store := memory.NewDoseStore()
	now := at(day0.AddDays(30), 12, 0)
	engine := NewEngine(meds, store, Config{MaxBackfillDays: 3, Location: testLoc}, nil,
		WithClock(func() time.Time { return now }))
	require.NoError(t, meds.Upsert(ctx, &medication.Medication{
		ID: "med-1", Active: true, Rule: schedule.RecurrenceRule{Times: clockTimes([2]int{8, 0})},
	}))

	n, err := engine.BackfillMissed(ctx, "med-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = engine.BackfillMissed(ctx, "med-1", 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentSweepsAndReadsNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 23, 0))
	f.addMedication(t, "med-1", schedule.RecurrenceRule{Times: clockTimes([2]int{8, 0}, [2]int{12, 0}, [2]int{18, 0})})

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			n, err := f.engine.MarkMissed(ctx, "med-1", day0)
			assert.NoError(t, err)
			mu.Lock()
			created += n
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			status, err := f.engine.GetStatus(ctx, "med-1", day0)
			if assert.NoError(t, err) {
				for _, s := range status.Slots {
					assert.Equal(t, dose.StatusMissed, s.Status)
				}
			}
		}()
	}
	wg.Wait()

	recs, err := f.store.FindRange(ctx, "med-1", day0, day0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.LessOrEqual(t, created, 3)
}

func TestConcurrentTakeAndSweepOnSameSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, at(day0, 8, 4))
	f.addMedication(t, "med-1", tuesdayRule())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.engine.MarkTaken(ctx, "med-1", at(day0, 8, 4))
	}()
	go func() {
		defer wg.Done()
		f.clock.Set(at(day0, 8, 30))
		_, _ = f.engine.MarkMissed(ctx, "med-1", day0)
	}()
	wg.Wait()

	recs, err := f.store.FindRange(ctx, "med-1", day0, day0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

// blockingRepo holds ListActive until released so two sweeps overlap.
type blockingRepo struct {
	medication.Repository
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) ListActive(ctx context.Context) ([]medication.Medication, error) {
	r.entered <- struct{}{}
	<-r.release
	return r.Repository.ListActive(ctx)
}

func TestSweepAllHasSingleInFlightGuard(t *testing.T) {
	ctx := context.Background()
	meds := memory.NewMedicationRepo()
	require.NoError(t, meds.Upsert(ctx, &medication.Medication{
		ID: "med-1", Active: true, Rule: schedule.RecurrenceRule{Times: clockTimes([2]int{8, 0})},
	}))
	repo := &blockingRepo{Repository: meds, entered: make(chan struct{}), release: make(chan struct{})}
	now := at(day0, 9, 0)
	engine := NewEngine(repo, memory.NewDoseStore(), Config{Location: testLoc}, nil,
		WithClock(func() time.Time { return now }))

	type outcome struct {
		res *SweepResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := engine.SweepAll(ctx)
		first <- outcome{res, err}
	}()
	<-repo.entered

	_, err := engine.SweepAll(ctx)
	assert.ErrorIs(t, err, ErrSweepInProgress)
	_, err = engine.BackfillActive(ctx, 7)
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(repo.release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.res.Medications)
	assert.Equal(t, 1, got.res.Created)

	// Guard is released once the run finishes.
	go func() { <-repo.entered }()
	res, err := engine.SweepAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
}
