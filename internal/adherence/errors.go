package adherence

import "errors"

// Expected outcomes returned to callers. Store failures are wrapped and
// propagated as-is.
var (
	ErrNotScheduledToday    = errors.New("medication is not scheduled on this weekday")
	ErrOutOfTreatmentWindow = errors.New("date is outside the treatment window")
	ErrNoEligibleSlot       = errors.New("no dose is open for taking at this time")
	ErrSweepInProgress      = errors.New("sweep already in progress")
)
