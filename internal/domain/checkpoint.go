package domain

import "time"

// BackfillPhase represents the backfill state machine position for one user.
type BackfillPhase string

const (
	BackfillNotStarted BackfillPhase = "not_started"
	BackfillInProgress BackfillPhase = "in_progress"
	BackfillFinished   BackfillPhase = "finished"
)

// Checkpoint tracks how far backward in time a user's backfill has progressed.
// OldestFetchedDate only ever moves backward across successful syncs; once
// Finished is set the record is terminal until externally reset.
type Checkpoint struct {
	UserID            string
	OldestFetchedDate time.Time // Zero when no window has been imported yet.
	Finished          bool
	UpdatedAt         time.Time
}

// Phase maps the stored record onto the explicit state machine. A nil
// checkpoint means the backfill has not started.
func (c *Checkpoint) Phase() BackfillPhase {
	switch {
	case c == nil:
		return BackfillNotStarted
	case c.Finished:
		return BackfillFinished
	default:
		return BackfillInProgress
	}
}
