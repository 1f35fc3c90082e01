package outbox

import "time"

// Event types emitted by the sync engine through the transactional outbox.
const (
	EventWindowImported    = "sync.window_imported"
	EventBackfillCompleted = "sync.backfill_completed"
	EventReauthRequired    = "sync.reauth_required"
)

// SyncWindowImported is published after one backfill window commits.
type SyncWindowImported struct {
	UserID       string    `json:"user_id"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	ImportedDays int       `json:"imported_days"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// SyncBackfillCompleted is published when a user's backfill reaches the floor.
type SyncBackfillCompleted struct {
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SyncReauthRequired is published when a delegated credential is rejected.
type SyncReauthRequired struct {
	UserID     string    `json:"user_id"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}
