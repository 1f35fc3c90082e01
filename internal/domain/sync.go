// Package domain implements the delegated health-data sync engine.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/healthsync/internal/observability"
)

var (
	// ErrMissingUserID is returned when a single-user sync is requested without a user id.
	ErrMissingUserID = errors.New("missing user id")
	// ErrUserNotFound is returned when no connection record exists for the user.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotConnected is returned when the connection record has no refresh token.
	ErrNotConnected = errors.New("user has no delegated credential")
	// ErrSyncInProgress is returned when another sync already holds the user's lease.
	ErrSyncInProgress = errors.New("sync already in progress for user")
)

// AuthError signals that the delegated credential was rejected by the
// provider (expired or revoked). The Worker degrades instead of failing.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider auth failure (%s): %s", e.Code, e.Message)
}

// ProviderError covers every other provider failure: network, rate limiting,
// malformed responses. It propagates; the next scheduled run retries.
type ProviderError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed (status %d): %v", e.Op, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ConnectionStore captures persistence operations on connection records.
// The Worker only ever writes the auth-failure fields.
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID string) (*Connection, error)
	ListSyncTargets(ctx context.Context) ([]Connection, error)
	MarkNeedsReauth(ctx context.Context, userID, code, message string) error
	UpsertConnection(ctx context.Context, conn Connection) error
}

// SyncStore owns checkpoints and daily metrics. ImportWindow must commit the
// metric batch and the checkpoint advance in one transaction, or neither.
type SyncStore interface {
	GetCheckpoint(ctx context.Context, userID string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	ImportWindow(ctx context.Context, userID string, metrics []DailyMetric, cp Checkpoint) error
	ListDailyMetrics(ctx context.Context, userID string, from, to time.Time) ([]DailyMetric, error)
}

// ProviderClient is the single logical call against the external provider:
// daily activity aggregates over a bounded window, with transparent token
// refresh. Auth failures surface as *AuthError, everything else as *ProviderError.
type ProviderClient interface {
	AggregateDaily(ctx context.Context, conn Connection, start, end time.Time) ([]Bucket, error)
}

// SyncStatus tags the outcome of one Worker step.
type SyncStatus string

const (
	SyncCompleted        SyncStatus = "completed"
	SyncAlreadyComplete  SyncStatus = "already_complete"
	SyncBackfillFinished SyncStatus = "backfill_completed"
	SyncDegraded         SyncStatus = "degraded"
)

// SyncResult is the tagged outcome of one bounded sync step.
type SyncResult struct {
	Status       SyncStatus
	Message      string
	ImportedDays int
	WindowStart  time.Time
	WindowEnd    time.Time
	// ReauthRequired is set on degraded results; Snapshot then carries the
	// previously stored metrics so the caller still receives data.
	ReauthRequired bool
	Snapshot       []DailyMetric
}

// WorkerConfig carries the fixed parameters of the backfill state machine.
type WorkerConfig struct {
	Window          time.Duration // Span of one backfill step, e.g. 90 days.
	MinStart        time.Time     // Historical floor; never query before this.
	DefaultTimezone *time.Location
}

// Worker executes one bounded step of the per-user backfill state machine.
type Worker struct {
	connections ConnectionStore
	store       SyncStore
	provider    ProviderClient
	cfg         WorkerConfig
	logger      *log.Logger
	now         func() time.Time
}

// WorkerOption configures optional behaviour for the Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger overrides the logger used to report degradations.
func WithWorkerLogger(logger *log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

// NewWorker constructs a Worker.
func NewWorker(connections ConnectionStore, store SyncStore, provider ProviderClient, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	if cfg.DefaultTimezone == nil {
		cfg.DefaultTimezone = time.UTC
	}
	w := &Worker{
		connections: connections,
		store:       store,
		provider:    provider,
		cfg:         cfg,
		logger:      log.New(log.Writer(), "[sync] ", log.LstdFlags),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes a single bounded sync step for the user. It advances the
// backfill window by at most one span; repeated invocations walk backward
// through history until the configured floor is reached.
func (w *Worker) Run(ctx context.Context, userID string) (*SyncResult, error) {
	conn, err := w.connections.GetConnection(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		return nil, ErrUserNotFound
	}
	if !conn.SyncTarget() {
		return nil, ErrNotConnected
	}

	cp, err := w.store.GetCheckpoint(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Phase() == BackfillFinished {
		return &SyncResult{Status: SyncAlreadyComplete, Message: "already complete"}, nil
	}

	start, end := w.window(cp)

	// Terminal step: the floor has been reached; no provider call is made.
	if !end.After(w.cfg.MinStart) {
		done := Checkpoint{UserID: userID, Finished: true}
		if cp != nil {
			done.OldestFetchedDate = cp.OldestFetchedDate
		}
		if err := w.store.SaveCheckpoint(ctx, done); err != nil {
			return nil, fmt.Errorf("finish checkpoint: %w", err)
		}
		observability.RecordBackfillFinished()
		return &SyncResult{Status: SyncBackfillFinished, Message: "backfill completed"}, nil
	}

	buckets, err := w.provider.AggregateDaily(ctx, *conn, start, end)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return w.degrade(ctx, userID, authErr)
		}
		return nil, fmt.Errorf("aggregate window [%s, %s]: %w",
			start.Format(DateLayout), end.Format(DateLayout), err)
	}

	loc := w.location(conn)
	metrics := make([]DailyMetric, 0, len(buckets))
	for _, b := range buckets {
		metrics = append(metrics, DailyMetric{
			UserID: userID,
			Date:   DateOf(b.Start, loc),
			Value:  b.Value,
			Source: "google_fit",
		})
	}

	// The cursor advances to the computed window start even when the window
	// produced nothing; otherwise an empty stretch of history would stall
	// the backfill forever. Local-time conversion can push a produced date
	// before the window start, so take the older of the two.
	next := Checkpoint{UserID: userID, OldestFetchedDate: start, Finished: false}
	for _, m := range metrics {
		if m.Date.Before(next.OldestFetchedDate) {
			next.OldestFetchedDate = m.Date
		}
	}

	if err := w.store.ImportWindow(ctx, userID, metrics, next); err != nil {
		return nil, fmt.Errorf("import window: %w", err)
	}
	observability.RecordDaysImported(len(metrics))

	return &SyncResult{
		Status:       SyncCompleted,
		ImportedDays: len(metrics),
		WindowStart:  start,
		WindowEnd:    end,
	}, nil
}

// window computes the next query span: backward from now on the first step,
// backward from the stored cursor afterwards, clamped to the floor.
func (w *Worker) window(cp *Checkpoint) (start, end time.Time) {
	end = w.now().UTC()
	if cp != nil && !cp.OldestFetchedDate.IsZero() {
		end = cp.OldestFetchedDate
	}
	start = end.Add(-w.cfg.Window)
	if start.Before(w.cfg.MinStart) {
		start = w.cfg.MinStart
	}
	return start, end
}

// degrade handles a revoked or expired delegated credential: flag the
// connection for re-authorisation and hand back the stored history instead
// of an error.
func (w *Worker) degrade(ctx context.Context, userID string, authErr *AuthError) (*SyncResult, error) {
	w.logger.Printf("delegated credential rejected (user=%s): %s", userID, authErr.Message)
	if err := w.connections.MarkNeedsReauth(ctx, userID, authErr.Code, authErr.Message); err != nil {
		return nil, fmt.Errorf("mark needs reauth: %w", err)
	}
	observability.RecordReauthFlagged()

	stored, err := w.store.ListDailyMetrics(ctx, userID, time.Time{}, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read stored metrics: %w", err)
	}

	return &SyncResult{
		Status:         SyncDegraded,
		Message:        "provider authorization expired; returning stored data",
		ReauthRequired: true,
		Snapshot:       stored,
	}, nil
}

func (w *Worker) location(conn *Connection) *time.Location {
	if conn.Timezone == "" {
		return w.cfg.DefaultTimezone
	}
	loc, err := time.LoadLocation(conn.Timezone)
	if err != nil {
		w.logger.Printf("invalid timezone %q for user %s, using default", conn.Timezone, conn.UserID)
		return w.cfg.DefaultTimezone
	}
	return loc
}
