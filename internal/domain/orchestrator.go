package domain

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/healthsync/internal/observability"
)

// SyncRunner is the single-step sync the orchestrator dispatches to.
type SyncRunner interface {
	Run(ctx context.Context, userID string) (*SyncResult, error)
}

// Lease is a short-lived per-user lock guarding against concurrent syncs of
// the same user.
type Lease interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// BatchResult aggregates per-user outcomes of a scheduled batch run.
type BatchResult struct {
	UsersProcessed int `json:"users_processed"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
}

// Orchestrator dispatches single-user and batch syncs, isolating per-user
// failures in batch mode.
type Orchestrator struct {
	runner      SyncRunner
	connections ConnectionStore
	lease       Lease
	concurrency int
	timeout     time.Duration
	logger      *log.Logger
}

// OrchestratorOption configures optional behaviour for the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger overrides the logger used for per-user failures.
func WithOrchestratorLogger(logger *log.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(runner SyncRunner, connections ConnectionStore, lease Lease, concurrency int, timeout time.Duration, opts ...OrchestratorOption) *Orchestrator {
	if concurrency < 1 {
		concurrency = 1
	}
	o := &Orchestrator{
		runner:      runner,
		connections: connections,
		lease:       lease,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      log.New(log.Writer(), "[orchestrator] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunSingle executes one sync step for the given user. Precondition failures
// surface as structured errors with no side effects; a held lease surfaces
// as ErrSyncInProgress.
func (o *Orchestrator) RunSingle(ctx context.Context, userID string) (*SyncResult, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}

	acquired, err := o.lease.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrSyncInProgress
	}
	defer func() {
		if releaseErr := o.lease.Release(context.WithoutCancel(ctx), userID); releaseErr != nil {
			o.logger.Printf("lease release failed (user=%s): %v", userID, releaseErr)
		}
	}()

	runCtx, cancel := o.stepContext(ctx)
	defer cancel()
	return o.runner.Run(runCtx, userID)
}

// RunBatch syncs every connected user. One user's failure is counted and
// logged; it never aborts the remaining iterations and RunBatch itself never
// fails on account of one.
func (o *Orchestrator) RunBatch(ctx context.Context) BatchResult {
	targets, err := o.connections.ListSyncTargets(ctx)
	if err != nil {
		o.logger.Printf("batch: listing sync targets failed: %v", err)
		return BatchResult{}
	}

	var (
		mu     sync.Mutex
		result = BatchResult{UsersProcessed: len(targets)}
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.concurrency)

	for _, target := range targets {
		userID := target.UserID
		group.Go(func() error {
			outcome := o.syncOne(groupCtx, userID)
			mu.Lock()
			switch outcome {
			case batchSucceeded:
				result.Succeeded++
			case batchSkipped:
				result.Skipped++
			default:
				result.Failed++
			}
			mu.Unlock()
			return nil
		})
	}

	// Goroutines always return nil; isolation happens inside syncOne.
	_ = group.Wait()

	observability.RecordBatchRun(result.Succeeded, result.Failed)
	o.logger.Printf("batch complete: processed=%d succeeded=%d failed=%d skipped=%d",
		result.UsersProcessed, result.Succeeded, result.Failed, result.Skipped)
	return result
}

type batchOutcome int

const (
	batchSucceeded batchOutcome = iota
	batchFailed
	batchSkipped
)

// syncOne runs a single user inside the batch failure boundary: panics and
// errors become a tally entry, never an escape.
func (o *Orchestrator) syncOne(ctx context.Context, userID string) (outcome batchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("batch: panic syncing user %s: %v", userID, r)
			outcome = batchFailed
		}
	}()

	acquired, err := o.lease.Acquire(ctx, userID)
	if err != nil {
		o.logger.Printf("batch: lease acquire failed (user=%s): %v", userID, err)
		return batchFailed
	}
	if !acquired {
		o.logger.Printf("batch: sync already in flight (user=%s), skipping", userID)
		return batchSkipped
	}
	defer func() {
		if releaseErr := o.lease.Release(context.WithoutCancel(ctx), userID); releaseErr != nil {
			o.logger.Printf("batch: lease release failed (user=%s): %v", userID, releaseErr)
		}
	}()

	runCtx, cancel := o.stepContext(ctx)
	defer cancel()

	if _, err := o.runner.Run(runCtx, userID); err != nil {
		o.logger.Printf("batch: sync failed (user=%s): %v", userID, err)
		return batchFailed
	}
	return batchSucceeded
}

func (o *Orchestrator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}
