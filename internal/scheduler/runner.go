// Package scheduler wraps robfig/cron for the periodic batch sync.
package scheduler

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// Runner schedules context-aware jobs on a cron with seconds precision.
type Runner struct {
	cron    *cron.Cron
	logger  *log.Logger
	baseCtx context.Context
}

// New constructs a Runner. Jobs receive baseCtx so a service shutdown
// cancels in-flight runs.
func New(logger *log.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[cron] ", log.LstdFlags)
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers a job under the given cron spec.
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

// Start begins dispatching scheduled jobs.
func (r *Runner) Start() {
	r.logger.Printf("cron started")
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Printf("cron stopped")
}
