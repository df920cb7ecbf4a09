// Package sched runs the engine's periodic jobs (price refresh, settlement
// sweep) on cron schedules.
package sched

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Runner wraps a cron scheduler with a shared base context for jobs.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// NewRunner creates a stopped runner. Jobs added with Add run against
// baseCtx once Start is called.
func NewRunner(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(),
		baseCtx: baseCtx,
	}
}

// Add schedules job on the given cron spec.
func (r *Runner) Add(spec, name string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		slog.Debug("scheduled job starting", "job", name)
		job(r.baseCtx)
	})
}

// Start begins running scheduled jobs in their own goroutines.
func (r *Runner) Start() {
	slog.Info("scheduler started")
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	slog.Info("scheduler stopped")
}
