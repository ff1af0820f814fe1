// Package scheduler runs the periodic settlement triggers on a cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner wraps a seconds-resolution cron whose jobs receive a shared base
// context. Jobs may overlap; each invocation runs on its own goroutine.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// New creates a runner. A nil baseCtx uses context.Background.
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		baseCtx: baseCtx,
	}
}

// Add registers job under a cron spec ("@every 1s", "*/5 * * * * *").
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

// Every registers job to run at a fixed interval.
func (r *Runner) Every(interval time.Duration, job func(context.Context)) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("scheduler: interval must be positive, got %s", interval)
	}
	return r.Add("@every "+interval.String(), job)
}

// Start begins running jobs in the background.
func (r *Runner) Start() {
	slog.Info("scheduler started", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

// TickFunc is a settlement trigger: a scan at the given time returning the
// number of contracts settled.
type TickFunc func(ctx context.Context, now time.Time) (int, error)

// Job adapts a TickFunc to a cron job that logs failures.
func Job(name string, tick TickFunc) func(context.Context) {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if _, err := tick(ctx, time.Now().UTC()); err != nil {
			slog.Error("scheduled job failed", "job", name, "err", err)
		}
	}
}
