// Package maintenance wires periodic housekeeping jobs (orphan blob
// sweep, usage aggregation) onto a cron schedule instead of bare
// goroutine tickers, grounded on the teacher's Scheduler
// (services/orchestrator/scheduler.go) which drives workflow execution
// off *cron.Cron. Here the registrants are storage/ledger maintenance
// jobs rather than workflows, but the scheduling idiom is the same.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Runner owns a *cron.Cron instance and logs every job's outcome.
type Runner struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New builds a Runner with seconds-precision schedules, matching the
// teacher's cron.WithSeconds() construction.
func New(log *slog.Logger) *Runner {
	return &Runner{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
	}
}

// AddJob registers a named job under a cron expression. job errors are
// logged, never propagated, since housekeeping must not take the
// orchestrator down.
func (r *Runner) AddJob(name, cronExpr string, job func(ctx context.Context) error) error {
	_, err := r.cron.AddFunc(cronExpr, func() {
		if err := job(context.Background()); err != nil {
			r.log.Error("maintenance job failed", "job", name, "error", err)
			return
		}
		r.log.Info("maintenance job completed", "job", name)
	})
	return err
}

// Start begins running registered jobs on their schedules.
func (r *Runner) Start() { r.cron.Start() }

// Stop waits (bounded by ctx) for in-flight jobs to finish, then
// returns.
func (r *Runner) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
