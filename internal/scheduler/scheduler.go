/**
 * @description
 * Cron scheduler setup for the ledger maintenance jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. A run that is still going when its
// next tick fires is skipped rather than overlapped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of
// jobs that were scheduled; an empty or invalid schedule leaves that job disabled.
func (s *Scheduler) Start() int {
	scheduled := 0
	register := func(name, schedule string, job func()) {
		if schedule == "" {
			s.logger.Info("job disabled", "job", name)
			return
		}
		if _, err := s.cron.AddFunc(schedule, job); err != nil {
			s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
			return
		}
		scheduled++
		s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	}

	register("checkout_recheck", s.config.CheckoutRecheckSchedule, s.jobs.RecheckPendingCheckouts)
	register("pending_sweep", s.config.PendingSweepSchedule, s.jobs.ExpireStalePending)

	s.cron.Start()
	return scheduled
}

// Stop stops the cron scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
