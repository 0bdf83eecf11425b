/**
 * @description
 * Scheduled job implementations for the quota ledger: re-verifying pending hosted
 * checkouts and failing pending entries that were never settled.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/app"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/config"
)

const (
	// recheckMinAge leaves a fresh checkout to its webhook before polling the provider.
	recheckMinAge = 10 * time.Minute
	batchLimit    = 200
	jobTimeout    = 5 * time.Minute
)

// PendingReconciler is the part of the service the jobs drive.
type PendingReconciler interface {
	ReconcilePendingCheckouts(ctx context.Context, olderThan time.Duration, limit int) (app.PendingSummary, error)
	ExpireStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service PendingReconciler
	logger  *slog.Logger
	config  config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(service PendingReconciler, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		service: service,
		logger:  logger,
		config:  cfg,
	}
}

// RecheckPendingCheckouts polls providers for pending card and wallet entries.
func (j *Jobs) RecheckPendingCheckouts() {
	j.logger.Info("starting pending checkout recheck job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.service.ReconcilePendingCheckouts(ctx, recheckMinAge, batchLimit)
	if err != nil {
		j.logger.Error("failed to recheck pending checkouts", "error", err, "checked", summary.Checked)
		return
	}

	j.logger.Info("pending checkout recheck job finished",
		"checked", summary.Checked,
		"confirmed", summary.Confirmed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
}

// ExpireStalePending fails pending entries older than the configured maximum age.
func (j *Jobs) ExpireStalePending() {
	j.logger.Info("starting stale pending sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	maxAge := j.config.PendingMaxAge()
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	total := 0
	for {
		n, err := j.service.ExpireStalePending(ctx, maxAge, batchLimit)
		total += n
		if err != nil {
			j.logger.Error("failed to expire stale pending entries", "error", err, "expired", total)
			return
		}
		if n < batchLimit {
			break
		}
	}

	j.logger.Info("stale pending sweep job finished", "expired", total)
}
