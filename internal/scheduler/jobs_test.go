package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/app"
	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/config"
)

type reconcilerStub struct {
	recheckAge   time.Duration
	recheckCalls int
	recheckErr   error

	expireAges  []time.Duration
	expireBatch []int
	expireErr   error
}

func (s *reconcilerStub) ReconcilePendingCheckouts(ctx context.Context, olderThan time.Duration, limit int) (app.PendingSummary, error) {
	s.recheckCalls++
	s.recheckAge = olderThan
	return app.PendingSummary{Checked: 2, Confirmed: 1, Skipped: 1}, s.recheckErr
}

func (s *reconcilerStub) ExpireStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	s.expireAges = append(s.expireAges, olderThan)
	if len(s.expireBatch) == 0 {
		return 0, s.expireErr
	}
	n := s.expireBatch[0]
	s.expireBatch = s.expireBatch[1:]
	return n, nil
}

func newTestJobs(service PendingReconciler, cfg config.Config) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(service, logger, cfg)
}

func TestRecheckPendingCheckouts_LeavesFreshCheckoutsToWebhooks(t *testing.T) {
	stub := &reconcilerStub{}
	newTestJobs(stub, config.Config{}).RecheckPendingCheckouts()

	if stub.recheckCalls != 1 {
		t.Fatalf("expected one recheck call, got %d", stub.recheckCalls)
	}
	if stub.recheckAge != recheckMinAge {
		t.Fatalf("expected recheck cutoff %s, got %s", recheckMinAge, stub.recheckAge)
	}
}

func TestRecheckPendingCheckouts_ToleratesErrors(t *testing.T) {
	stub := &reconcilerStub{recheckErr: errors.New("db down")}
	newTestJobs(stub, config.Config{}).RecheckPendingCheckouts()

	if stub.recheckCalls != 1 {
		t.Fatalf("expected recheck to be attempted once, got %d", stub.recheckCalls)
	}
}

func TestExpireStalePending_DrainsFullBatches(t *testing.T) {
	stub := &reconcilerStub{expireBatch: []int{batchLimit, batchLimit, 3}}
	newTestJobs(stub, config.Config{PendingMaxAgeHours: 48}).ExpireStalePending()

	if len(stub.expireAges) != 3 {
		t.Fatalf("expected three sweep passes, got %d", len(stub.expireAges))
	}
	for _, age := range stub.expireAges {
		if age != 48*time.Hour {
			t.Fatalf("expected 48h cutoff, got %s", age)
		}
	}
}

func TestExpireStalePending_DefaultsMaxAge(t *testing.T) {
	stub := &reconcilerStub{}
	newTestJobs(stub, config.Config{}).ExpireStalePending()

	if len(stub.expireAges) != 1 || stub.expireAges[0] != 24*time.Hour {
		t.Fatalf("expected a single 24h sweep, got %v", stub.expireAges)
	}
}

func TestExpireStalePending_StopsOnError(t *testing.T) {
	stub := &reconcilerStub{expireErr: errors.New("db down")}
	newTestJobs(stub, config.Config{PendingMaxAgeHours: 1}).ExpireStalePending()

	if len(stub.expireAges) != 1 {
		t.Fatalf("expected sweep to stop after the error, got %d passes", len(stub.expireAges))
	}
}
