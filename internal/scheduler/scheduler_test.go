package scheduler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Istekharanow/IstekharaNow-MobileApp-Backend/internal/config"
)

func TestSchedulerStart(t *testing.T) {
	tests := []struct {
		name     string
		recheck  string
		sweep    string
		expected int
	}{
		{name: "both jobs", recheck: "*/10 * * * *", sweep: "0 * * * *", expected: 2},
		{name: "disabled recheck", recheck: "", sweep: "0 * * * *", expected: 1},
		{name: "invalid sweep", recheck: "*/10 * * * *", sweep: "every hour", expected: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{CheckoutRecheckSchedule: tt.recheck, PendingSweepSchedule: tt.sweep}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			s := NewScheduler(NewJobs(&reconcilerStub{}, logger, cfg), logger, cfg)

			got := s.Start()
			<-s.Stop().Done()

			if got != tt.expected {
				t.Fatalf("expected %d scheduled jobs, got %d", tt.expected, got)
			}
		})
	}
}
