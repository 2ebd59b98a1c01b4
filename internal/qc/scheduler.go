package qc

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Runner is the part of the engine the scheduler drives.
type Runner interface {
	Run(ctx context.Context, recordSet string) (*RunSummary, error)
}

// Scheduler runs QC over one record set immediately and then on every tick.
type Scheduler struct {
	Runner    Runner
	RecordSet string
	Interval  time.Duration
	Logger    *slog.Logger
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s.runOnce(ctx, logger, "initial qc run failed")

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, logger, "scheduled qc run failed")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, logger *slog.Logger, msg string) {
	_, err := s.Runner.Run(ctx, s.RecordSet)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		logger.Info("qc run skipped; another run is active")
	default:
		logger.Error(msg, "err", err)
	}
}
