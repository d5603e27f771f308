package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/kolscope/kolscope/internal/analysis"
	"github.com/kolscope/kolscope/internal/models"
)

// RunLister provides the recent runs a sweep inspects.
type RunLister interface {
	List(ctx context.Context, limit int) ([]models.Run, error)
}

// RetryScheduler periodically resubmits failed and offline analyses of
// recently completed runs. Resubmission goes through the analysis queue so
// the provider's protection stack still governs every call.
type RetryScheduler struct {
	runs          RunLister
	queue         *analysis.Queue
	logger        *slog.Logger
	stopChan      chan struct{}
	checkInterval time.Duration
	runWindow     time.Duration
}

// NewRetryScheduler creates a new analysis retry scheduler.
func NewRetryScheduler(runs RunLister, queue *analysis.Queue, interval time.Duration, logger *slog.Logger) *RetryScheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &RetryScheduler{
		runs:          runs,
		queue:         queue,
		logger:        logger,
		stopChan:      make(chan struct{}),
		checkInterval: interval,
		runWindow:     48 * time.Hour,
	}
}

// Start begins the scheduler loop
func (s *RetryScheduler) Start(ctx context.Context) {
	s.logger.Info("starting analysis retry scheduler", "check_interval", s.checkInterval)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			s.logger.Info("analysis retry scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("analysis retry scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler
func (s *RetryScheduler) Stop() {
	close(s.stopChan)
}

// sweep resubmits failed analyses for recently completed runs. Sweeping is
// skipped entirely while the provider path is offline: resubmitting would
// only mint fresh offline records.
func (s *RetryScheduler) sweep(ctx context.Context) {
	if s.queue.Offline() {
		s.logger.Debug("skipping retry sweep, analysis provider offline")
		return
	}

	runs, err := s.runs.List(ctx, 50)
	if err != nil {
		s.logger.Error("failed to list runs for retry sweep", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.runWindow)
	for _, run := range runs {
		if run.Phase != models.PhaseDone || run.FailedAnalyses == 0 {
			continue
		}
		if run.CompletedAt == nil || run.CompletedAt.Before(cutoff) {
			continue
		}

		count, err := s.queue.ResubmitFailed(ctx, run.ID, run.ProductSnapshot)
		if err != nil {
			s.logger.Error("failed to resubmit analyses",
				"run_id", run.ID,
				"error", err)
			continue
		}
		if count > 0 {
			s.logger.Info("resubmitted analyses for run",
				"run_id", run.ID,
				"count", count)
		}
	}
}
