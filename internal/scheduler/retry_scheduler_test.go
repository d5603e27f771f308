package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kolscope/kolscope/internal/analysis"
	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/models"
)

type stubRunLister struct {
	runs []models.Run
}

func (s *stubRunLister) List(ctx context.Context, limit int) ([]models.Run, error) {
	return s.runs, nil
}

type stubAnalysisStore struct {
	mu     sync.Mutex
	failed map[string][]models.Analysis
	lists  int
}

func (s *stubAnalysisStore) Upsert(ctx context.Context, a *models.Analysis) error { return nil }

func (s *stubAnalysisStore) ListFailedByRun(ctx context.Context, runID string) ([]models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	return s.failed[runID], nil
}

type stubChannelStore struct{}

func (stubChannelStore) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	return &models.Channel{ChannelID: channelID}, nil
}

type stubStatsStore struct{}

func (stubStatsStore) Get(ctx context.Context, channelID, runID string) (*models.VideoStats, error) {
	return &models.VideoStats{ChannelID: channelID, RunID: runID}, nil
}

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Analyze(ctx context.Context, cred *models.Credential, req analysis.Request) (*analysis.Result, error) {
	return &analysis.Result{RelevanceScore: 50}, nil
}

type stubCreds struct{}

func (stubCreds) Acquire(ctx context.Context, category models.CredentialCategory, minCost int64) (*models.Credential, error) {
	return &models.Credential{ID: 1, Key: "k", Category: category, DailyQuota: 1 << 40, Active: true}, nil
}

func (stubCreds) Release(ctx context.Context, id int64, units int64) {}

func (stubCreds) MarkFailed(ctx context.Context, id int64, reason models.FailureReason) {}

// fixture builds an unstarted queue so enqueued work stays observable via
// Depth.
func fixture(t *testing.T, runs []models.Run, failed map[string][]models.Analysis) (*RetryScheduler, *analysis.Queue, *guard.Stack, *stubAnalysisStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stack := guard.NewStack(guard.Config{
		Path:               "stub",
		Category:           models.CategoryAnalysis,
		MaxAttempts:        1,
		CallTimeout:        time.Second,
		MinUnitCost:        1,
		PerCredentialLimit: 1000,
		GlobalLimit:        1000,
		Window:             time.Second,
		BreakerThreshold:   1,
		BreakerCooldown:    time.Minute,
		RateLimitBaseDelay: time.Millisecond,
		RateLimitMaxDelay:  time.Millisecond,
		TransientMinDelay:  time.Millisecond,
		TransientMaxDelay:  time.Millisecond,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      time.Millisecond,
		BanPause:           time.Millisecond,
	}, stubCreds{}, models.ModeConservative, logger, nil)
	stack.SetThrottle(guard.NewThrottleWithRange(0, 0))

	store := &stubAnalysisStore{failed: failed}
	queue := analysis.NewQueue(analysis.Config{Workers: 1, QueueSize: 50},
		stubProvider{}, stack, store, stubChannelStore{}, stubStatsStore{}, logger, nil)

	s := NewRetryScheduler(&stubRunLister{runs: runs}, queue, time.Minute, logger)
	return s, queue, stack, store
}

func TestSweepResubmitsOnlyEligibleRuns(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	old := time.Now().Add(-72 * time.Hour)

	runs := []models.Run{
		{ID: "eligible", Phase: models.PhaseDone, FailedAnalyses: 2, CompletedAt: &recent},
		{ID: "clean", Phase: models.PhaseDone, FailedAnalyses: 0, CompletedAt: &recent},
		{ID: "crashed", Phase: models.PhaseFailed, FailedAnalyses: 1, CompletedAt: &recent},
		{ID: "stale", Phase: models.PhaseDone, FailedAnalyses: 1, CompletedAt: &old},
	}
	failed := map[string][]models.Analysis{
		"eligible": {
			{ChannelID: "UCa", RunID: "eligible", Status: models.AnalysisFailed},
			{ChannelID: "UCb", RunID: "eligible", Status: models.AnalysisOffline},
		},
		"crashed": {{ChannelID: "UCx", RunID: "crashed", Status: models.AnalysisFailed}},
		"stale":   {{ChannelID: "UCy", RunID: "stale", Status: models.AnalysisFailed}},
	}

	s, queue, _, store := fixture(t, runs, failed)
	s.sweep(context.Background())

	if queue.Depth() != 2 {
		t.Fatalf("queue depth = %d, want 2 resubmissions from the eligible run", queue.Depth())
	}
	if store.lists != 1 {
		t.Fatalf("listed failed analyses for %d runs, want 1", store.lists)
	}
}

func TestSweepSkipsWhileProviderOffline(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	runs := []models.Run{
		{ID: "eligible", Phase: models.PhaseDone, FailedAnalyses: 1, CompletedAt: &recent},
	}
	failed := map[string][]models.Analysis{
		"eligible": {{ChannelID: "UCa", RunID: "eligible", Status: models.AnalysisFailed}},
	}

	s, queue, stack, store := fixture(t, runs, failed)

	// One transient failure opens the breaker at threshold 1.
	_ = stack.Execute(context.Background(), 1, func(ctx context.Context, cred *models.Credential) error {
		return guard.NewError(guard.KindTransient, errors.New("503"))
	})
	if !queue.Offline() {
		t.Fatal("expected provider path offline")
	}

	s.sweep(context.Background())

	if queue.Depth() != 0 {
		t.Fatalf("queue depth = %d, want 0 while offline", queue.Depth())
	}
	if store.lists != 0 {
		t.Fatal("offline sweep must not query the store")
	}
}

func TestStartStops(t *testing.T) {
	s, _, _, _ := fixture(t, nil, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
