package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/models"
)

type memAnalysisStore struct {
	mu      sync.Mutex
	records map[string]models.Analysis
}

func newMemAnalysisStore() *memAnalysisStore {
	return &memAnalysisStore{records: make(map[string]models.Analysis)}
}

func (s *memAnalysisStore) Upsert(ctx context.Context, a *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[a.ChannelID] = *a
	return nil
}

func (s *memAnalysisStore) ListFailedByRun(ctx context.Context, runID string) ([]models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Analysis
	for _, a := range s.records {
		if a.RunID == runID && (a.Status == models.AnalysisFailed || a.Status == models.AnalysisOffline) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memAnalysisStore) get(channelID string) models.Analysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[channelID]
}

type memChannelStore struct {
	channels map[string]models.Channel
}

func (s *memChannelStore) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

type memStatsStore struct {
	stats map[string]models.VideoStats
}

func (s *memStatsStore) Get(ctx context.Context, channelID, runID string) (*models.VideoStats, error) {
	st, ok := s.stats[channelID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

type unlimitedCreds struct{}

func (unlimitedCreds) Acquire(ctx context.Context, category models.CredentialCategory, minCost int64) (*models.Credential, error) {
	return &models.Credential{ID: 1, Key: "ai-key", Category: category, DailyQuota: 1 << 40, Active: true}, nil
}

func (unlimitedCreds) Release(ctx context.Context, id int64, units int64) {}

func (unlimitedCreds) MarkFailed(ctx context.Context, id int64, reason models.FailureReason) {}

// scriptedProvider returns its configured error, or a fixed result.
type scriptedProvider struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Analyze(ctx context.Context, cred *models.Credential, req Request) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &Result{
		RelevanceScore: 72,
		AudienceMatch:  "strong overlap",
		Recommendation: "yes",
		KeyStrengths:   []string{"consistent uploads"},
	}, nil
}

func (p *scriptedProvider) setError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func queueGuardConfig() guard.Config {
	return guard.Config{
		Path:               "scripted",
		Category:           models.CategoryAnalysis,
		MaxAttempts:        5,
		CallTimeout:        time.Second,
		MinUnitCost:        1,
		PerCredentialLimit: 10000,
		GlobalLimit:        10000,
		Window:             time.Second,
		BreakerThreshold:   5,
		BreakerCooldown:    time.Minute,
		RateLimitBaseDelay: time.Millisecond,
		RateLimitMaxDelay:  2 * time.Millisecond,
		TransientMinDelay:  time.Millisecond,
		TransientMaxDelay:  2 * time.Millisecond,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      2 * time.Millisecond,
		BanPause:           time.Millisecond,
	}
}

type queueFixture struct {
	queue    *Queue
	provider *scriptedProvider
	store    *memAnalysisStore
	channels *memChannelStore
	stats    *memStatsStore
}

func newQueueFixture(t *testing.T, ctx context.Context, cfg Config, start bool) *queueFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stack := guard.NewStack(queueGuardConfig(), unlimitedCreds{}, models.ModeAccelerated, logger, nil)
	stack.SetThrottle(guard.NewThrottleWithRange(0, 0))

	f := &queueFixture{
		provider: &scriptedProvider{},
		store:    newMemAnalysisStore(),
		channels: &memChannelStore{channels: make(map[string]models.Channel)},
		stats:    &memStatsStore{stats: make(map[string]models.VideoStats)},
	}
	f.queue = NewQueue(cfg, f.provider, stack, f.store, f.channels, f.stats, logger, nil)
	if start {
		if err := f.queue.Start(ctx); err != nil {
			t.Fatalf("queue start: %v", err)
		}
	}
	return f
}

func awaitStatus(t *testing.T, item *Item) models.AnalysisStatus {
	t.Helper()
	select {
	case status := <-item.Done():
		return status
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for item to finish")
		return ""
	}
}

func TestQueueProcessesItemToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newQueueFixture(t, ctx, Config{Workers: 1, QueueSize: 10}, true)

	item := NewItem("run-1", models.Channel{ChannelID: "UCabc", Title: "Test"}, models.VideoStats{}, "product")
	if err := f.queue.Submit(ctx, item); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if status := awaitStatus(t, item); status != models.AnalysisCompleted {
		t.Fatalf("status = %s, want completed", status)
	}

	record := f.store.get("UCabc")
	if record.RelevanceScore != 72 || record.Recommendation != "yes" {
		t.Fatalf("record = %+v", record)
	}
	if record.Provider != "scripted" || record.AnalyzedAt == nil {
		t.Fatalf("record metadata = %+v", record)
	}
}

func TestQueueRecordsFailureWithoutInlineRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newQueueFixture(t, ctx, Config{Workers: 1, QueueSize: 10}, true)
	f.provider.setError(errors.New("malformed model output"))

	item := NewItem("run-1", models.Channel{ChannelID: "UCabc"}, models.VideoStats{}, "product")
	if err := f.queue.Submit(ctx, item); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if status := awaitStatus(t, item); status != models.AnalysisFailed {
		t.Fatalf("status = %s, want failed", status)
	}

	record := f.store.get("UCabc")
	if record.Status != models.AnalysisFailed || record.ErrorMessage == "" {
		t.Fatalf("record = %+v", record)
	}
	// Unclassified provider errors propagate without retry.
	if f.provider.calls != 1 {
		t.Fatalf("provider called %d times, want 1", f.provider.calls)
	}
}

func TestQueueOfflineShortCircuitsSubmissions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newQueueFixture(t, ctx, Config{Workers: 1, QueueSize: 10}, true)

	// Exhaust one item's attempts with transient failures; the consecutive
	// failures open the provider path's circuit.
	f.provider.setError(guard.NewError(guard.KindTransient, errors.New("upstream 503")))
	first := NewItem("run-1", models.Channel{ChannelID: "UCfirst"}, models.VideoStats{}, "product")
	if err := f.queue.Submit(ctx, first); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if status := awaitStatus(t, first); status != models.AnalysisFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	if !f.queue.Offline() {
		t.Fatal("expected queue offline after breaker opened")
	}

	callsBefore := f.provider.calls
	second := NewItem("run-1", models.Channel{ChannelID: "UCsecond"}, models.VideoStats{}, "product")
	if err := f.queue.Submit(ctx, second); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if status := awaitStatus(t, second); status != models.AnalysisOffline {
		t.Fatalf("status = %s, want offline", status)
	}

	record := f.store.get("UCsecond")
	if record.Status != models.AnalysisOffline || record.ErrorMessage == "" {
		t.Fatalf("record = %+v", record)
	}
	if f.provider.calls != callsBefore {
		t.Fatal("offline submission must not reach the provider")
	}
}

func TestQueueFullRejectsSubmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Workers never started, so the single slot stays occupied.
	f := newQueueFixture(t, ctx, Config{Workers: 1, QueueSize: 1}, false)

	first := NewItem("run-1", models.Channel{ChannelID: "UCa"}, models.VideoStats{}, "")
	if err := f.queue.Submit(ctx, first); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if f.queue.Depth() != 1 {
		t.Fatalf("Depth = %d, want 1", f.queue.Depth())
	}

	second := NewItem("run-1", models.Channel{ChannelID: "UCb"}, models.VideoStats{}, "")
	if err := f.queue.Submit(ctx, second); err == nil {
		t.Fatal("expected queue-full error")
	}
}

func TestResubmitFailedReprocessesRecoverableRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newQueueFixture(t, ctx, Config{Workers: 1, QueueSize: 10}, true)

	f.store.Upsert(ctx, &models.Analysis{ChannelID: "UCfail", RunID: "run-1", Status: models.AnalysisFailed})
	f.store.Upsert(ctx, &models.Analysis{ChannelID: "UCok", RunID: "run-1", Status: models.AnalysisCompleted})
	f.store.Upsert(ctx, &models.Analysis{ChannelID: "UCorphan", RunID: "run-1", Status: models.AnalysisFailed})

	// UCorphan has no surviving channel record and is skipped.
	f.channels.channels["UCfail"] = models.Channel{ChannelID: "UCfail", Title: "Recovered"}
	f.stats.stats["UCfail"] = models.VideoStats{ChannelID: "UCfail", RunID: "run-1"}

	count, err := f.queue.ResubmitFailed(ctx, "run-1", "product")
	if err != nil {
		t.Fatalf("ResubmitFailed returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("resubmitted %d items, want 1", count)
	}

	deadline := time.After(5 * time.Second)
	for f.store.get("UCfail").Status != models.AnalysisCompleted {
		select {
		case <-deadline:
			t.Fatalf("record never completed: %+v", f.store.get("UCfail"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
