package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/metrics"
	"github.com/kolscope/kolscope/internal/models"
)

// AnalysisStore persists evaluation records.
type AnalysisStore interface {
	Upsert(ctx context.Context, a *models.Analysis) error
	ListFailedByRun(ctx context.Context, runID string) ([]models.Analysis, error)
}

// ChannelStore provides channel lookups for resubmission.
type ChannelStore interface {
	Get(ctx context.Context, channelID string) (*models.Channel, error)
}

// StatsStore provides stats lookups for resubmission.
type StatsStore interface {
	Get(ctx context.Context, channelID, runID string) (*models.VideoStats, error)
}

// Item is one unit of analysis work.
type Item struct {
	RunID          string
	Channel        models.Channel
	Stats          models.VideoStats
	ProductContext string

	done chan models.AnalysisStatus
}

// NewItem builds a trackable work item.
func NewItem(runID string, channel models.Channel, stats models.VideoStats, productContext string) *Item {
	return &Item{
		RunID:          runID,
		Channel:        channel,
		Stats:          stats,
		ProductContext: productContext,
		done:           make(chan models.AnalysisStatus, 1),
	}
}

// Done delivers the item's terminal status exactly once.
func (i *Item) Done() <-chan models.AnalysisStatus {
	return i.done
}

func (i *Item) finish(status models.AnalysisStatus) {
	select {
	case i.done <- status:
	default:
	}
}

// Config sizes the queue.
type Config struct {
	// Workers is 1 in conservative mode, a small fixed number (3) in
	// accelerated mode.
	Workers   int
	QueueSize int
}

// DefaultConfig sizes the queue for a run mode.
func DefaultConfig(mode models.RunMode) Config {
	workers := 1
	if mode == models.ModeAccelerated {
		workers = 3
	}
	return Config{Workers: workers, QueueSize: 500}
}

// Queue is the bounded-concurrency worker pool feeding the AI provider.
// Enqueue never blocks; dequeue blocks idle workers. Failed items are not
// retried inline; a periodic sweep resubmits them through ResubmitFailed.
type Queue struct {
	cfg      Config
	items    chan *Item
	provider Provider
	stack    *guard.Stack
	analyses AnalysisStore
	channels ChannelStore
	stats    StatsStore
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewQueue wires a queue to its provider, protection stack, and stores.
// The metrics collector may be nil.
func NewQueue(cfg Config, provider Provider, stack *guard.Stack, analyses AnalysisStore, channels ChannelStore, stats StatsStore, logger *slog.Logger, collector *metrics.Collector) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 100
	}
	return &Queue{
		cfg:      cfg,
		items:    make(chan *Item, cfg.QueueSize),
		provider: provider,
		stack:    stack,
		analyses: analyses,
		channels: channels,
		stats:    stats,
		logger:   logger,
		metrics:  collector,
	}
}

// Start launches the worker pool. Workers run until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("analysis queue already running")
	}
	q.started = true
	q.mu.Unlock()

	q.logger.Info("starting analysis queue",
		"workers", q.cfg.Workers,
		"provider", q.provider.Name())

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker(ctx)
		}()
	}
	return nil
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Depth returns the current backlog.
func (q *Queue) Depth() int {
	return len(q.items)
}

// Offline reports whether the provider path is confirmed unavailable: the
// path's circuit is open, so new submissions would only fail fast.
func (q *Queue) Offline() bool {
	return q.stack.BreakerState() == guard.BreakerOpen
}

// Submit enqueues an item without blocking. When the provider is offline
// the item short-circuits to an offline record instead of enqueueing, so
// collected data is preserved and the analysis can be requested later.
func (q *Queue) Submit(ctx context.Context, item *Item) error {
	if q.Offline() {
		record := &models.Analysis{
			ChannelID:    item.Channel.ChannelID,
			RunID:        item.RunID,
			Status:       models.AnalysisOffline,
			Provider:     q.provider.Name(),
			ErrorMessage: "analysis provider unavailable",
		}
		if err := q.analyses.Upsert(ctx, record); err != nil {
			q.logger.Warn("failed to record offline analysis",
				"channel_id", item.Channel.ChannelID,
				"error", err)
		}
		item.finish(models.AnalysisOffline)
		return nil
	}

	select {
	case q.items <- item:
		if q.metrics != nil {
			q.metrics.SetQueueDepth(len(q.items))
		}
		return nil
	default:
		return fmt.Errorf("analysis queue full (%d items)", q.cfg.QueueSize)
	}
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			q.process(ctx, item)
			if q.metrics != nil {
				q.metrics.SetQueueDepth(len(q.items))
			}
		}
	}
}

// process runs one evaluation through the protection stack and records the
// terminal state. Failures are recorded, not retried here.
func (q *Queue) process(ctx context.Context, item *Item) {
	record := &models.Analysis{
		ChannelID: item.Channel.ChannelID,
		RunID:     item.RunID,
		Status:    models.AnalysisProcessing,
		Provider:  q.provider.Name(),
	}
	if err := q.analyses.Upsert(ctx, record); err != nil {
		q.logger.Warn("failed to mark analysis processing",
			"channel_id", item.Channel.ChannelID,
			"error", err)
	}

	var result *Result
	err := q.stack.Execute(ctx, 1, func(callCtx context.Context, cred *models.Credential) error {
		r, err := q.provider.Analyze(callCtx, cred, Request{
			Channel:        item.Channel,
			Stats:          item.Stats,
			ProductContext: item.ProductContext,
		})
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if err != nil {
		record.Status = models.AnalysisFailed
		record.ErrorMessage = err.Error()
		q.logger.Warn("analysis failed",
			"run_id", item.RunID,
			"channel_id", item.Channel.ChannelID,
			"error", err)
	} else {
		now := time.Now()
		record.Status = models.AnalysisCompleted
		record.RelevanceScore = result.RelevanceScore
		record.AudienceMatch = result.AudienceMatch
		record.ContentAlignment = result.ContentAlignment
		record.Recommendation = result.Recommendation
		record.KeyStrengths = result.KeyStrengths
		record.Concerns = result.Concerns
		record.ErrorMessage = ""
		record.AnalyzedAt = &now
	}

	if storeErr := q.analyses.Upsert(ctx, record); storeErr != nil {
		q.logger.Error("failed to store analysis result",
			"run_id", item.RunID,
			"channel_id", item.Channel.ChannelID,
			"error", storeErr)
	}

	if q.metrics != nil {
		q.metrics.IncAnalysisResult(string(record.Status))
	}
	item.finish(record.Status)
}

// ResubmitFailed re-enqueues every failed or offline analysis of a run.
// This is the narrow operation the periodic sweep calls; the sweep itself
// stays outside the queue's concurrency model.
func (q *Queue) ResubmitFailed(ctx context.Context, runID, productContext string) (int, error) {
	failed, err := q.analyses.ListFailedByRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed analyses: %w", err)
	}

	resubmitted := 0
	for _, a := range failed {
		channel, err := q.channels.Get(ctx, a.ChannelID)
		if err != nil || channel == nil {
			q.logger.Warn("skipping resubmission, channel missing",
				"channel_id", a.ChannelID,
				"error", err)
			continue
		}
		stats, err := q.stats.Get(ctx, a.ChannelID, runID)
		if err != nil || stats == nil {
			q.logger.Warn("skipping resubmission, stats missing",
				"channel_id", a.ChannelID,
				"error", err)
			continue
		}

		item := NewItem(runID, *channel, *stats, productContext)
		if err := q.Submit(ctx, item); err != nil {
			return resubmitted, err
		}
		resubmitted++
	}

	q.logger.Info("resubmitted failed analyses", "run_id", runID, "count", resubmitted)
	return resubmitted, nil
}
