// Package collector drives the four-phase collection pipeline: Search,
// Collect, Analyze, Finalize. Every outbound call goes through the
// protection stack with credentials from the quota pool; results are
// persisted externally and fed to the incremental diff.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kolscope/kolscope/internal/analysis"
	"github.com/kolscope/kolscope/internal/cache"
	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/models"
	"github.com/kolscope/kolscope/internal/youtube"
)

// RunStore persists run state and the per-run channel-id sets the diff
// engine reconciles.
type RunStore interface {
	Update(ctx context.Context, run *models.Run) error
	AddRunChannels(ctx context.Context, runID string, channelIDs []string) error
	ListRunChannelIDs(ctx context.Context, runID string) ([]string, error)
}

// ChannelStore persists discovered channels.
type ChannelStore interface {
	Upsert(ctx context.Context, ch *models.Channel) error
	MarkDisappeared(ctx context.Context, channelIDs []string) error
}

// StatsStore persists per-run video statistics.
type StatsStore interface {
	Insert(ctx context.Context, s *models.VideoStats) error
}

// Config tunes the pipeline.
type Config struct {
	// SampleSize is the fixed recent-activity sample per channel.
	SampleSize int
	// ConservativeWorkers / AcceleratedWorkers bound collect-phase
	// parallelism per run mode.
	ConservativeWorkers int
	AcceleratedWorkers  int
}

// DefaultConfig returns production pipeline tuning.
func DefaultConfig() Config {
	return Config{
		SampleSize:          10,
		ConservativeWorkers: 1,
		AcceleratedWorkers:  5,
	}
}

// Pipeline executes runs. One Pipeline serves all runs; per-run state lives
// on the Run itself.
type Pipeline struct {
	cfg      Config
	yt       *youtube.Client
	stack    *guard.Stack
	cache    *cache.Cache
	runs     RunStore
	channels ChannelStore
	stats    StatsStore
	queue    *analysis.Queue
	detector *LanguageDetector
	notifier Notifier
	logger   *slog.Logger
}

// NewPipeline wires the pipeline to its collaborators. The cache may be
// nil, in which case every lookup goes to the API.
func NewPipeline(cfg Config, yt *youtube.Client, stack *guard.Stack, c *cache.Cache, runs RunStore, channels ChannelStore, stats StatsStore, queue *analysis.Queue, notifier Notifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		yt:       yt,
		stack:    stack,
		cache:    c,
		runs:     runs,
		channels: channels,
		stats:    stats,
		queue:    queue,
		detector: NewLanguageDetector(),
		notifier: notifier,
		logger:   logger,
	}
}

// collected pairs a channel with its per-run stats, ready for analysis.
type collected struct {
	channel models.Channel
	stats   models.VideoStats
}

// Execute drives one run through all phases. Phase failures move the run to
// Failed with the causing error recorded; per-entity failures inside
// Collect and Analyze are absorbed and counted.
func (p *Pipeline) Execute(ctx context.Context, run *models.Run) error {
	now := time.Now()
	run.StartedAt = &now

	if err := p.advance(ctx, run, models.PhaseSearch); err != nil {
		return err
	}

	ids, err := p.search(ctx, run)
	if err != nil {
		return p.fail(ctx, run, models.PhaseSearch, err)
	}

	toProcess, err := p.reconcile(ctx, run, ids)
	if err != nil {
		return p.fail(ctx, run, models.PhaseSearch, err)
	}

	if err := p.advance(ctx, run, models.PhaseCollect); err != nil {
		return err
	}

	items, err := p.collect(ctx, run, toProcess)
	if err != nil {
		return p.fail(ctx, run, models.PhaseCollect, err)
	}

	if err := p.advance(ctx, run, models.PhaseAnalyze); err != nil {
		return err
	}

	failedAnalyses, err := p.analyze(ctx, run, items)
	if err != nil {
		return p.fail(ctx, run, models.PhaseAnalyze, err)
	}

	if err := p.advance(ctx, run, models.PhaseFinalize); err != nil {
		return err
	}

	// Per-entity analysis failures do not fail the run; they are reported
	// so the entities can be resubmitted.
	run.FailedAnalyses = failedAnalyses
	run.Phase = models.PhaseDone
	completed := time.Now()
	run.CompletedAt = &completed
	if err := p.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to finalize run %s: %w", run.ID, err)
	}
	p.notifier.RunPhaseChanged(run.ID, models.PhaseDone)

	p.logger.Info("run completed",
		"run_id", run.ID,
		"keyword", run.Keyword,
		"total_channels", run.TotalChannels,
		"processed", run.ProcessedChannels,
		"new_channels", run.NewChannels,
		"failed_analyses", run.FailedAnalyses)
	return nil
}

// advance moves the run to the next phase and records it.
func (p *Pipeline) advance(ctx context.Context, run *models.Run, phase models.RunPhase) error {
	if err := run.AdvanceTo(phase); err != nil {
		return err
	}
	run.Phase = phase
	if err := p.runs.Update(ctx, run); err != nil {
		return fmt.Errorf("failed to persist phase %s: %w", phase, err)
	}
	p.notifier.RunPhaseChanged(run.ID, phase)
	return nil
}

// fail moves the run to Failed with the causing error and phase recorded.
// A cancelled context is reported as "cancelled".
func (p *Pipeline) fail(ctx context.Context, run *models.Run, phase models.RunPhase, cause error) error {
	msg := fmt.Sprintf("%s: %v", phase, cause)
	if ctx.Err() != nil {
		msg = fmt.Sprintf("%s: cancelled", phase)
	}

	run.Phase = models.PhaseFailed
	run.ErrorMessage = msg
	completed := time.Now()
	run.CompletedAt = &completed

	// Persist with a fresh context: the run's own context may be the
	// reason we are here.
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.runs.Update(storeCtx, run); err != nil {
		p.logger.Error("failed to persist run failure", "run_id", run.ID, "error", err)
	}
	p.notifier.RunPhaseChanged(run.ID, models.PhaseFailed)

	p.logger.Error("run failed", "run_id", run.ID, "phase", string(phase), "error", cause)
	return cause
}

// search issues the two independent queries, each paginated to exhaustion,
// and merges their channel-id sets. The queries run concurrently; pages
// within one query are inherently sequential (continuation tokens).
func (p *Pipeline) search(ctx context.Context, run *models.Run) ([]string, error) {
	var channelHits, videoHits []string

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids, err := p.paginate(gctx, run.Keyword, p.yt.SearchChannels)
		if err != nil {
			return fmt.Errorf("channel search: %w", err)
		}
		channelHits = ids
		return nil
	})

	g.Go(func() error {
		ids, err := p.paginate(gctx, run.Keyword, p.yt.SearchVideos)
		if err != nil {
			return fmt.Errorf("video search: %w", err)
		}
		videoHits = ids
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeIDs(channelHits, videoHits)
	p.logger.Info("search complete",
		"run_id", run.ID,
		"channel_hits", len(channelHits),
		"video_hits", len(videoHits),
		"merged", len(merged))
	return merged, nil
}

// paginate follows continuation tokens until absent. Each page fetch is one
// protected call at search cost.
func (p *Pipeline) paginate(ctx context.Context, keyword string, fetch func(context.Context, *models.Credential, string, string) (*youtube.SearchPage, error)) ([]string, error) {
	var ids []string
	token := ""

	for {
		var page *youtube.SearchPage
		err := p.stack.Execute(ctx, youtube.CostSearch, func(callCtx context.Context, cred *models.Credential) error {
			var err error
			page, err = fetch(callCtx, cred, keyword, token)
			return err
		})
		if err != nil {
			return nil, err
		}

		ids = append(ids, page.ChannelIDs...)
		if page.NextPageToken == "" {
			return ids, nil
		}
		token = page.NextPageToken
	}
}

// reconcile records the run's id set, diffs it against the parent run, and
// decides which ids continue into Collect. Incremental runs process only
// newly discovered ids; full re-runs process everything and mark the
// parent's vanished ids as disappeared.
func (p *Pipeline) reconcile(ctx context.Context, run *models.Run, ids []string) ([]string, error) {
	if err := p.runs.AddRunChannels(ctx, run.ID, ids); err != nil {
		return nil, fmt.Errorf("failed to record run channels: %w", err)
	}
	run.TotalChannels = len(ids)

	if run.ParentRunID == "" {
		run.NewChannels = len(ids)
		return ids, nil
	}

	priorIDs, err := p.runs.ListRunChannelIDs(ctx, run.ParentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent run %s ids: %w", run.ParentRunID, err)
	}

	d := Diff(ids, priorIDs)
	run.NewChannels = len(d.New)

	p.logger.Info("diff against parent run",
		"run_id", run.ID,
		"parent_run_id", run.ParentRunID,
		"new", len(d.New),
		"retained", len(d.Retained),
		"disappeared", len(d.Disappeared))

	if run.Incremental {
		// Retained channels were already collected and analyzed by the
		// parent; skipping them is the entire point of an incremental run.
		// Disappearance is not evaluated here: this run never re-confirmed
		// the retained set.
		return d.New, nil
	}

	if len(d.Disappeared) > 0 {
		if err := p.channels.MarkDisappeared(ctx, d.Disappeared); err != nil {
			return nil, fmt.Errorf("failed to mark disappeared channels: %w", err)
		}
	}
	return ids, nil
}

// collect enriches every id: core attributes (batched, cache-first), the
// recent-video sample (cache-first), aggregate metrics, and language
// detection. Per-entity failures are absorbed; credential exhaustion,
// unclassified errors, and cancellation abort the phase.
func (p *Pipeline) collect(ctx context.Context, run *models.Run, ids []string) ([]*analysis.Item, error) {
	details, err := p.resolveChannels(ctx, ids)
	if err != nil {
		return nil, err
	}

	workers := p.cfg.ConservativeWorkers
	if run.Mode == models.ModeAccelerated {
		workers = p.cfg.AcceleratedWorkers
	}

	var (
		mu        sync.Mutex
		items     []*analysis.Item
		processed int
		skipped   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, id := range ids {
		detail, ok := details[id]
		if !ok {
			// The API no longer returns this channel; it surfaced in search
			// but is gone or private.
			mu.Lock()
			skipped++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			item, err := p.enrich(gctx, run, detail)
			if err != nil {
				if abortsPhase(gctx, err) {
					return err
				}
				p.logger.Warn("entity collection failed",
					"run_id", run.ID,
					"channel_id", detail.Channel.ChannelID,
					"error", err)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}

			// The run is shared across workers; persist a snapshot taken
			// under the lock so the store never reads mid-write fields.
			mu.Lock()
			items = append(items, item)
			processed++
			count := processed
			run.ProcessedChannels = count
			snapshot := *run
			mu.Unlock()

			if err := p.runs.Update(gctx, &snapshot); err != nil {
				p.logger.Warn("failed to persist progress", "run_id", run.ID, "error", err)
			}
			p.notifier.EntityProcessed(run.ID, detail.Channel.ChannelID, count, len(ids))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.Info("collect complete",
		"run_id", run.ID,
		"processed", processed,
		"skipped", skipped)
	return items, nil
}

// resolveChannels returns core attributes for every id, serving from cache
// where possible and batch-fetching the misses.
func (p *Pipeline) resolveChannels(ctx context.Context, ids []string) (map[string]youtube.ChannelDetail, error) {
	details := make(map[string]youtube.ChannelDetail, len(ids))

	var misses []string
	for _, id := range ids {
		if p.cache != nil {
			if ch, ok := p.cache.GetChannel(id); ok {
				details[id] = youtube.ChannelDetail{
					Channel:           *ch,
					UploadsPlaylistID: uploadsPlaylistFor(id),
				}
				continue
			}
		}
		misses = append(misses, id)
	}

	for start := 0; start < len(misses); start += youtube.MaxBatchSize {
		end := start + youtube.MaxBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]

		var fetched []youtube.ChannelDetail
		err := p.stack.Execute(ctx, youtube.CostList, func(callCtx context.Context, cred *models.Credential) error {
			var err error
			fetched, err = p.yt.ListChannels(callCtx, cred, batch)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("channel lookup batch: %w", err)
		}

		for _, d := range fetched {
			if d.UploadsPlaylistID == "" {
				d.UploadsPlaylistID = uploadsPlaylistFor(d.Channel.ChannelID)
			}
			details[d.Channel.ChannelID] = d
			if p.cache != nil {
				ch := d.Channel
				p.cache.SetChannel(&ch)
			}
		}
	}

	return details, nil
}

// enrich builds the analysis input for one channel: sample, aggregates,
// language, persistence, cache write-through.
func (p *Pipeline) enrich(ctx context.Context, run *models.Run, detail youtube.ChannelDetail) (*analysis.Item, error) {
	channel := detail.Channel

	var sample []models.Video
	cacheHit := false
	if p.cache != nil {
		sample, cacheHit = p.cache.GetVideoSample(channel.ChannelID)
	}
	if !cacheHit {
		err := p.stack.Execute(ctx, youtube.CostRecentVideos, func(callCtx context.Context, cred *models.Credential) error {
			var err error
			sample, err = p.yt.RecentVideos(callCtx, cred, detail.UploadsPlaylistID, p.cfg.SampleSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		if p.cache != nil {
			p.cache.SetVideoSample(channel.ChannelID, sample)
		}
	}

	stats := Aggregate(sample)
	stats.ChannelID = channel.ChannelID
	stats.RunID = run.ID
	stats.CreatedAt = time.Now()

	lang := p.detector.Detect(channel.Description, sample)
	channel.DetectedLanguage = lang.Language
	channel.LanguageConfidence = lang.Confidence
	stats.VideoLanguages = lang.PerVideo

	now := time.Now()
	channel.Status = models.ChannelActive
	channel.LastSeenAt = now
	if channel.FirstDiscoveredAt.IsZero() {
		channel.FirstDiscoveredAt = now
	}

	if err := p.channels.Upsert(ctx, &channel); err != nil {
		return nil, fmt.Errorf("failed to persist channel: %w", err)
	}
	if err := p.stats.Insert(ctx, &stats); err != nil {
		return nil, fmt.Errorf("failed to persist video stats: %w", err)
	}

	return analysis.NewItem(run.ID, channel, stats, run.ProductSnapshot), nil
}

// analyze pushes collected entities onto the queue and waits for each to
// reach a terminal state. Queue-internal retry policy is its own affair.
func (p *Pipeline) analyze(ctx context.Context, run *models.Run, items []*analysis.Item) (int, error) {
	for _, item := range items {
		if err := p.queue.Submit(ctx, item); err != nil {
			return 0, fmt.Errorf("failed to enqueue analysis: %w", err)
		}
	}

	failed := 0
	for _, item := range items {
		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		case status := <-item.Done():
			if status != models.AnalysisCompleted {
				failed++
			}
		}
	}
	return failed, nil
}

// abortsPhase decides whether an entity-level error escalates to a phase
// abort: credential exhaustion, unclassified errors, and cancellation do;
// everything else is a per-entity failure.
func abortsPhase(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch guard.KindOf(err) {
	case guard.KindNoCredential, guard.KindUnclassified:
		return true
	default:
		return false
	}
}

// uploadsPlaylistFor derives a channel's uploads playlist id. YouTube maps
// UC... channel ids to UU... playlist ids.
func uploadsPlaylistFor(channelID string) string {
	if strings.HasPrefix(channelID, "UC") {
		return "UU" + channelID[2:]
	}
	return channelID
}
