package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kolscope/kolscope/internal/models"
	"log/slog"
)

// RunCreator persists runs and resolves keyword history.
type RunCreator interface {
	Create(ctx context.Context, run *models.Run) error
	LatestCompletedForKeyword(ctx context.Context, keyword string) (*models.Run, error)
}

// ProductSource provides the active product context.
type ProductSource interface {
	GetActive(ctx context.Context) (*models.Product, error)
}

// RunDriver executes a run to a terminal phase.
type RunDriver interface {
	Execute(ctx context.Context, run *models.Run) error
}

// flight tracks one in-progress run.
type flight struct {
	runID  string
	cancel context.CancelFunc
}

// RunExecutor creates runs and drives them through the pipeline in the
// background. At most one run per keyword is in flight at a time, and every
// run can be cancelled by id.
type RunExecutor struct {
	runs     RunCreator
	products ProductSource
	pipeline RunDriver
	mode     models.RunMode
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*flight // keyword -> flight
}

// NewRunExecutor creates a new run executor.
func NewRunExecutor(runs RunCreator, products ProductSource, pipeline RunDriver, mode models.RunMode, logger *slog.Logger) *RunExecutor {
	return &RunExecutor{
		runs:     runs,
		products: products,
		pipeline: pipeline,
		mode:     mode,
		logger:   logger,
		inFlight: make(map[string]*flight),
	}
}

// Submit creates a run and launches its execution. Incremental runs resolve
// their parent from the keyword's newest completed run; without one the run
// proceeds as a full run.
func (e *RunExecutor) Submit(ctx context.Context, keyword string, mode models.RunMode, incremental bool) (*models.Run, error) {
	// Reserve the keyword in the same critical section as the check, so two
	// concurrent submissions cannot both pass it.
	e.mu.Lock()
	if f, busy := e.inFlight[keyword]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %s for keyword %q is already in flight", f.runID, keyword)
	}
	f := &flight{}
	e.inFlight[keyword] = f
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.inFlight, keyword)
		e.mu.Unlock()
	}

	if mode == "" {
		mode = e.mode
	}

	run := &models.Run{
		ID:      uuid.NewString(),
		Keyword: keyword,
		Phase:   models.PhasePending,
		Mode:    mode,
	}

	product, err := e.products.GetActive(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to load product context: %w", err)
	}
	if product != nil {
		run.ProductSnapshot = product.Snapshot()
	}

	// Incremental runs diff against the previous completed run to process
	// only new channels; a full re-run still resolves the parent so
	// disappeared channels get flagged.
	parent, err := e.runs.LatestCompletedForKeyword(ctx, keyword)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to resolve parent run: %w", err)
	}
	if parent != nil {
		run.ParentRunID = parent.ID
		run.Incremental = incremental
	} else if incremental {
		e.logger.Info("no completed run for keyword, running full",
			"keyword", keyword)
	}

	if err := e.runs.Create(ctx, run); err != nil {
		release()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	f.runID = run.ID
	f.cancel = cancel
	e.mu.Unlock()

	e.logger.Info("run submitted",
		"run_id", run.ID,
		"keyword", run.Keyword,
		"mode", run.Mode,
		"incremental", run.Incremental,
		"parent_run_id", run.ParentRunID)

	// The run outlives the HTTP request that submitted it.
	go func() {
		defer func() {
			cancel()
			release()
		}()
		if err := e.pipeline.Execute(runCtx, run); err != nil {
			e.logger.Error("run execution failed", "run_id", run.ID, "error", err)
		}
	}()

	return run, nil
}

// Cancel aborts the in-flight run with the given id. It reports whether a
// matching run was found; the run itself lands in the failed phase with a
// cancellation message once the pipeline observes the dead context.
func (e *RunExecutor) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range e.inFlight {
		if f.runID == runID && f.cancel != nil {
			f.cancel()
			return true
		}
	}
	return false
}

// Shutdown cancels every in-flight run, used on process shutdown.
func (e *RunExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, f := range e.inFlight {
		if f.cancel != nil {
			f.cancel()
		}
	}
}
