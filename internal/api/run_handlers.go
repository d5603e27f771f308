package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kolscope/kolscope/internal/analysis"
	"github.com/kolscope/kolscope/internal/database"
	"github.com/kolscope/kolscope/internal/models"
	"log/slog"
)

// RunHandler handles run submission and inspection.
type RunHandler struct {
	runs     *database.RunRepository
	analyses *database.AnalysisRepository
	executor *RunExecutor
	queue    *analysis.Queue
	logger   *slog.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(runs *database.RunRepository, analyses *database.AnalysisRepository, executor *RunExecutor, queue *analysis.Queue, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		runs:     runs,
		analyses: analyses,
		executor: executor,
		queue:    queue,
		logger:   logger,
	}
}

// SubmitRunRequest represents a run submission.
type SubmitRunRequest struct {
	Keyword     string `json:"keyword"`
	Mode        string `json:"mode,omitempty"`
	Incremental bool   `json:"incremental,omitempty"`
}

// RunsHandler handles /api/runs (GET list, POST submit).
func (h *RunHandler) RunsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listRuns(w, r)
	case http.MethodPost:
		h.submitRun(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *RunHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.List(r.Context(), 50)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *RunHandler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Keyword = strings.TrimSpace(req.Keyword)

	if err := ValidateRunRequest(req.Keyword, req.Mode, req.Incremental, ""); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.executor.Submit(r.Context(), req.Keyword, models.RunMode(req.Mode), req.Incremental)
	if err != nil {
		h.logger.Error("failed to submit run", "keyword", req.Keyword, "error", err)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// RunByIDHandler handles /api/runs/{id} and its subresources:
//
//	GET  /api/runs/{id}            run status and progress
//	GET  /api/runs/{id}/analyses   evaluation results, best first
//	POST /api/runs/{id}/cancel     abort an in-flight run
//	POST /api/runs/{id}/retry-analyses  resubmit failed analyses
func (h *RunHandler) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts: ["api", "runs", "{id}", ...]
	if len(parts) < 3 || parts[2] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}
	runID := parts[2]

	if len(parts) == 4 && parts[3] == "analyses" && r.Method == http.MethodGet {
		h.listAnalyses(w, r, runID)
		return
	}
	if len(parts) == 4 && parts[3] == "cancel" && r.Method == http.MethodPost {
		h.cancelRun(w, r, runID)
		return
	}
	if len(parts) == 4 && parts[3] == "retry-analyses" && r.Method == http.MethodPost {
		h.retryAnalyses(w, r, runID)
		return
	}
	if len(parts) == 3 && r.Method == http.MethodGet {
		h.getRun(w, r, runID)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}

func (h *RunHandler) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to get run", "run_id", runID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunHandler) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if !h.executor.Cancel(runID) {
		http.Error(w, "Run not in flight", http.StatusNotFound)
		return
	}
	h.logger.Info("run cancellation requested", "run_id", runID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":    runID,
		"cancelled": true,
	})
}

func (h *RunHandler) listAnalyses(w http.ResponseWriter, r *http.Request, runID string) {
	analyses, err := h.analyses.ListByRun(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to list analyses", "run_id", runID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analyses": analyses,
		"count":    len(analyses),
	})
}

func (h *RunHandler) retryAnalyses(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		h.logger.Error("failed to get run", "run_id", runID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	count, err := h.queue.ResubmitFailed(r.Context(), runID, run.ProductSnapshot)
	if err != nil {
		h.logger.Error("failed to resubmit analyses", "run_id", runID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      runID,
		"resubmitted": count,
	})
}
