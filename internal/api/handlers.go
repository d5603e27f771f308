package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kolscope/kolscope/internal/cache"
	"github.com/kolscope/kolscope/internal/database"
	"log/slog"
)

// Handler serves health and system status endpoints.
type Handler struct {
	db        *sql.DB
	cache     *cache.Cache
	logger    *slog.Logger
	startTime time.Time
}

// NewHandler creates the base handler.
func NewHandler(db *sql.DB, c *cache.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		db:        db,
		cache:     c,
		logger:    logger,
		startTime: time.Now(),
	}
}

// HealthResponse reports component health.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Database      string `json:"database"`
	Cache         string `json:"cache"`
}

// HealthHandler handles GET /api/health
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Database:      "ok",
		Cache:         "ok",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := database.HealthCheck(ctx, h.db); err != nil {
		h.logger.Error("database health check failed", "error", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
	}

	if h.cache == nil {
		resp.Cache = "disabled"
	} else if err := h.cache.Ping(); err != nil {
		// Degraded cache is not fatal: lookups fall through to the API.
		resp.Cache = "unreachable"
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
