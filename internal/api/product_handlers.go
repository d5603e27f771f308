package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kolscope/kolscope/internal/cache"
	"github.com/kolscope/kolscope/internal/database"
	"github.com/kolscope/kolscope/internal/models"
	"log/slog"
)

// ProductHandler manages the product context that seeds analysis prompts.
type ProductHandler struct {
	repo   *database.ProductRepository
	logger *slog.Logger
}

// NewProductHandler creates a new product handler.
func NewProductHandler(repo *database.ProductRepository, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{repo: repo, logger: logger}
}

// ProductHandlerFunc handles /api/product (GET active, PUT save).
func (h *ProductHandler) ProductHandlerFunc(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getProduct(w, r)
	case http.MethodPut:
		h.saveProduct(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ProductHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.repo.GetActive(r.Context())
	if err != nil {
		h.logger.Error("failed to get product", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if product == nil {
		http.Error(w, "No product configured", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// saveProduct creates or updates the product context. In-flight runs keep
// their stamped snapshot; only future runs see the change.
func (h *ProductHandler) saveProduct(w http.ResponseWriter, r *http.Request) {
	var product models.Product
	if err := json.NewDecoder(r.Body).Decode(&product); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	product.Active = true

	if err := ValidateProduct(&product); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.Save(r.Context(), &product); err != nil {
		h.logger.Error("failed to save product", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("product context updated", "product_id", product.ID, "name", product.Name)
	writeJSON(w, http.StatusOK, product)
}

// CacheHandler invalidates cached channel data.
type CacheHandler struct {
	cache  *cache.Cache
	logger *slog.Logger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(c *cache.Cache, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{cache: c, logger: logger}
}

// InvalidateHandler handles DELETE /api/cache/channels/{id}.
func (h *CacheHandler) InvalidateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts: ["api", "cache", "channels", "{id}"]
	if len(parts) != 4 || parts[3] == "" {
		http.Error(w, "Channel ID required", http.StatusBadRequest)
		return
	}
	channelID := parts[3]

	if h.cache == nil {
		http.Error(w, "Cache disabled", http.StatusServiceUnavailable)
		return
	}

	h.cache.Invalidate(channelID)
	h.logger.Info("cache invalidated", "channel_id", channelID)
	w.WriteHeader(http.StatusNoContent)
}
