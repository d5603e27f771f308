package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kolscope/kolscope/internal/database"
	"github.com/kolscope/kolscope/internal/models"
	"github.com/kolscope/kolscope/internal/quota"
	"log/slog"
)

// CredentialHandler manages the credential pool over HTTP. Writes go to both
// the repository and the live pool so changes take effect without a restart.
type CredentialHandler struct {
	repo   *database.CredentialRepository
	pool   *quota.Pool
	logger *slog.Logger
}

// NewCredentialHandler creates a new credential handler.
func NewCredentialHandler(repo *database.CredentialRepository, pool *quota.Pool, logger *slog.Logger) *CredentialHandler {
	return &CredentialHandler{
		repo:   repo,
		pool:   pool,
		logger: logger,
	}
}

// AddCredentialRequest represents a credential registration.
type AddCredentialRequest struct {
	Key         string `json:"api_key"`
	Category    string `json:"category"`
	DisplayName string `json:"display_name,omitempty"`
	DailyQuota  int64  `json:"daily_quota"`
	Priority    int    `json:"priority,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// CredentialsHandler handles /api/credentials (GET list, POST add).
func (h *CredentialHandler) CredentialsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listCredentials(w, r)
	case http.MethodPost:
		h.addCredential(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// listCredentials reports live pool state. Keys never leave the server; the
// Credential JSON encoding omits them.
func (h *CredentialHandler) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds := h.pool.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"credentials": creds,
		"count":       len(creds),
	})
}

func (h *CredentialHandler) addCredential(w http.ResponseWriter, r *http.Request) {
	var req AddCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.DailyQuota == 0 {
		req.DailyQuota = 10000
	}
	if err := ValidateCredential(req.Key, req.Category, req.DailyQuota); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cred := models.Credential{
		Key:         req.Key,
		Category:    models.CredentialCategory(req.Category),
		DisplayName: req.DisplayName,
		DailyQuota:  req.DailyQuota,
		Active:      true,
		Priority:    req.Priority,
		Notes:       req.Notes,
	}
	if err := h.repo.Create(r.Context(), &cred); err != nil {
		h.logger.Error("failed to create credential", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.pool.Add(cred)

	h.logger.Info("credential added",
		"credential_id", cred.ID,
		"category", cred.Category,
		"daily_quota", cred.DailyQuota)
	writeJSON(w, http.StatusCreated, cred)
}

// CredentialByIDHandler handles POST /api/credentials/{id}/reactivate, the
// operator action that returns a suspected-ban credential to service.
func (h *CredentialHandler) CredentialByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts: ["api", "credentials", "{id}", "reactivate"]
	if len(parts) != 4 || parts[3] != "reactivate" || r.Method != http.MethodPost {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		http.Error(w, "Invalid credential ID", http.StatusBadRequest)
		return
	}

	if err := h.pool.Reactivate(r.Context(), id); err != nil {
		h.logger.Error("failed to reactivate credential", "credential_id", id, "error", err)
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.logger.Info("credential reactivated", "credential_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": true})
}
