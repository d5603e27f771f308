package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kolscope/kolscope/internal/models"
)

// CredentialRepository handles credential persistence. It backs the in-memory
// quota pool; the pool owns selection and cooldown logic, the repository only
// stores state.
type CredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, api_key, category, display_name, daily_quota, used_quota,
	last_reset_date, active, priority, notes, created_at, updated_at`

// Create inserts a new credential and sets its generated ID.
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	query := `
		INSERT INTO credentials (api_key, category, display_name, daily_quota, used_quota,
			last_reset_date, active, priority, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		c.Key, c.Category, c.DisplayName, c.DailyQuota, c.UsedQuota,
		c.LastResetDate, c.Active, c.Priority, c.Notes,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// List returns all credentials, highest priority first.
func (r *CredentialRepository) List(ctx context.Context) ([]models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY priority DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(
			&c.ID, &c.Key, &c.Category, &c.DisplayName, &c.DailyQuota, &c.UsedQuota,
			&c.LastResetDate, &c.Active, &c.Priority, &c.Notes, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpdateQuota persists a credential's quota counters after consumption or a
// daily reset.
func (r *CredentialRepository) UpdateQuota(ctx context.Context, id int64, usedQuota int64, lastResetDate string) error {
	query := `
		UPDATE credentials
		SET used_quota = $2, last_reset_date = $3, updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, usedQuota, lastResetDate)
	if err != nil {
		return fmt.Errorf("failed to update credential quota: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credential %d not found", id)
	}
	return nil
}

// SetActive toggles a credential. Deactivation happens on suspected bans;
// reactivation is an operator action.
func (r *CredentialRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE credentials SET active = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to set credential active state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("credential %d not found", id)
	}
	return nil
}
