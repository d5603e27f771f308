package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kolscope/kolscope/internal/models"
)

// ChannelRepository handles channel persistence.
type ChannelRepository struct {
	db *sql.DB
}

// NewChannelRepository creates a new channel repository.
func NewChannelRepository(db *sql.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

const channelColumns = `channel_id, title, url, custom_url, description, thumbnail_url,
	subscriber_count, detected_language, language_confidence, status,
	first_discovered_at, last_seen_at, created_at, updated_at`

// Upsert inserts or refreshes a channel. first_discovered_at is written once
// and preserved on conflict; last_seen_at and the snapshot fields are always
// refreshed.
func (r *ChannelRepository) Upsert(ctx context.Context, c *models.Channel) error {
	query := `
		INSERT INTO channels (channel_id, title, url, custom_url, description, thumbnail_url,
			subscriber_count, detected_language, language_confidence, status,
			first_discovered_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (channel_id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			custom_url = EXCLUDED.custom_url,
			description = EXCLUDED.description,
			thumbnail_url = EXCLUDED.thumbnail_url,
			subscriber_count = EXCLUDED.subscriber_count,
			detected_language = EXCLUDED.detected_language,
			language_confidence = EXCLUDED.language_confidence,
			status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = NOW()
		RETURNING first_discovered_at, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		c.ChannelID, c.Title, c.URL, c.CustomURL, c.Description, c.ThumbnailURL,
		c.SubscriberCount, c.DetectedLanguage, c.LanguageConfidence, c.Status,
		c.FirstDiscoveredAt, c.LastSeenAt,
	).Scan(&c.FirstDiscoveredAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

// Get retrieves a channel by its external ID. Returns nil when not found.
func (r *ChannelRepository) Get(ctx context.Context, channelID string) (*models.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE channel_id = $1`

	var c models.Channel
	err := r.db.QueryRowContext(ctx, query, channelID).Scan(
		&c.ChannelID, &c.Title, &c.URL, &c.CustomURL, &c.Description, &c.ThumbnailURL,
		&c.SubscriberCount, &c.DetectedLanguage, &c.LanguageConfidence, &c.Status,
		&c.FirstDiscoveredAt, &c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &c, nil
}

// MarkDisappeared flags channels a full re-run no longer finds. Channels are
// never deleted; disappearance is a status so history stays queryable.
func (r *ChannelRepository) MarkDisappeared(ctx context.Context, channelIDs []string) error {
	if len(channelIDs) == 0 {
		return nil
	}
	query := `
		UPDATE channels
		SET status = $1, updated_at = NOW()
		WHERE channel_id = ANY($2)`

	_, err := r.db.ExecContext(ctx, query, models.ChannelDisappeared, pqStringArray(channelIDs))
	if err != nil {
		return fmt.Errorf("failed to mark channels disappeared: %w", err)
	}
	return nil
}

// ListByStatus returns channels in a given lifecycle status, most recently
// seen first.
func (r *ChannelRepository) ListByStatus(ctx context.Context, status models.ChannelStatus, limit int) ([]models.Channel, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + channelColumns + ` FROM channels
		WHERE status = $1 ORDER BY last_seen_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(
			&c.ChannelID, &c.Title, &c.URL, &c.CustomURL, &c.Description, &c.ThumbnailURL,
			&c.SubscriberCount, &c.DetectedLanguage, &c.LanguageConfidence, &c.Status,
			&c.FirstDiscoveredAt, &c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
