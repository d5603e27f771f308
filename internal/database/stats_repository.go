package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/kolscope/kolscope/internal/models"
)

// pqStringArray adapts a string slice for ANY($n) parameters.
func pqStringArray(s []string) any {
	return pq.Array(s)
}

// StatsRepository handles per-run video statistics persistence.
type StatsRepository struct {
	db *sql.DB
}

// NewStatsRepository creates a new stats repository.
func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Insert stores a channel's aggregate stats for a run. Stats are immutable
// once written; a re-collected channel within the same run overwrites.
func (r *StatsRepository) Insert(ctx context.Context, s *models.VideoStats) error {
	outliers, err := jsonbValue(s.OutlierVideos)
	if err != nil {
		return err
	}
	recent, err := jsonbValue(s.RecentVideos)
	if err != nil {
		return err
	}
	languages, err := jsonbValue(s.VideoLanguages)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO video_stats (channel_id, run_id, avg_view_count, avg_like_count,
			avg_comment_count, avg_engagement_rate, has_outliers, outlier_videos,
			recent_videos, video_languages)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (channel_id, run_id) DO UPDATE SET
			avg_view_count = EXCLUDED.avg_view_count,
			avg_like_count = EXCLUDED.avg_like_count,
			avg_comment_count = EXCLUDED.avg_comment_count,
			avg_engagement_rate = EXCLUDED.avg_engagement_rate,
			has_outliers = EXCLUDED.has_outliers,
			outlier_videos = EXCLUDED.outlier_videos,
			recent_videos = EXCLUDED.recent_videos,
			video_languages = EXCLUDED.video_languages
		RETURNING created_at`

	err = r.db.QueryRowContext(ctx, query,
		s.ChannelID, s.RunID, s.AvgViewCount, s.AvgLikeCount, s.AvgCommentCnt,
		s.EngagementRate, s.HasOutliers, outliers, recent, languages,
	).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert video stats: %w", err)
	}
	return nil
}

// Get retrieves a channel's stats for one run. Returns nil when not found.
func (r *StatsRepository) Get(ctx context.Context, channelID, runID string) (*models.VideoStats, error) {
	query := `
		SELECT channel_id, run_id, avg_view_count, avg_like_count, avg_comment_count,
			avg_engagement_rate, has_outliers, outlier_videos, recent_videos,
			video_languages, created_at
		FROM video_stats
		WHERE channel_id = $1 AND run_id = $2`

	var s models.VideoStats
	var outliers, recent, languages []byte
	err := r.db.QueryRowContext(ctx, query, channelID, runID).Scan(
		&s.ChannelID, &s.RunID, &s.AvgViewCount, &s.AvgLikeCount, &s.AvgCommentCnt,
		&s.EngagementRate, &s.HasOutliers, &outliers, &recent, &languages, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video stats: %w", err)
	}

	if err := scanJSONB(outliers, &s.OutlierVideos); err != nil {
		return nil, err
	}
	if err := scanJSONB(recent, &s.RecentVideos); err != nil {
		return nil, err
	}
	if err := scanJSONB(languages, &s.VideoLanguages); err != nil {
		return nil, err
	}
	return &s, nil
}
