package models

import (
	"time"
)

// VideoStats holds per-run aggregate metrics derived from a channel's
// recent-video sample. Keyed by (channel id, run id); immutable once written.
type VideoStats struct {
	ChannelID      string    `json:"channel_id"`
	RunID          string    `json:"run_id"`
	AvgViewCount   float64   `json:"avg_view_count"`
	AvgLikeCount   float64   `json:"avg_like_count"`
	AvgCommentCnt  float64   `json:"avg_comment_count"`
	EngagementRate float64   `json:"avg_engagement_rate"`
	HasOutliers    bool      `json:"has_outliers"`
	OutlierVideos  []Video   `json:"outlier_videos,omitempty"`
	RecentVideos   []Video   `json:"recent_videos"`
	VideoLanguages []string  `json:"video_languages,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
