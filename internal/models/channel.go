package models

import (
	"time"
)

// ChannelStatus tracks the lifecycle of a discovered channel.
type ChannelStatus string

const (
	ChannelActive      ChannelStatus = "active"
	ChannelDisappeared ChannelStatus = "disappeared"
	ChannelUnavailable ChannelStatus = "unavailable"
)

// Channel is a YouTube channel discovered by a search run. ChannelID is the
// stable external identifier; FirstDiscoveredAt is set once, LastSeenAt is
// bumped by every run that rediscovers the channel.
type Channel struct {
	ChannelID          string        `json:"channel_id"`
	Title              string        `json:"title"`
	URL                string        `json:"url"`
	CustomURL          string        `json:"custom_url,omitempty"`
	Description        string        `json:"description,omitempty"`
	ThumbnailURL       string        `json:"thumbnail_url,omitempty"`
	SubscriberCount    int64         `json:"subscriber_count"`
	DetectedLanguage   string        `json:"detected_language,omitempty"`
	LanguageConfidence float64       `json:"language_confidence,omitempty"`
	Status             ChannelStatus `json:"status"`
	FirstDiscoveredAt  time.Time     `json:"first_discovered_at"`
	LastSeenAt         time.Time     `json:"last_seen_at"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Video is one item of a channel's recent-activity sample.
type Video struct {
	VideoID      string    `json:"video_id"`
	Title        string    `json:"title"`
	PublishedAt  time.Time `json:"published_at"`
	ViewCount    int64     `json:"view_count"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
}
