// Package youtube is a narrow client for the YouTube Data API v3: paginated
// search, batched channel lookup, and recent-upload sampling. It covers only
// the endpoints the collection pipeline needs and reports the real
// per-endpoint quota cost of each call.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kolscope/kolscope/internal/guard"
	"github.com/kolscope/kolscope/internal/models"
)

// Real quota costs per endpoint. Search is markedly more expensive than
// lookups, so the pool must be charged the true cost, not a flat count.
const (
	CostSearch = 100
	CostList   = 1
	// CostRecentVideos covers the playlistItems page plus the videos lookup.
	CostRecentVideos = 2
)

// MaxBatchSize is the API's ceiling on ids per channels.list call.
const MaxBatchSize = 50

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

// Client calls the YouTube Data API. It carries no credential of its own;
// every method takes the credential selected by the pool for that call.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client against the production API.
func NewClient(logger *slog.Logger) *Client {
	return NewClientWithBaseURL(defaultBaseURL, logger)
}

// NewClientWithBaseURL creates a client against an alternate endpoint,
// used by tests.
func NewClientWithBaseURL(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// SearchPage is one page of search results: the channel ids found on the
// page and the continuation token for the next one (empty when exhausted).
type SearchPage struct {
	ChannelIDs    []string
	NextPageToken string
}

// ChannelDetail is the batched lookup result for one channel.
type ChannelDetail struct {
	Channel models.Channel
	// UploadsPlaylistID addresses the channel's uploads for sampling.
	UploadsPlaylistID string
}

type searchResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ID struct {
			ChannelID string `json:"channelId"`
			VideoID   string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			ChannelID string `json:"channelId"`
		} `json:"snippet"`
	} `json:"items"`
}

type channelsResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			CustomURL   string `json:"customUrl"`
			Thumbnails  struct {
				Default struct {
					URL string `json:"url"`
				} `json:"default"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		Statistics struct {
			SubscriberCount string `json:"subscriberCount"`
		} `json:"statistics"`
		ContentDetails struct {
			RelatedPlaylists struct {
				Uploads string `json:"uploads"`
			} `json:"relatedPlaylists"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type playlistItemsResponse struct {
	Items []struct {
		ContentDetails struct {
			VideoID string `json:"videoId"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title       string    `json:"title"`
			PublishedAt time.Time `json:"publishedAt"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// SearchChannels fetches one page of channel-type search results.
func (c *Client) SearchChannels(ctx context.Context, cred *models.Credential, query, pageToken string) (*SearchPage, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "channel")
	params.Set("q", query)
	params.Set("maxResults", "50")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var resp searchResponse
	if err := c.get(ctx, cred, "/search", params, &resp); err != nil {
		return nil, err
	}

	page := &SearchPage{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		if item.ID.ChannelID != "" {
			page.ChannelIDs = append(page.ChannelIDs, item.ID.ChannelID)
		}
	}
	return page, nil
}

// SearchVideos fetches one page of video-type search results, extracting the
// owning channel id of each hit. Channels surface here that never rank in
// channel-type search.
func (c *Client) SearchVideos(ctx context.Context, cred *models.Credential, query, pageToken string) (*SearchPage, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "video")
	params.Set("q", query)
	params.Set("maxResults", "50")
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	var resp searchResponse
	if err := c.get(ctx, cred, "/search", params, &resp); err != nil {
		return nil, err
	}

	page := &SearchPage{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		if item.Snippet.ChannelID != "" {
			page.ChannelIDs = append(page.ChannelIDs, item.Snippet.ChannelID)
		}
	}
	return page, nil
}

// ListChannels batch-fetches core attributes for up to MaxBatchSize ids.
func (c *Client) ListChannels(ctx context.Context, cred *models.Credential, ids []string) ([]ChannelDetail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds the %d-id limit", len(ids), MaxBatchSize)
	}

	params := url.Values{}
	params.Set("part", "snippet,statistics,contentDetails")
	params.Set("id", strings.Join(ids, ","))

	var resp channelsResponse
	if err := c.get(ctx, cred, "/channels", params, &resp); err != nil {
		return nil, err
	}

	details := make([]ChannelDetail, 0, len(resp.Items))
	for _, item := range resp.Items {
		subs, _ := strconv.ParseInt(item.Statistics.SubscriberCount, 10, 64)
		details = append(details, ChannelDetail{
			Channel: models.Channel{
				ChannelID:       item.ID,
				Title:           item.Snippet.Title,
				URL:             "https://www.youtube.com/channel/" + item.ID,
				CustomURL:       item.Snippet.CustomURL,
				Description:     item.Snippet.Description,
				ThumbnailURL:    item.Snippet.Thumbnails.Default.URL,
				SubscriberCount: subs,
				Status:          models.ChannelActive,
			},
			UploadsPlaylistID: item.ContentDetails.RelatedPlaylists.Uploads,
		})
	}
	return details, nil
}

// RecentVideos samples the most recent n uploads of a channel with their
// view, like, and comment statistics.
func (c *Client) RecentVideos(ctx context.Context, cred *models.Credential, uploadsPlaylistID string, n int) ([]models.Video, error) {
	params := url.Values{}
	params.Set("part", "contentDetails")
	params.Set("playlistId", uploadsPlaylistID)
	params.Set("maxResults", strconv.Itoa(n))

	var playlist playlistItemsResponse
	if err := c.get(ctx, cred, "/playlistItems", params, &playlist); err != nil {
		return nil, err
	}

	videoIDs := make([]string, 0, len(playlist.Items))
	for _, item := range playlist.Items {
		if item.ContentDetails.VideoID != "" {
			videoIDs = append(videoIDs, item.ContentDetails.VideoID)
		}
	}
	if len(videoIDs) == 0 {
		return nil, nil
	}

	params = url.Values{}
	params.Set("part", "snippet,statistics")
	params.Set("id", strings.Join(videoIDs, ","))

	var resp videosResponse
	if err := c.get(ctx, cred, "/videos", params, &resp); err != nil {
		return nil, err
	}

	videos := make([]models.Video, 0, len(resp.Items))
	for _, item := range resp.Items {
		views, _ := strconv.ParseInt(item.Statistics.ViewCount, 10, 64)
		likes, _ := strconv.ParseInt(item.Statistics.LikeCount, 10, 64)
		comments, _ := strconv.ParseInt(item.Statistics.CommentCount, 10, 64)
		videos = append(videos, models.Video{
			VideoID:      item.ID,
			Title:        item.Snippet.Title,
			PublishedAt:  item.Snippet.PublishedAt,
			ViewCount:    views,
			LikeCount:    likes,
			CommentCount: comments,
		})
	}
	return videos, nil
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// get performs one API request and classifies failures into guard kinds.
func (c *Client) get(ctx context.Context, cred *models.Credential, endpoint string, params url.Values, out interface{}) error {
	params.Set("key", cred.Key)

	reqURL := c.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return guard.NewError(guard.KindTransient, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return guard.NewError(guard.KindTransient, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return c.classify(resp.StatusCode, body, endpoint)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// classify maps an error response to the protection stack's taxonomy.
func (c *Client) classify(status int, body []byte, endpoint string) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	reason := ""
	if len(ae.Error.Errors) > 0 {
		reason = ae.Error.Errors[0].Reason
	}

	base := fmt.Errorf("%s returned %d (%s): %s", endpoint, status, reason, ae.Error.Message)

	switch {
	case status == http.StatusTooManyRequests:
		return guard.NewRateLimited(base, 0)

	case status == http.StatusForbidden:
		switch reason {
		case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded", "userRateLimitExceeded":
			if reason == "rateLimitExceeded" || reason == "userRateLimitExceeded" {
				return guard.NewRateLimited(base, 0)
			}
			return guard.NewError(guard.KindQuotaExceeded, base)
		case "accountSuspended", "suspended":
			return guard.NewError(guard.KindSuspectedBan, base)
		default:
			// Unattributed 403s on a previously working key usually mean the
			// key was cut off; rotate it out rather than hammering.
			return guard.NewError(guard.KindQuotaExceeded, base)
		}

	case status == http.StatusUnauthorized:
		return guard.NewError(guard.KindSuspectedBan, base)

	case status >= 500:
		return guard.NewError(guard.KindTransient, base)

	default:
		return base
	}
}
