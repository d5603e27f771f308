// Package analysis evaluates collected channels against the product context
// with an AI provider. The provider API is slower and less quota-generous
// than the collection API, so work flows through a small bounded queue with
// its own protection stack.
package analysis

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kolscope/kolscope/internal/models"
)

// Request carries everything a provider needs to evaluate one channel.
type Request struct {
	Channel        models.Channel
	Stats          models.VideoStats
	ProductContext string
}

// Result is a provider's structured evaluation.
type Result struct {
	RelevanceScore   int      `json:"relevance_score"`
	AudienceMatch    string   `json:"audience_match"`
	ContentAlignment string   `json:"content_alignment"`
	Recommendation   string   `json:"recommendation"`
	KeyStrengths     []string `json:"key_strengths"`
	Concerns         []string `json:"concerns"`
}

// Provider evaluates a channel. Exactly one provider is active at a time,
// selected by configuration at run start. Implementations must translate
// vendor errors into guard kinds.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, cred *models.Credential, req Request) (*Result, error)
}

const systemPrompt = `You are an influencer-marketing analyst. Evaluate whether a YouTube channel is a good promotion partner for the product described. Respond with a single JSON object:
{"relevance_score": <0-100>, "audience_match": "<one paragraph>", "content_alignment": "<one paragraph>", "recommendation": "<strong_yes|yes|maybe|no>", "key_strengths": ["..."], "concerns": ["..."]}`

// buildPrompt renders the evaluation request for the chat API.
func buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString(req.ProductContext)
	b.WriteString("\n\nChannel under evaluation:\n")
	fmt.Fprintf(&b, "Title: %s\n", req.Channel.Title)
	fmt.Fprintf(&b, "Subscribers: %d\n", req.Channel.SubscriberCount)
	if req.Channel.DetectedLanguage != "" {
		fmt.Fprintf(&b, "Primary language: %s (confidence %.2f)\n",
			req.Channel.DetectedLanguage, req.Channel.LanguageConfidence)
	}
	if req.Channel.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", truncate(req.Channel.Description, 1500))
	}

	fmt.Fprintf(&b, "\nRecent performance (last %d videos):\n", len(req.Stats.RecentVideos))
	fmt.Fprintf(&b, "Average views: %.0f, average likes: %.0f, average comments: %.0f\n",
		req.Stats.AvgViewCount, req.Stats.AvgLikeCount, req.Stats.AvgCommentCnt)
	fmt.Fprintf(&b, "Average engagement rate: %.4f\n", req.Stats.EngagementRate)
	if req.Stats.HasOutliers {
		fmt.Fprintf(&b, "Note: %d video(s) are view-count outliers; averages may overstate typical reach.\n",
			len(req.Stats.OutlierVideos))
	}
	for _, v := range req.Stats.RecentVideos {
		fmt.Fprintf(&b, "- %q: %d views, %d likes, %d comments\n",
			truncate(v.Title, 120), v.ViewCount, v.LikeCount, v.CommentCount)
	}

	return b.String()
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
