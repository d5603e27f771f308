package models

import (
	"time"
)

// AnalysisStatus is the lifecycle of a per-channel AI evaluation.
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
	// AnalysisOffline marks requests short-circuited because the analysis
	// provider was confirmed unavailable; collected data is preserved and
	// the analysis can be requested again later.
	AnalysisOffline AnalysisStatus = "offline"
)

// Analysis is the AI evaluation result for one channel within one run.
// At most one non-failed record exists per (channel, run); a retried
// failure supersedes the prior failed record.
type Analysis struct {
	ChannelID        string         `json:"channel_id"`
	RunID            string         `json:"run_id"`
	Status           AnalysisStatus `json:"status"`
	RelevanceScore   int            `json:"relevance_score,omitempty"`
	AudienceMatch    string         `json:"audience_match,omitempty"`
	ContentAlignment string         `json:"content_alignment,omitempty"`
	Recommendation   string         `json:"recommendation,omitempty"`
	KeyStrengths     []string       `json:"key_strengths,omitempty"`
	Concerns         []string       `json:"concerns,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	AnalyzedAt       *time.Time     `json:"analyzed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}
