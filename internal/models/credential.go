package models

import (
	"time"
)

// CredentialCategory identifies which external API a credential belongs to.
type CredentialCategory string

const (
	// CategoryYouTube credentials drive search and collection calls.
	CategoryYouTube CredentialCategory = "youtube"
	// CategoryAnalysis credentials drive the secondary AI analysis API.
	CategoryAnalysis CredentialCategory = "analysis"
)

// Credential is an access key for an external API with a daily quota budget.
//
// UsedQuota <= DailyQuota is advisory only: the external provider enforces
// the real limit, and concurrent consumers must re-check remaining quota
// after acquisition.
type Credential struct {
	ID            int64              `json:"id"`
	Key           string             `json:"-"` // secret material, never serialized
	Category      CredentialCategory `json:"category"`
	DisplayName   string             `json:"display_name,omitempty"`
	DailyQuota    int64              `json:"daily_quota"`
	UsedQuota     int64              `json:"used_quota"`
	LastResetDate string             `json:"last_reset_date"` // UTC date, YYYY-MM-DD
	Active        bool               `json:"active"`
	Priority      int                `json:"priority"`
	Notes         string             `json:"notes,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Remaining returns the advisory remaining quota for today.
func (c *Credential) Remaining() int64 {
	remaining := c.DailyQuota - c.UsedQuota
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FailureReason classifies why a credential was reported as failed.
type FailureReason string

const (
	// FailureRateLimited puts the credential on a one-hour cooldown.
	FailureRateLimited FailureReason = "rate_limited"
	// FailureQuotaExceeded cools the credential down until the next UTC reset.
	FailureQuotaExceeded FailureReason = "quota_exceeded"
	// FailureSuspectedBan deactivates the credential until an operator
	// manually reactivates it.
	FailureSuspectedBan FailureReason = "suspected_ban"
)
