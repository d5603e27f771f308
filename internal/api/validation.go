package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kolscope/kolscope/internal/models"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateRunRequest validates a run submission.
func ValidateRunRequest(keyword string, mode string, incremental bool, parentRunID string) error {
	if strings.TrimSpace(keyword) == "" {
		return ValidationError{Field: "keyword", Message: "Keyword is required"}
	}
	if len(keyword) > 255 {
		return ValidationError{Field: "keyword", Message: "Keyword must be at most 255 characters"}
	}

	if mode != "" {
		switch models.RunMode(mode) {
		case models.ModeConservative, models.ModeAccelerated:
		default:
			return ValidationError{Field: "mode", Message: "Mode must be 'conservative' or 'accelerated'"}
		}
	}

	if incremental && parentRunID == "" {
		// Parent resolution happens server-side from the keyword's history;
		// an explicit parent is optional but an empty keyword history makes
		// the run full regardless. Nothing further to check here.
		return nil
	}
	return nil
}

// ValidateCredential validates a credential registration.
func ValidateCredential(key string, category string, dailyQuota int64) error {
	if key == "" {
		return ValidationError{Field: "api_key", Message: "API key is required"}
	}
	if len(key) < 10 {
		return ValidationError{Field: "api_key", Message: "API key appears to be invalid (too short)"}
	}

	switch models.CredentialCategory(category) {
	case models.CategoryYouTube, models.CategoryAnalysis:
	default:
		return ValidationError{Field: "category", Message: "Category must be 'youtube' or 'analysis'"}
	}

	if dailyQuota < 1 {
		return ValidationError{Field: "daily_quota", Message: "Daily quota must be positive"}
	}
	return nil
}

// ValidateURL validates a URL string
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return ValidationError{Field: "url", Message: "URL is required"}
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return ValidationError{Field: "url", Message: "Invalid URL format"}
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return ValidationError{Field: "url", Message: "URL must use http or https scheme"}
	}

	if parsedURL.Host == "" {
		return ValidationError{Field: "url", Message: "URL must have a host"}
	}

	return nil
}

// ValidateProduct validates a product-context update.
func ValidateProduct(p *models.Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return ValidationError{Field: "name", Message: "Product name is required"}
	}
	if p.URL != "" {
		if err := ValidateURL(p.URL); err != nil {
			return err
		}
	}
	return nil
}
