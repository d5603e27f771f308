package models

import (
	"time"
)

// Product is the product-context configuration that seeds AI analysis
// prompts. A snapshot of it is stamped onto each run at submission so that
// later edits do not change in-flight evaluations.
type Product struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	URL            string     `json:"url,omitempty"`
	Description    string     `json:"description,omitempty"`
	CoreFeatures   []string   `json:"core_features,omitempty"`
	TargetAudience string     `json:"target_audience,omitempty"`
	Keywords       []string   `json:"keywords,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastScrapedAt  *time.Time `json:"last_scraped_at,omitempty"`
}

// Snapshot renders the product context as prompt-ready text.
func (p *Product) Snapshot() string {
	s := "Product: " + p.Name
	if p.Description != "" {
		s += "\nDescription: " + p.Description
	}
	if len(p.CoreFeatures) > 0 {
		s += "\nCore features:"
		for _, f := range p.CoreFeatures {
			s += "\n- " + f
		}
	}
	if p.TargetAudience != "" {
		s += "\nTarget audience: " + p.TargetAudience
	}
	return s
}
