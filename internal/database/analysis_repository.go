package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kolscope/kolscope/internal/models"
)

// AnalysisRepository handles AI evaluation persistence.
type AnalysisRepository struct {
	db *sql.DB
}

// NewAnalysisRepository creates a new analysis repository.
func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const analysisColumns = `channel_id, run_id, status, relevance_score, audience_match,
	content_alignment, recommendation, key_strengths, concerns, provider,
	error_message, analyzed_at, created_at`

// Upsert stores an evaluation record keyed by (channel, run). A resubmitted
// failure supersedes the prior record in place.
func (r *AnalysisRepository) Upsert(ctx context.Context, a *models.Analysis) error {
	strengths, err := jsonbValue(a.KeyStrengths)
	if err != nil {
		return err
	}
	concerns, err := jsonbValue(a.Concerns)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO analyses (channel_id, run_id, status, relevance_score, audience_match,
			content_alignment, recommendation, key_strengths, concerns, provider,
			error_message, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (channel_id, run_id) DO UPDATE SET
			status = EXCLUDED.status,
			relevance_score = EXCLUDED.relevance_score,
			audience_match = EXCLUDED.audience_match,
			content_alignment = EXCLUDED.content_alignment,
			recommendation = EXCLUDED.recommendation,
			key_strengths = EXCLUDED.key_strengths,
			concerns = EXCLUDED.concerns,
			provider = EXCLUDED.provider,
			error_message = EXCLUDED.error_message,
			analyzed_at = EXCLUDED.analyzed_at
		RETURNING created_at`

	err = r.db.QueryRowContext(ctx, query,
		a.ChannelID, a.RunID, a.Status, a.RelevanceScore, a.AudienceMatch,
		a.ContentAlignment, a.Recommendation, strengths, concerns, a.Provider,
		a.ErrorMessage, a.AnalyzedAt,
	).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis: %w", err)
	}
	return nil
}

// ListFailedByRun returns a run's analyses awaiting another attempt: failed
// ones and those short-circuited while the provider was offline.
func (r *AnalysisRepository) ListFailedByRun(ctx context.Context, runID string) ([]models.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses
		WHERE run_id = $1 AND status IN ($2, $3)
		ORDER BY channel_id`

	return r.list(ctx, query, runID, models.AnalysisFailed, models.AnalysisOffline)
}

// ListByRun returns all of a run's analyses, best score first.
func (r *AnalysisRepository) ListByRun(ctx context.Context, runID string) ([]models.Analysis, error) {
	query := `SELECT ` + analysisColumns + ` FROM analyses
		WHERE run_id = $1
		ORDER BY relevance_score DESC, channel_id`

	return r.list(ctx, query, runID)
}

func (r *AnalysisRepository) list(ctx context.Context, query string, args ...any) ([]models.Analysis, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var analyses []models.Analysis
	for rows.Next() {
		var a models.Analysis
		var strengths, concerns []byte
		if err := rows.Scan(
			&a.ChannelID, &a.RunID, &a.Status, &a.RelevanceScore, &a.AudienceMatch,
			&a.ContentAlignment, &a.Recommendation, &strengths, &concerns, &a.Provider,
			&a.ErrorMessage, &a.AnalyzedAt, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		if err := scanJSONB(strengths, &a.KeyStrengths); err != nil {
			return nil, err
		}
		if err := scanJSONB(concerns, &a.Concerns); err != nil {
			return nil, err
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}
