package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kolscope/kolscope/internal/models"
)

// RunRepository handles run persistence, including the per-run channel
// membership set that incremental runs diff against.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, keyword, product_snapshot, phase, mode, incremental, parent_run_id,
	total_channels, processed_channels, new_channels, failed_analyses, error_message,
	created_at, started_at, completed_at`

// Create inserts a new run.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO runs (id, keyword, product_snapshot, phase, mode, incremental, parent_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		run.ID, run.Keyword, run.ProductSnapshot, run.Phase, run.Mode,
		run.Incremental, run.ParentRunID,
	).Scan(&run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Update persists a run's mutable progress fields.
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	query := `
		UPDATE runs
		SET phase = $2, total_channels = $3, processed_channels = $4, new_channels = $5,
			failed_analyses = $6, error_message = $7, started_at = $8, completed_at = $9
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query,
		run.ID, run.Phase, run.TotalChannels, run.ProcessedChannels, run.NewChannels,
		run.FailedAnalyses, run.ErrorMessage, run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// Get retrieves a run by ID. Returns nil when not found.
func (r *RunRepository) Get(ctx context.Context, id string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LatestCompletedForKeyword finds the newest finished full run for a keyword,
// used to resolve the parent of an incremental run.
func (r *RunRepository) LatestCompletedForKeyword(ctx context.Context, keyword string) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE keyword = $1 AND phase = $2
		ORDER BY created_at DESC LIMIT 1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, keyword, models.PhaseDone))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find completed run: %w", err)
	}
	return run, nil
}

// AddRunChannels records which channels a run discovered.
func (r *RunRepository) AddRunChannels(ctx context.Context, runID string, channelIDs []string) error {
	if len(channelIDs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_channels (run_id, channel_id) VALUES ($1, $2)
		ON CONFLICT (run_id, channel_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, channelID := range channelIDs {
		if _, err := stmt.ExecContext(ctx, runID, channelID); err != nil {
			return fmt.Errorf("failed to link channel %s: %w", channelID, err)
		}
	}
	return tx.Commit()
}

// ListRunChannelIDs returns the channel IDs a run discovered, in insertion
// order by channel ID.
func (r *RunRepository) ListRunChannelIDs(ctx context.Context, runID string) ([]string, error) {
	query := `SELECT channel_id FROM run_channels WHERE run_id = $1 ORDER BY channel_id`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var parentRunID sql.NullString
	err := row.Scan(
		&run.ID, &run.Keyword, &run.ProductSnapshot, &run.Phase, &run.Mode,
		&run.Incremental, &parentRunID, &run.TotalChannels, &run.ProcessedChannels,
		&run.NewChannels, &run.FailedAnalyses, &run.ErrorMessage,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.ParentRunID = parentRunID.String
	return &run, nil
}
