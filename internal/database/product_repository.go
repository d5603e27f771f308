package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kolscope/kolscope/internal/models"
)

// ProductRepository handles product-context persistence.
type ProductRepository struct {
	db *sql.DB
}

// NewProductRepository creates a new product repository.
func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `id, name, url, description, core_features, target_audience,
	keywords, active, created_at, updated_at, last_scraped_at`

// GetActive returns the active product configuration, or nil when none is
// configured yet.
func (r *ProductRepository) GetActive(ctx context.Context) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products
		WHERE active = TRUE ORDER BY updated_at DESC LIMIT 1`

	var p models.Product
	var features, keywords []byte
	err := r.db.QueryRowContext(ctx, query).Scan(
		&p.ID, &p.Name, &p.URL, &p.Description, &features, &p.TargetAudience,
		&keywords, &p.Active, &p.CreatedAt, &p.UpdatedAt, &p.LastScrapedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active product: %w", err)
	}

	if err := scanJSONB(features, &p.CoreFeatures); err != nil {
		return nil, err
	}
	if err := scanJSONB(keywords, &p.Keywords); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save inserts a product or updates an existing one by ID.
func (r *ProductRepository) Save(ctx context.Context, p *models.Product) error {
	features, err := jsonbValue(p.CoreFeatures)
	if err != nil {
		return err
	}
	keywords, err := jsonbValue(p.Keywords)
	if err != nil {
		return err
	}

	if p.ID == 0 {
		query := `
			INSERT INTO products (name, url, description, core_features, target_audience,
				keywords, active, last_scraped_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at`

		err = r.db.QueryRowContext(ctx, query,
			p.Name, p.URL, p.Description, features, p.TargetAudience,
			keywords, p.Active, p.LastScrapedAt,
		).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}
		return nil
	}

	query := `
		UPDATE products
		SET name = $2, url = $3, description = $4, core_features = $5,
			target_audience = $6, keywords = $7, active = $8,
			last_scraped_at = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err = r.db.QueryRowContext(ctx, query,
		p.ID, p.Name, p.URL, p.Description, features, p.TargetAudience,
		keywords, p.Active, p.LastScrapedAt,
	).Scan(&p.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("product %d not found", p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return nil
}
