package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lokalshop/engine/internal/models"
)

// CatalogRepository is the read-mostly window onto the product catalog.
// Catalog editing itself lives elsewhere; the engine only searches it.
type CatalogRepository struct {
	db *DB
}

func NewCatalogRepository(db *DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// Search returns catalog entries whose title or keyword list mentions any of
// the labels, case-insensitively. Ranking happens in the matcher; this query
// just narrows the candidate set.
func (r *CatalogRepository) Search(ctx context.Context, labels []string) ([]models.Product, error) {
	if len(labels) == 0 {
		return nil, nil
	}

	var conds []string
	var args []interface{}
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		pattern := "%" + strings.ToLower(label) + "%"
		conds = append(conds, "(LOWER(title) LIKE ? OR LOWER(keywords) LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, title, brand, price, rating, review_count, keywords
		FROM products
		WHERE %s
		ORDER BY rating DESC, review_count DESC
		LIMIT 200`, strings.Join(conds, " OR "))

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

func (r *CatalogRepository) Insert(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	keywordsJSON, err := json.Marshal(p.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO products (id, title, brand, price, rating, review_count, keywords)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.conn.ExecContext(ctx, query,
		p.ID, p.Title, p.Brand, p.Price, p.Rating, p.ReviewCount, string(keywordsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(row rowScanner) (models.Product, error) {
	var p models.Product
	var keywordsJSON string

	if err := row.Scan(&p.ID, &p.Title, &p.Brand, &p.Price,
		&p.Rating, &p.ReviewCount, &keywordsJSON); err != nil {
		return p, fmt.Errorf("failed to scan product: %w", err)
	}

	if keywordsJSON != "" {
		if err := json.Unmarshal([]byte(keywordsJSON), &p.Keywords); err != nil {
			p.Keywords = nil
		}
	}
	return p, nil
}
