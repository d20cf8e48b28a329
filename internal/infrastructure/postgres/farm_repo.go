package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/farmregistry/farm-service/internal/domain"
)

const (
	insertFarmSQL = `
INSERT INTO farms (id, name, address, canton, coordinates, categories, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	listFarmsSQL = `
SELECT id, name, address, canton, coordinates, categories, created_at, updated_at
FROM farms
ORDER BY created_at DESC, id
LIMIT $1`
)

// FarmRepo stores farms through database/sql.
type FarmRepo struct {
	db *sql.DB
}

func NewFarmRepo(db *sql.DB) *FarmRepo { return &FarmRepo{db: db} }

func (r *FarmRepo) Create(ctx context.Context, f domain.Farm) error {
	_, err := r.db.ExecContext(ctx, insertFarmSQL,
		f.ID, f.Name, f.Address, f.Canton, f.Coordinates, pq.Array(f.Categories),
		f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert farm: %w", err)
	}
	return nil
}

func (r *FarmRepo) List(ctx context.Context, limit int) ([]domain.Farm, error) {
	rows, err := r.db.QueryContext(ctx, listFarmsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list farms: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Farm, 0, limit)
	for rows.Next() {
		var f domain.Farm
		var categories []string
		if err := rows.Scan(
			&f.ID, &f.Name, &f.Address, &f.Canton, &f.Coordinates, pq.Array(&categories),
			&f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan farm: %w", err)
		}
		if categories == nil {
			categories = []string{}
		}
		f.Categories = categories
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list farms: %w", err)
	}
	return out, nil
}

// Ping is used by the readiness check.
func (r *FarmRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
