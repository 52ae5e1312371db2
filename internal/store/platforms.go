package store

import (
	"context"
	"fmt"
)

func (q *Queries) CreatePlatform(ctx context.Context, p Platform) error {
	_, err := q.exec(ctx,
		`INSERT INTO platforms (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create platform: %w", err)
	}
	return nil
}

// GetPlatform returns sql.ErrNoRows when the platform is not registered.
func (q *Queries) GetPlatform(ctx context.Context, id string) (Platform, error) {
	var p Platform
	err := q.queryRow(ctx,
		`SELECT id, name, created_at FROM platforms WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	return p, err
}

func (q *Queries) ListPlatforms(ctx context.Context) ([]Platform, error) {
	rows, err := q.query(ctx, `SELECT id, name, created_at FROM platforms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	defer rows.Close()

	platforms := []Platform{}
	for rows.Next() {
		var p Platform
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan platform: %w", err)
		}
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}
