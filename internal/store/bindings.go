package store

import (
	"context"
	"database/sql"
	"fmt"
)

const bindingColumns = `platform_id, instance_id, id, site_name, site_url, email, username, password, site_id, created_at`

func scanBinding(row rowScanner) (Binding, error) {
	var b Binding
	err := row.Scan(
		&b.PlatformID,
		&b.InstanceID,
		&b.ID,
		&b.SiteName,
		&b.SiteURL,
		&b.Email,
		&b.Username,
		&b.Password,
		&b.SiteID,
		&b.CreatedAt,
	)
	return b, err
}

func (q *Queries) CreateBinding(ctx context.Context, b Binding) error {
	_, err := q.exec(ctx, `
		INSERT INTO bindings (`+bindingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.PlatformID,
		b.InstanceID,
		b.ID,
		b.SiteName,
		b.SiteURL,
		b.Email,
		b.Username,
		b.Password,
		b.SiteID,
		b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create binding: %w", err)
	}
	return nil
}

// GetBinding returns sql.ErrNoRows when the binding does not exist.
func (q *Queries) GetBinding(ctx context.Context, key InstanceKey, id string) (Binding, error) {
	return scanBinding(q.queryRow(ctx,
		`SELECT `+bindingColumns+` FROM bindings WHERE platform_id = ? AND instance_id = ? AND id = ?`,
		key.PlatformID, key.InstanceID, id,
	))
}

func (q *Queries) ListBindingsByInstance(ctx context.Context, key InstanceKey) ([]Binding, error) {
	rows, err := q.query(ctx,
		`SELECT `+bindingColumns+` FROM bindings
		WHERE platform_id = ? AND instance_id = ?
		ORDER BY created_at, id`,
		key.PlatformID, key.InstanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	bindings := []Binding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// DeleteBinding returns a wrapped sql.ErrNoRows when nothing was deleted.
func (q *Queries) DeleteBinding(ctx context.Context, key InstanceKey, id string) error {
	n, err := q.exec(ctx,
		`DELETE FROM bindings WHERE platform_id = ? AND instance_id = ? AND id = ?`,
		key.PlatformID, key.InstanceID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to delete binding: %w", sql.ErrNoRows)
	}
	return nil
}

// DeleteBindingsByInstance removes every binding of an instance and
// returns how many were removed.
func (q *Queries) DeleteBindingsByInstance(ctx context.Context, key InstanceKey) (int64, error) {
	n, err := q.exec(ctx,
		`DELETE FROM bindings WHERE platform_id = ? AND instance_id = ?`,
		key.PlatformID, key.InstanceID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete bindings: %w", err)
	}
	return n, nil
}
