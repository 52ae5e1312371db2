package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const instanceColumns = `platform_id, id, internal_id, name, plan_kind, version,
	admin_user, admin_password, admin_email, config_artifact, access_token, site_id,
	created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var i Instance
	err := row.Scan(
		&i.PlatformID,
		&i.ID,
		&i.InternalID,
		&i.Name,
		&i.PlanKind,
		&i.Version,
		&i.AdminUser,
		&i.AdminPassword,
		&i.AdminEmail,
		&i.ConfigArtifact,
		&i.AccessToken,
		&i.SiteID,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.DeletedAt,
	)
	return i, err
}

func (q *Queries) CreateInstance(ctx context.Context, i Instance) error {
	_, err := q.exec(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.PlatformID,
		i.ID,
		i.InternalID,
		i.Name,
		i.PlanKind,
		i.Version,
		i.AdminUser,
		i.AdminPassword,
		i.AdminEmail,
		i.ConfigArtifact,
		i.AccessToken,
		i.SiteID,
		i.CreatedAt,
		i.UpdatedAt,
		i.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance returns the row, tombstones included, or sql.ErrNoRows.
func (q *Queries) GetInstance(ctx context.Context, key InstanceKey) (Instance, error) {
	return scanInstance(q.queryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE platform_id = ? AND id = ?`,
		key.PlatformID, key.InstanceID,
	))
}

// ListInstancesByID returns every row with the given external id across platforms.
func (q *Queries) ListInstancesByID(ctx context.Context, id string) ([]Instance, error) {
	return q.listInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ? ORDER BY platform_id`, id)
}

// ListInstancesByPlatform returns the live instances of a platform.
func (q *Queries) ListInstancesByPlatform(ctx context.Context, platformID string) ([]Instance, error) {
	return q.listInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances
		WHERE platform_id = ? AND deleted_at IS NULL
		ORDER BY created_at, id`, platformID)
}

// ListLiveInstances returns every instance that is not a tombstone.
func (q *Queries) ListLiveInstances(ctx context.Context) ([]Instance, error) {
	return q.listInstances(ctx,
		`SELECT `+instanceColumns+` FROM instances
		WHERE deleted_at IS NULL
		ORDER BY platform_id, id`)
}

func (q *Queries) listInstances(ctx context.Context, query string, args ...any) ([]Instance, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := []Instance{}
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, i)
	}
	return instances, rows.Err()
}

// UpdateInstanceInstall stores what the first-run install produced.
func (q *Queries) UpdateInstanceInstall(ctx context.Context, key InstanceKey, siteID int64, accessToken string) error {
	return q.updateInstance(ctx, "update install result",
		`UPDATE instances SET site_id = ?, access_token = ?, updated_at = ?
		WHERE platform_id = ? AND id = ? AND deleted_at IS NULL`,
		siteID, accessToken, now(), key.PlatformID, key.InstanceID,
	)
}

func (q *Queries) UpdateInstanceConfigArtifact(ctx context.Context, key InstanceKey, artifact []byte) error {
	return q.updateInstance(ctx, "update config artifact",
		`UPDATE instances SET config_artifact = ?, updated_at = ?
		WHERE platform_id = ? AND id = ? AND deleted_at IS NULL`,
		artifact, now(), key.PlatformID, key.InstanceID,
	)
}

// UpdateInstanceRelease records the version (and name) an update installed.
func (q *Queries) UpdateInstanceRelease(ctx context.Context, key InstanceKey, version, name string) error {
	return q.updateInstance(ctx, "update release",
		`UPDATE instances SET version = ?, name = ?, updated_at = ?
		WHERE platform_id = ? AND id = ? AND deleted_at IS NULL`,
		version, name, now(), key.PlatformID, key.InstanceID,
	)
}

// TombstoneInstance drops the internal id and marks the row deleted.
func (q *Queries) TombstoneInstance(ctx context.Context, key InstanceKey) error {
	ts := now()
	return q.updateInstance(ctx, "tombstone instance",
		`UPDATE instances SET internal_id = NULL, access_token = NULL, updated_at = ?, deleted_at = ?
		WHERE platform_id = ? AND id = ? AND deleted_at IS NULL`,
		ts, ts, key.PlatformID, key.InstanceID,
	)
}

// PurgeInstance removes a tombstone so the external id can be reused.
func (q *Queries) PurgeInstance(ctx context.Context, key InstanceKey) error {
	return q.updateInstance(ctx, "purge instance",
		`DELETE FROM instances WHERE platform_id = ? AND id = ? AND deleted_at IS NOT NULL`,
		key.PlatformID, key.InstanceID,
	)
}

func (q *Queries) updateInstance(ctx context.Context, op, query string, args ...any) error {
	n, err := q.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s: %w", op, sql.ErrNoRows)
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}
