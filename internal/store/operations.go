package store

import (
	"context"
	"fmt"
)

// StateInProgress is the only state StartOperation refuses to overwrite.
const StateInProgress = "in progress"

const operationColumns = `platform_id, instance_id, kind, state, description, token, phase, updated_at`

func scanOperation(row rowScanner) (Operation, error) {
	var o Operation
	err := row.Scan(
		&o.PlatformID,
		&o.InstanceID,
		&o.Kind,
		&o.State,
		&o.Description,
		&o.Token,
		&o.Phase,
		&o.UpdatedAt,
	)
	return o, err
}

// StartOperation inserts or overwrites the operation of an instance unless
// the current one is still in progress. It reports whether the row was
// written; the check and the write are one statement.
func (q *Queries) StartOperation(ctx context.Context, o Operation) (bool, error) {
	n, err := q.exec(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_id, instance_id) DO UPDATE SET
			kind = excluded.kind,
			state = excluded.state,
			description = excluded.description,
			token = excluded.token,
			phase = excluded.phase,
			updated_at = excluded.updated_at
		WHERE operations.state <> '`+StateInProgress+`'`,
		o.PlatformID,
		o.InstanceID,
		o.Kind,
		StateInProgress,
		o.Description,
		o.Token,
		o.Phase,
		o.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start operation: %w", err)
	}
	return n == 1, nil
}

// GetOperation returns sql.ErrNoRows when the instance has no operation.
func (q *Queries) GetOperation(ctx context.Context, key InstanceKey) (Operation, error) {
	return scanOperation(q.queryRow(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE platform_id = ? AND instance_id = ?`,
		key.PlatformID, key.InstanceID,
	))
}

// FinishOperation moves an in-progress operation owned by token to a
// terminal state. It reports whether the row was written.
func (q *Queries) FinishOperation(ctx context.Context, key InstanceKey, token, state, description string) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE operations SET state = ?, description = ?, updated_at = ?
		WHERE platform_id = ? AND instance_id = ? AND token = ? AND state = '`+StateInProgress+`'`,
		state, description, now(), key.PlatformID, key.InstanceID, token,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish operation: %w", err)
	}
	return n == 1, nil
}

// CheckpointOperation records the last completed phase of an in-progress
// operation owned by token.
func (q *Queries) CheckpointOperation(ctx context.Context, key InstanceKey, token, phase, description string) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE operations SET phase = ?, description = ?, updated_at = ?
		WHERE platform_id = ? AND instance_id = ? AND token = ? AND state = '`+StateInProgress+`'`,
		phase, description, now(), key.PlatformID, key.InstanceID, token,
	)
	if err != nil {
		return false, fmt.Errorf("failed to checkpoint operation: %w", err)
	}
	return n == 1, nil
}

// ReclaimOperation hands an in-progress operation to a new token.
func (q *Queries) ReclaimOperation(ctx context.Context, key InstanceKey, oldToken, newToken string) (bool, error) {
	n, err := q.exec(ctx, `
		UPDATE operations SET token = ?, updated_at = ?
		WHERE platform_id = ? AND instance_id = ? AND token = ? AND state = '`+StateInProgress+`'`,
		newToken, now(), key.PlatformID, key.InstanceID, oldToken,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim operation: %w", err)
	}
	return n == 1, nil
}

// ListOperationsByState returns every operation in the given state.
func (q *Queries) ListOperationsByState(ctx context.Context, state string) ([]Operation, error) {
	rows, err := q.query(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE state = ? ORDER BY updated_at`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []Operation{}
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, o)
	}
	return ops, rows.Err()
}
