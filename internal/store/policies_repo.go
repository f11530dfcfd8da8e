package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recipejanitor/internal/core"
)

// GetTaskPolicy returns the policy for a task, or nil when none has been
// recorded. The callers treat absence as "dangerous operations not allowed".
func (s *Store) GetTaskPolicy(ctx context.Context, taskID string) (*core.TaskPolicy, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, allow_dangerous, updated_at
		FROM task_policies WHERE task_id = ?
	`, taskID)
	var (
		id             string
		allowDangerous int
		updatedAt      string
	)
	if err := row.Scan(&id, &allowDangerous, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan task policy: %w", err)
	}
	return &core.TaskPolicy{
		TaskID:         id,
		AllowDangerous: allowDangerous != 0,
		UpdatedAt:      mustParseTime(updatedAt),
	}, nil
}

// SetTaskPolicy upserts the per-task dangerous-operation policy.
func (s *Store) SetTaskPolicy(ctx context.Context, taskID string, allowDangerous bool) (*core.TaskPolicy, error) {
	now := core.UTCNow()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_policies (task_id, allow_dangerous, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET allow_dangerous = excluded.allow_dangerous, updated_at = excluded.updated_at
	`, taskID, boolToInt(allowDangerous), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("set task policy: %w", err)
	}
	return &core.TaskPolicy{TaskID: taskID, AllowDangerous: allowDangerous, UpdatedAt: now}, nil
}

// ListTaskPolicies returns every recorded policy.
func (s *Store) ListTaskPolicies(ctx context.Context) ([]*core.TaskPolicy, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, allow_dangerous, updated_at
		FROM task_policies
		ORDER BY task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list task policies: %w", err)
	}
	defer rows.Close()
	var policies []*core.TaskPolicy
	for rows.Next() {
		var (
			id             string
			allowDangerous int
			updatedAt      string
		)
		if err := rows.Scan(&id, &allowDangerous, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task policy: %w", err)
		}
		policies = append(policies, &core.TaskPolicy{
			TaskID:         id,
			AllowDangerous: allowDangerous != 0,
			UpdatedAt:      mustParseTime(updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return policies, nil
}
