package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recipejanitor/internal/core"
)

var ErrScheduleNotFound = errors.New("schedule not found")

func (s *Store) InsertSchedule(ctx context.Context, sched *core.Schedule) error {
	now := core.UTCNow()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	trigger, options, err := marshalSchedulePayloads(sched)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO schedules (id, name, task_id, kind, trigger_spec, options, enabled, created_at, updated_at, last_enqueued_at, next_fire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.Name, sched.TaskID, sched.Kind, trigger, options, boolToInt(sched.Enabled),
		sched.CreatedAt.Format(time.RFC3339), sched.UpdatedAt.Format(time.RFC3339),
		nullableTime(sched.LastEnqueuedAt), nullableTime(sched.NextFireAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *core.Schedule) error {
	sched.UpdatedAt = core.UTCNow()
	trigger, options, err := marshalSchedulePayloads(sched)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET name = ?, task_id = ?, kind = ?, trigger_spec = ?, options = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, sched.Name, sched.TaskID, sched.Kind, trigger, options, boolToInt(sched.Enabled),
		sched.UpdatedAt.Format(time.RFC3339), sched.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, task_id, kind, trigger_spec, options, enabled, created_at, updated_at, last_enqueued_at, next_fire_at
		FROM schedules WHERE id = ?
	`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sched, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, task_id, kind, trigger_spec, options, enabled, created_at, updated_at, last_enqueued_at, next_fire_at
		FROM schedules
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var schedules []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

// RecordScheduleFired stamps the fire time and the next expected fire in one
// write.
func (s *Store) RecordScheduleFired(ctx context.Context, id string, firedAt time.Time, nextFireAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET last_enqueued_at = ?, next_fire_at = ?
		WHERE id = ?
	`, firedAt.UTC().Format(time.RFC3339), nullableTime(nextFireAt), id)
	if err != nil {
		return fmt.Errorf("record schedule fired: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleNextFire(ctx context.Context, id string, nextFireAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET next_fire_at = ?
		WHERE id = ?
	`, nullableTime(nextFireAt), id)
	if err != nil {
		return fmt.Errorf("update schedule next fire: %w", err)
	}
	return nil
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*core.Schedule, error) {
	var (
		id             string
		name           string
		taskID         string
		kind           string
		trigger        string
		options        string
		enabled        int
		createdAt      string
		updatedAt      string
		lastEnqueuedAt sql.NullString
		nextFireAt     sql.NullString
	)
	if err := scanner.Scan(&id, &name, &taskID, &kind, &trigger, &options, &enabled,
		&createdAt, &updatedAt, &lastEnqueuedAt, &nextFireAt); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched := &core.Schedule{
		ID:             id,
		Name:           name,
		TaskID:         taskID,
		Kind:           core.ScheduleKind(kind),
		Enabled:        enabled != 0,
		CreatedAt:      mustParseTime(createdAt),
		UpdatedAt:      mustParseTime(updatedAt),
		LastEnqueuedAt: parseTimePtr(lastEnqueuedAt),
		NextFireAt:     parseTimePtr(nextFireAt),
	}
	if err := json.Unmarshal([]byte(trigger), &sched.Trigger); err != nil {
		return nil, fmt.Errorf("decode schedule trigger: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &sched.Options); err != nil {
		return nil, fmt.Errorf("decode schedule options: %w", err)
	}
	return sched, nil
}

func marshalSchedulePayloads(sched *core.Schedule) (trigger string, options string, err error) {
	triggerData, err := json.Marshal(sched.Trigger)
	if err != nil {
		return "", "", fmt.Errorf("encode schedule trigger: %w", err)
	}
	options, err = marshalOptions(sched.Options)
	if err != nil {
		return "", "", fmt.Errorf("encode schedule options: %w", err)
	}
	return string(triggerData), options, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
