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

var (
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyFinal signals a rejected transition on a terminal run row.
	// Terminal rows are immutable apart from the log-size annotation.
	ErrRunAlreadyFinal = errors.New("run already in a terminal status")
)

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	options, err := marshalOptions(run.Options)
	if err != nil {
		return fmt.Errorf("encode run options: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, options, triggered_by, schedule_id, log_path, log_size, exit_code, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.Status, options, run.TriggeredBy, nullableString(run.ScheduleID),
		run.LogPath, nullableInt64(run.LogSize), nullableInt(run.ExitCode), nullableString(run.Error),
		run.CreatedAt.UTC().Format(time.RFC3339), nullableTime(run.StartedAt), nullableTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// MarkRunStarted moves a queued run to running. A run that is no longer
// queued (canceled in the meantime) is left untouched and reported as
// ErrRunAlreadyFinal.
func (s *Store) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, core.RunStatusRunning, startedAt.UTC().Format(time.RFC3339), id, core.RunStatusQueued)
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return s.transitionOutcome(ctx, res, id)
}

// CompleteRun writes a terminal status. The guard on the current status makes
// a terminal row immutable: a late completion can never overwrite an earlier
// cancellation.
func (s *Store) CompleteRun(ctx context.Context, id string, status core.RunStatus, finishedAt time.Time, exitCode *int, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = ?, exit_code = ?, error = ?
		WHERE id = ? AND status IN (?, ?)
	`, status, finishedAt.UTC().Format(time.RFC3339), nullableInt(exitCode), nullableString(errMsg),
		id, core.RunStatusQueued, core.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return s.transitionOutcome(ctx, res, id)
}

// SetRunLogSize records the final log size, the one annotation allowed on a
// terminal run.
func (s *Store) SetRunLogSize(ctx context.Context, id string, size int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET log_size = ? WHERE id = ?`, size, id)
	if err != nil {
		return fmt.Errorf("set run log size: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, task_id, status, options, triggered_by, schedule_id, log_path, log_size, exit_code, error, created_at, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by task id.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, task_id, status, options, triggered_by, schedule_id, log_path, log_size, exit_code, error, created_at, started_at, finished_at
		FROM runs`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// HasActiveRunForSchedule reports whether a run enqueued by this schedule is
// still queued or running.
func (s *Store) HasActiveRunForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM runs
		WHERE schedule_id = ? AND status IN (?, ?)
	`, scheduleID, core.RunStatusQueued, core.RunStatusRunning).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count active runs: %w", err)
	}
	return count > 0, nil
}

func (s *Store) transitionOutcome(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrRunAlreadyFinal
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		id          string
		taskID      string
		status      string
		options     string
		triggeredBy string
		scheduleID  sql.NullString
		logPath     string
		logSize     sql.NullInt64
		exitCode    sql.NullInt64
		errMsg      sql.NullString
		createdAt   string
		startedAt   sql.NullString
		finishedAt  sql.NullString
	)
	if err := scanner.Scan(&id, &taskID, &status, &options, &triggeredBy, &scheduleID, &logPath,
		&logSize, &exitCode, &errMsg, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run := &core.Run{
		ID:          id,
		TaskID:      taskID,
		Status:      core.RunStatus(status),
		TriggeredBy: triggeredBy,
		LogPath:     logPath,
		CreatedAt:   mustParseTime(createdAt),
		StartedAt:   parseTimePtr(startedAt),
		FinishedAt:  parseTimePtr(finishedAt),
	}
	if err := json.Unmarshal([]byte(options), &run.Options); err != nil {
		return nil, fmt.Errorf("decode run options: %w", err)
	}
	if scheduleID.Valid {
		run.ScheduleID = &scheduleID.String
	}
	if logSize.Valid {
		run.LogSize = &logSize.Int64
	}
	if exitCode.Valid {
		val := int(exitCode.Int64)
		run.ExitCode = &val
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func marshalOptions(options core.Options) (string, error) {
	if options == nil {
		return "{}", nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
