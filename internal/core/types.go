package core

import (
	"context"
	"time"
)

// RunStatus describes the state of an individual execution attempt.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether the status admits no further transition.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// TriggeredByScheduler is recorded on runs enqueued by a schedule fire.
const TriggeredByScheduler = "scheduler"

// Options is the opaque, JSON-shaped option document attached to a run or
// schedule. The task registry decides what the keys mean.
type Options map[string]any

// Run captures a single execution attempt of a task.
type Run struct {
	ID          string
	TaskID      string
	Status      RunStatus
	Options     Options
	TriggeredBy string
	ScheduleID  *string
	LogPath     string
	LogSize     *int64
	ExitCode    *int
	Error       *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// ScheduleKind distinguishes recurring from one-shot triggers.
type ScheduleKind string

const (
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindOnce     ScheduleKind = "once"
)

// Schedule is a persisted trigger that enqueues runs of a task on a timer.
type Schedule struct {
	ID             string
	Name           string
	TaskID         string
	Kind           ScheduleKind
	Trigger        TriggerSpec
	Options        Options
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastEnqueuedAt *time.Time
	NextFireAt     *time.Time
}

// TaskPolicy records whether a task may perform dangerous (persisting)
// operations. Absence of a row means "not allowed".
type TaskPolicy struct {
	TaskID         string
	AllowDangerous bool
	UpdatedAt      time.Time
}

// ExecutionPlan is the transient product of the task registry for one run
// attempt. It is never persisted.
type ExecutionPlan struct {
	Command            []string
	Env                map[string]string
	DangerousRequested bool
}

// ExecutionBuilder turns (task_id, options) into an ExecutionPlan. A failure
// is descriptive and never fatal to the queue.
type ExecutionBuilder interface {
	BuildExecution(taskID string, options Options) (*ExecutionPlan, error)
	Has(taskID string) bool
}

// EnvProvider returns the runtime secrets/settings merged into every
// subprocess environment. It is called fresh at each run start.
type EnvProvider func() map[string]string

// Notifier delivers run-outcome notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Store abstracts the persistence layer consumed by the queue, the scheduler
// and the policy gate.
type Store interface {
	// Run operations
	InsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error
	CompleteRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time, exitCode *int, errMsg *string) error
	SetRunLogSize(ctx context.Context, id string, size int64) error
	HasActiveRunForSchedule(ctx context.Context, scheduleID string) (bool, error)

	// Schedule operations
	InsertSchedule(ctx context.Context, sched *Schedule) error
	UpdateSchedule(ctx context.Context, sched *Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	RecordScheduleFired(ctx context.Context, id string, firedAt time.Time, nextFireAt *time.Time) error
	UpdateScheduleNextFire(ctx context.Context, id string, nextFireAt *time.Time) error

	// Policy operations
	GetTaskPolicy(ctx context.Context, taskID string) (*TaskPolicy, error)

	// Log helpers
	RunLogPath(runID string) string
	EnsureRunLogDir() error
	PruneRunLogs() error

	// Identity returns a stable token for this backing store, used to key the
	// process-wide fire dispatch table.
	Identity() string
}

// UTCNow returns the current time in UTC at second precision, matching the
// precision of persisted timestamps.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
