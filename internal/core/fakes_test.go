package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

var (
	errFakeRunNotFound      = errors.New("run not found")
	errFakeRunAlreadyFinal  = errors.New("run already final")
	errFakeScheduleNotFound = errors.New("schedule not found")
)

// memStore is an in-memory Store used by queue and scheduler tests.
type memStore struct {
	mu        sync.Mutex
	dir       string
	runs      map[string]*Run
	schedules map[string]*Schedule
	policies  map[string]*TaskPolicy
}

func newMemStore(dir string) *memStore {
	return &memStore{
		dir:       dir,
		runs:      make(map[string]*Run),
		schedules: make(map[string]*Schedule),
		policies:  make(map[string]*TaskPolicy),
	}
}

func (m *memStore) InsertRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *run
	m.runs[run.ID] = &clone
	return nil
}

func (m *memStore) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, errFakeRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (m *memStore) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return errFakeRunNotFound
	}
	if run.Status != RunStatusQueued {
		return errFakeRunAlreadyFinal
	}
	run.Status = RunStatusRunning
	run.StartedAt = &startedAt
	return nil
}

func (m *memStore) CompleteRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time, exitCode *int, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return errFakeRunNotFound
	}
	if run.Status.IsTerminal() {
		return errFakeRunAlreadyFinal
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.ExitCode = exitCode
	run.Error = errMsg
	return nil
}

func (m *memStore) SetRunLogSize(ctx context.Context, id string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return errFakeRunNotFound
	}
	run.LogSize = &size
	return nil
}

func (m *memStore) HasActiveRunForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.ScheduleID != nil && *run.ScheduleID == scheduleID && !run.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertSchedule(ctx context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sched
	m.schedules[sched.ID] = &clone
	return nil
}

func (m *memStore) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[sched.ID]; !ok {
		return errFakeScheduleNotFound
	}
	clone := *sched
	m.schedules[sched.ID] = &clone
	return nil
}

func (m *memStore) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return errFakeScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, errFakeScheduleNotFound
	}
	clone := *sched
	return &clone, nil
}

func (m *memStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, sched := range m.schedules {
		clone := *sched
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) RecordScheduleFired(ctx context.Context, id string, firedAt time.Time, nextFireAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return errFakeScheduleNotFound
	}
	sched.LastEnqueuedAt = &firedAt
	sched.NextFireAt = nextFireAt
	return nil
}

func (m *memStore) UpdateScheduleNextFire(ctx context.Context, id string, nextFireAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return errFakeScheduleNotFound
	}
	sched.NextFireAt = nextFireAt
	return nil
}

func (m *memStore) GetTaskPolicy(ctx context.Context, taskID string) (*TaskPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy, ok := m.policies[taskID]
	if !ok {
		return nil, nil
	}
	clone := *policy
	return &clone, nil
}

func (m *memStore) setPolicy(taskID string, allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[taskID] = &TaskPolicy{TaskID: taskID, AllowDangerous: allow, UpdatedAt: UTCNow()}
}

func (m *memStore) RunLogPath(runID string) string {
	return filepath.Join(m.dir, runID+".log")
}

func (m *memStore) EnsureRunLogDir() error { return nil }

func (m *memStore) PruneRunLogs() error { return nil }

func (m *memStore) Identity() string { return m.dir }

// memRegistry maps task ids to fixed execution plans.
type memRegistry struct {
	plans map[string]*ExecutionPlan
	errs  map[string]error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		plans: make(map[string]*ExecutionPlan),
		errs:  make(map[string]error),
	}
}

func (r *memRegistry) addShellTask(taskID, script string) {
	r.plans[taskID] = &ExecutionPlan{Command: []string{"/bin/sh", "-c", script}}
}

func (r *memRegistry) BuildExecution(taskID string, options Options) (*ExecutionPlan, error) {
	if err, ok := r.errs[taskID]; ok {
		return nil, err
	}
	plan, ok := r.plans[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", taskID)
	}
	clone := *plan
	if dangerous, ok := options["dangerous"].(bool); ok {
		clone.DangerousRequested = dangerous
	}
	return &clone, nil
}

func (r *memRegistry) Has(taskID string) bool {
	_, planned := r.plans[taskID]
	_, failing := r.errs[taskID]
	return planned || failing
}
