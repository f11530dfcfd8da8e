package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"recipejanitor/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir(), 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.DB.Close() })
	return st
}

func insertTestRun(t *testing.T, st *Store, id string, status core.RunStatus) *core.Run {
	t.Helper()
	run := &core.Run{
		ID:          id,
		TaskID:      "tag-cleanup",
		Status:      status,
		Options:     core.Options{"dry_run": true},
		TriggeredBy: "api",
		LogPath:     st.RunLogPath(id),
		CreatedAt:   core.UTCNow(),
	}
	if err := st.InsertRun(context.Background(), run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	return run
}

func TestRunRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	scheduleID := "sched-1"
	run := &core.Run{
		ID:          "run-1",
		TaskID:      "ingredient-parse",
		Status:      core.RunStatusQueued,
		Options:     core.Options{"limit": float64(100), "parser": "strict"},
		TriggeredBy: core.TriggeredByScheduler,
		ScheduleID:  &scheduleID,
		LogPath:     st.RunLogPath("run-1"),
		CreatedAt:   core.UTCNow(),
	}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := st.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.TaskID != run.TaskID || got.Status != run.Status || got.TriggeredBy != run.TriggeredBy {
		t.Fatalf("got %+v, want %+v", got, run)
	}
	if got.ScheduleID == nil || *got.ScheduleID != scheduleID {
		t.Fatalf("ScheduleID = %v, want %s", got.ScheduleID, scheduleID)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
	if got.Options["parser"] != "strict" {
		t.Fatalf("Options = %v, want parser preserved", got.Options)
	}

	if _, err := st.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun missing = %v, want %v", err, ErrRunNotFound)
	}
}

func TestRunTransitionsAreGuarded(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertTestRun(t, st, "run-1", core.RunStatusQueued)

	if err := st.MarkRunStarted(ctx, "run-1", core.UTCNow()); err != nil {
		t.Fatalf("MarkRunStarted: %v", err)
	}
	// Starting a run twice must fail: it is no longer queued.
	if err := st.MarkRunStarted(ctx, "run-1", core.UTCNow()); !errors.Is(err, ErrRunAlreadyFinal) {
		t.Fatalf("second MarkRunStarted = %v, want %v", err, ErrRunAlreadyFinal)
	}

	code := 0
	if err := st.CompleteRun(ctx, "run-1", core.RunStatusSucceeded, core.UTCNow(), &code, nil); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	// A late completion must not rewrite the terminal row.
	msg := "too late"
	err := st.CompleteRun(ctx, "run-1", core.RunStatusFailed, core.UTCNow(), nil, &msg)
	if !errors.Is(err, ErrRunAlreadyFinal) {
		t.Fatalf("late CompleteRun = %v, want %v", err, ErrRunAlreadyFinal)
	}
	got, _ := st.GetRun(ctx, "run-1")
	if got.Status != core.RunStatusSucceeded {
		t.Fatalf("Status = %s after late completion, want succeeded", got.Status)
	}

	// The log-size annotation is still allowed on terminal rows.
	if err := st.SetRunLogSize(ctx, "run-1", 42); err != nil {
		t.Fatalf("SetRunLogSize: %v", err)
	}
	got, _ = st.GetRun(ctx, "run-1")
	if got.LogSize == nil || *got.LogSize != 42 {
		t.Fatalf("LogSize = %v, want 42", got.LogSize)
	}
}

func TestCancelQueuedRunTransition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	insertTestRun(t, st, "run-1", core.RunStatusQueued)

	if err := st.CompleteRun(ctx, "run-1", core.RunStatusCanceled, core.UTCNow(), nil, nil); err != nil {
		t.Fatalf("CompleteRun canceled: %v", err)
	}
	// The worker's subsequent start attempt is rejected.
	if err := st.MarkRunStarted(ctx, "run-1", core.UTCNow()); !errors.Is(err, ErrRunAlreadyFinal) {
		t.Fatalf("MarkRunStarted after cancel = %v, want %v", err, ErrRunAlreadyFinal)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := core.UTCNow().Add(-time.Minute)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := &core.Run{
			ID:          id,
			TaskID:      "tag-cleanup",
			Status:      core.RunStatusQueued,
			TriggeredBy: "api",
			LogPath:     st.RunLogPath(id),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := st.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun %s: %v", id, err)
		}
	}

	runs, err := st.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[0].ID != "run-c" || runs[2].ID != "run-a" {
		t.Fatalf("order = %s..%s, want newest first", runs[0].ID, runs[2].ID)
	}

	filtered, err := st.ListRuns(ctx, "no-such-task", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns filtered: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("filtered len = %d, want 0", len(filtered))
	}
}

func TestHasActiveRunForSchedule(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	scheduleID := "sched-1"
	run := &core.Run{
		ID:          "run-1",
		TaskID:      "tag-cleanup",
		Status:      core.RunStatusRunning,
		TriggeredBy: core.TriggeredByScheduler,
		ScheduleID:  &scheduleID,
		LogPath:     st.RunLogPath("run-1"),
		CreatedAt:   core.UTCNow(),
	}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	active, err := st.HasActiveRunForSchedule(ctx, scheduleID)
	if err != nil {
		t.Fatalf("HasActiveRunForSchedule: %v", err)
	}
	if !active {
		t.Fatal("expected an active run")
	}

	if err := st.CompleteRun(ctx, "run-1", core.RunStatusSucceeded, core.UTCNow(), nil, nil); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	active, err = st.HasActiveRunForSchedule(ctx, scheduleID)
	if err != nil {
		t.Fatalf("HasActiveRunForSchedule: %v", err)
	}
	if active {
		t.Fatal("expected no active run after completion")
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	start := core.UTCNow().Add(time.Hour)
	sched := &core.Schedule{
		ID:     "sched-1",
		Name:   "nightly cleanup",
		TaskID: "tag-cleanup",
		Kind:   core.ScheduleKindInterval,
		Trigger: core.TriggerSpec{
			Seconds:     86400,
			StartAt:     &start,
			RunIfMissed: true,
		},
		Options: core.Options{"min_uses": float64(2)},
		Enabled: true,
	}
	if err := st.InsertSchedule(ctx, sched); err != nil {
		t.Fatalf("InsertSchedule: %v", err)
	}

	got, err := st.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Name != sched.Name || got.TaskID != sched.TaskID || got.Kind != sched.Kind {
		t.Fatalf("got %+v, want %+v", got, sched)
	}
	if got.Trigger.Seconds != 86400 || !got.Trigger.RunIfMissed {
		t.Fatalf("Trigger = %+v, want it preserved", got.Trigger)
	}
	if got.Trigger.StartAt == nil || !got.Trigger.StartAt.Equal(start) {
		t.Fatalf("StartAt = %v, want %v", got.Trigger.StartAt, start)
	}

	got.Enabled = false
	if err := st.UpdateSchedule(ctx, got); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	updated, _ := st.GetSchedule(ctx, "sched-1")
	if updated.Enabled {
		t.Fatal("expected schedule to be disabled")
	}

	fired := core.UTCNow()
	next := fired.Add(24 * time.Hour)
	if err := st.RecordScheduleFired(ctx, "sched-1", fired, &next); err != nil {
		t.Fatalf("RecordScheduleFired: %v", err)
	}
	updated, _ = st.GetSchedule(ctx, "sched-1")
	if updated.LastEnqueuedAt == nil || !updated.LastEnqueuedAt.Equal(fired) {
		t.Fatalf("LastEnqueuedAt = %v, want %v", updated.LastEnqueuedAt, fired)
	}
	if updated.NextFireAt == nil || !updated.NextFireAt.Equal(next) {
		t.Fatalf("NextFireAt = %v, want %v", updated.NextFireAt, next)
	}

	if err := st.UpdateScheduleNextFire(ctx, "sched-1", nil); err != nil {
		t.Fatalf("UpdateScheduleNextFire: %v", err)
	}
	updated, _ = st.GetSchedule(ctx, "sched-1")
	if updated.NextFireAt != nil {
		t.Fatalf("NextFireAt = %v, want nil", updated.NextFireAt)
	}

	if err := st.DeleteSchedule(ctx, "sched-1"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := st.GetSchedule(ctx, "sched-1"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("GetSchedule deleted = %v, want %v", err, ErrScheduleNotFound)
	}
	if err := st.DeleteSchedule(ctx, "sched-1"); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("DeleteSchedule twice = %v, want %v", err, ErrScheduleNotFound)
	}
}

func TestTaskPolicyUpsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Absence means "not allowed", reported as a nil policy.
	policy, err := st.GetTaskPolicy(ctx, "tag-cleanup")
	if err != nil {
		t.Fatalf("GetTaskPolicy: %v", err)
	}
	if policy != nil {
		t.Fatalf("policy = %+v, want nil when unset", policy)
	}

	set, err := st.SetTaskPolicy(ctx, "tag-cleanup", true)
	if err != nil {
		t.Fatalf("SetTaskPolicy: %v", err)
	}
	if !set.AllowDangerous {
		t.Fatal("expected AllowDangerous = true")
	}

	set, err = st.SetTaskPolicy(ctx, "tag-cleanup", false)
	if err != nil {
		t.Fatalf("SetTaskPolicy update: %v", err)
	}
	if set.AllowDangerous {
		t.Fatal("expected AllowDangerous = false after update")
	}

	policies, err := st.ListTaskPolicies(ctx)
	if err != nil {
		t.Fatalf("ListTaskPolicies: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("len = %d, want 1, upsert must not duplicate rows", len(policies))
	}
}

func TestPruneRunLogsKeepsNewest(t *testing.T) {
	st := openTestStore(t)
	if err := st.EnsureRunLogDir(); err != nil {
		t.Fatalf("EnsureRunLogDir: %v", err)
	}

	names := []string{"old-1", "old-2", "new-1", "new-2", "new-3"}
	base := time.Now().Add(-time.Hour)
	for i, name := range names {
		path := st.RunLogPath(name)
		if err := os.WriteFile(path, []byte(name), 0o644); err != nil {
			t.Fatalf("write log: %v", err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if err := st.PruneRunLogs(); err != nil {
		t.Fatalf("PruneRunLogs: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(st.StateDir, "runlogs"))
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("remaining logs = %d, want retention of 3", len(entries))
	}
	for _, entry := range entries {
		if entry.Name() == "old-1.log" || entry.Name() == "old-2.log" {
			t.Fatalf("stale log %s survived pruning", entry.Name())
		}
	}
}
