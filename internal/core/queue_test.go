package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*RunQueue, *memStore, *memRegistry) {
	t.Helper()
	st := newMemStore(t.TempDir())
	reg := newMemRegistry()
	env := func() map[string]string { return nil }
	return NewRunQueue(st, reg, env, discardLogger()), st, reg
}

func waitForStatus(t *testing.T, st *memStore, runID string, want RunStatus) *Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := st.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s, last status %s", runID, want, run.Status)
	return nil
}

func TestQueueRunsTaskToCompletion(t *testing.T) {
	queue, st, reg := newTestQueue(t)
	reg.addShellTask("greet", "echo hello")

	queue.Start()
	defer queue.Stop()

	run, err := queue.Enqueue(context.Background(), "greet", nil, "api", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if run.Status != RunStatusQueued {
		t.Fatalf("Status = %s, want queued", run.Status)
	}

	done := waitForStatus(t, st, run.ID, RunStatusSucceeded)
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Fatalf("ExitCode = %v, want 0", done.ExitCode)
	}
	if done.Error != nil {
		t.Fatalf("Error = %q, want nil", *done.Error)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatal("expected started_at and finished_at to be set")
	}

	log, err := queue.ReadLog(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if !strings.Contains(log, "hello") {
		t.Fatalf("log = %q, want it to contain %q", log, "hello")
	}
}

func TestQueueExecutesInEnqueueOrder(t *testing.T) {
	queue, st, reg := newTestQueue(t)
	marker := filepath.Join(t.TempDir(), "order")
	for _, name := range []string{"first", "second", "third"} {
		reg.addShellTask(name, fmt.Sprintf("echo %s >> %s", name, marker))
	}

	queue.Start()
	defer queue.Stop()

	var last string
	for _, name := range []string{"first", "second", "third"} {
		run, err := queue.Enqueue(context.Background(), name, nil, "api", nil)
		if err != nil {
			t.Fatalf("Enqueue %s: %v", name, err)
		}
		last = run.ID
	}
	waitForStatus(t, st, last, RunStatusSucceeded)

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("read marker file: %v", err)
	}
	got := strings.Fields(string(data))
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("marker lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

func TestQueueRecordsNonZeroExit(t *testing.T) {
	queue, st, reg := newTestQueue(t)
	reg.addShellTask("boom", "exit 3")

	queue.Start()
	defer queue.Stop()

	run, err := queue.Enqueue(context.Background(), "boom", nil, "api", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	done := waitForStatus(t, st, run.ID, RunStatusFailed)
	if done.ExitCode == nil || *done.ExitCode != 3 {
		t.Fatalf("ExitCode = %v, want 3", done.ExitCode)
	}
	if done.Error == nil || !strings.Contains(*done.Error, "exited with code 3") {
		t.Fatalf("Error = %v, want exit message", done.Error)
	}
}

func TestQueueRecordsBuildFailure(t *testing.T) {
	queue, st, reg := newTestQueue(t)
	reg.errs["broken"] = fmt.Errorf("option %q is not valid", "bogus")

	queue.Start()
	defer queue.Stop()

	run, err := queue.Enqueue(context.Background(), "broken", nil, "api", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	done := waitForStatus(t, st, run.ID, RunStatusFailed)
	if done.Error == nil || !strings.Contains(*done.Error, "build execution") {
		t.Fatalf("Error = %v, want build execution failure", done.Error)
	}
	if done.ExitCode != nil {
		t.Fatalf("ExitCode = %v, want nil, no process was spawned", *done.ExitCode)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	queue, st, reg := newTestQueue(t)
	reg.addShellTask("idle", "true")

	// Worker never started: the run stays queued.
	run, err := queue.Enqueue(context.Background(), "idle", nil, "api", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	canceled, err := queue.Cancel(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !canceled {
		t.Fatal("Cancel = false, want true for a queued run")
	}
	got, _ := st.GetRun(context.Background(), run.ID)
	if got.Status != RunStatusCanceled {
		t.Fatalf("Status = %s, want canceled", got.Status)
	}
	if got.StartedAt != nil {
		t.Fatal("expected started_at to stay unset, no process was spawned")
	}

	// Cancel is idempotent on terminal runs.
	canceled, err = queue.Cancel(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if canceled {
		t.Fatal("second Cancel = true, want false")
	}
}

func TestCancelRunningRun(t *testing.T) {
	queue, st, reg := newTestQueue(t)
	marker := filepath.Join(t.TempDir(), "started")
	reg.addShellTask("sleepy", fmt.Sprintf("touch %s; sleep 30", marker))

	queue.Start()
	defer queue.Stop()

	run, err := queue.Enqueue(context.Background(), "sleepy", nil, "api", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Wait for the subprocess to actually exist before canceling.
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subprocess never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	canceled, err := queue.Cancel(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !canceled {
		t.Fatal("Cancel = false, want true for a running run")
	}

	got := waitForStatus(t, st, run.ID, RunStatusCanceled)
	if got.ExitCode != nil {
		t.Fatalf("ExitCode = %v, want nil on a canceled run", *got.ExitCode)
	}

	// The worker's completion path must not overwrite the canceled status.
	time.Sleep(200 * time.Millisecond)
	got, _ = st.GetRun(context.Background(), run.ID)
	if got.Status != RunStatusCanceled {
		t.Fatalf("Status = %s after process exit, want canceled", got.Status)
	}
}

func TestReadLogTruncatesFromHead(t *testing.T) {
	queue, st, reg := newTestQueue(t)
	reg.addShellTask("noop", "true")

	run, err := queue.Enqueue(context.Background(), "noop", nil, "api", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := os.WriteFile(st.RunLogPath(run.ID), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	got, err := queue.ReadLog(context.Background(), run.ID, 4)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if got != "6789" {
		t.Fatalf("ReadLog = %q, want %q", got, "6789")
	}

	full, err := queue.ReadLog(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("ReadLog full: %v", err)
	}
	if full != "0123456789" {
		t.Fatalf("ReadLog full = %q, want the whole file", full)
	}
}

func TestReadLogMissingFile(t *testing.T) {
	queue, _, reg := newTestQueue(t)
	reg.addShellTask("noop", "true")

	run, err := queue.Enqueue(context.Background(), "noop", nil, "api", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	got, err := queue.ReadLog(context.Background(), run.ID, 0)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if got != "" {
		t.Fatalf("ReadLog = %q, want empty for a missing file", got)
	}
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/x"}
	merged := mergeEnv(base,
		map[string]string{"HOME": "/srv/janitor", "API_KEY": "s3cret"},
		map[string]string{"API_KEY": "override"},
	)

	want := map[string]string{
		"PATH":    "/usr/bin",
		"HOME":    "/srv/janitor",
		"API_KEY": "override",
	}
	got := make(map[string]string, len(merged))
	for _, kv := range merged {
		i := strings.IndexByte(kv, '=')
		got[kv[:i]] = kv[i+1:]
	}
	if len(got) != len(want) {
		t.Fatalf("merged = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("merged[%s] = %q, want %q", k, got[k], v)
		}
	}
	// Base keys keep their original position.
	if !strings.HasPrefix(merged[0], "PATH=") {
		t.Fatalf("merged[0] = %q, want PATH first", merged[0])
	}
}
