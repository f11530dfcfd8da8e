package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// stopJoinTimeout bounds how long Stop waits for the worker goroutine after
// signaling shutdown.
const stopJoinTimeout = 10 * time.Second

// RunQueue serializes task execution on a single background worker. Runs are
// started in strict FIFO order of Enqueue calls; at most one task subprocess
// exists at any time.
type RunQueue struct {
	store    Store
	registry ExecutionBuilder
	env      EnvProvider
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending []string
	wake    chan struct{}

	// activeMu guards the active-process map and the canceled set. Cancel and
	// the worker's own completion handling take it to decide who writes the
	// terminal status.
	activeMu sync.Mutex
	active   map[string]*exec.Cmd
	canceled map[string]struct{}

	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewRunQueue constructs a queue with the given dependencies. env is invoked
// fresh at every run start; it must not be nil.
func NewRunQueue(store Store, registry ExecutionBuilder, env EnvProvider, logger *slog.Logger) *RunQueue {
	return &RunQueue{
		store:    store,
		registry: registry,
		env:      env,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		active:   make(map[string]*exec.Cmd),
		canceled: make(map[string]struct{}),
	}
}

// SetNotifier attaches an optional notifier for failed runs.
func (q *RunQueue) SetNotifier(n Notifier) {
	q.notifier = n
}

// Start launches the worker goroutine.
func (q *RunQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	go q.worker()
}

// Stop signals shutdown, terminates any active subprocess and joins the
// worker with a bounded timeout.
func (q *RunQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	close(q.stop)

	q.activeMu.Lock()
	for runID, cmd := range q.active {
		q.logger.Info("terminating active run for shutdown", "run_id", runID)
		terminateProcess(cmd)
	}
	q.activeMu.Unlock()

	select {
	case <-q.done:
	case <-time.After(stopJoinTimeout):
		q.logger.Warn("queue worker did not stop in time")
	}
}

// Enqueue creates a queued Run and hands it to the worker. It never blocks on
// execution and enforces no depth limit.
func (q *RunQueue) Enqueue(ctx context.Context, taskID string, options Options, triggeredBy string, scheduleID *string) (*Run, error) {
	run := &Run{
		ID:          NewID(),
		TaskID:      taskID,
		Status:      RunStatusQueued,
		Options:     options,
		TriggeredBy: triggeredBy,
		ScheduleID:  scheduleID,
		CreatedAt:   UTCNow(),
	}
	run.LogPath = q.store.RunLogPath(run.ID)
	if err := q.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	q.mu.Lock()
	q.pending = append(q.pending, run.ID)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return run, nil
}

// Cancel cancels a queued or running run. A queued run is canceled purely via
// state mutation; a running run has its process group terminated. Returns
// false for runs that are already terminal, making Cancel idempotent.
func (q *RunQueue) Cancel(ctx context.Context, runID string) (bool, error) {
	q.activeMu.Lock()
	defer q.activeMu.Unlock()

	if cmd, ok := q.active[runID]; ok {
		q.canceled[runID] = struct{}{}
		if err := q.store.CompleteRun(ctx, runID, RunStatusCanceled, UTCNow(), nil, nil); err != nil {
			delete(q.canceled, runID)
			return false, fmt.Errorf("mark run canceled: %w", err)
		}
		terminateProcess(cmd)
		return true, nil
	}

	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != RunStatusQueued {
		return false, nil
	}
	if err := q.store.CompleteRun(ctx, runID, RunStatusCanceled, UTCNow(), nil, nil); err != nil {
		return false, fmt.Errorf("mark run canceled: %w", err)
	}
	return true, nil
}

// ReadLog tail-reads the run's combined log, truncated from the head when it
// exceeds maxBytes, decoded leniently. A missing log file yields an empty
// string, not an error.
func (q *RunQueue) ReadLog(ctx context.Context, runID string, maxBytes int64) (string, error) {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	file, err := os.Open(run.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open run log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat run log: %w", err)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		if _, err := file.Seek(info.Size()-maxBytes, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek run log: %w", err)
		}
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("read run log: %w", err)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

func (q *RunQueue) worker() {
	defer close(q.done)
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		for {
			select {
			case <-q.stop:
				return
			default:
			}
			runID, ok := q.pop()
			if !ok {
				break
			}
			q.process(runID)
		}
	}
}

func (q *RunQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	runID := q.pending[0]
	q.pending = q.pending[1:]
	return runID, true
}

// process executes one run end to end. Any failure, including a panic, is
// recorded on that run and never escapes the worker loop.
func (q *RunQueue) process(runID string) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("run processing panic", "run_id", runID, "panic", r)
			msg := fmt.Sprintf("internal error: %v", r)
			_ = q.store.CompleteRun(ctx, runID, RunStatusFailed, UTCNow(), nil, &msg)
		}
	}()

	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		q.logger.Error("fetch queued run", "run_id", runID, "err", err)
		return
	}
	if run.Status != RunStatusQueued {
		// canceled between enqueue and dequeue; nothing was ever spawned
		return
	}
	if err := q.store.MarkRunStarted(ctx, runID, UTCNow()); err != nil {
		q.logger.Debug("run no longer queued, skipping", "run_id", runID, "err", err)
		return
	}

	plan, err := q.registry.BuildExecution(run.TaskID, run.Options)
	if err != nil {
		q.finish(ctx, run, RunStatusFailed, nil, ptrString(fmt.Sprintf("build execution: %v", err)))
		return
	}

	if err := q.store.EnsureRunLogDir(); err != nil {
		q.finish(ctx, run, RunStatusFailed, nil, ptrString(fmt.Sprintf("ensure log dir: %v", err)))
		return
	}
	logFile, err := os.OpenFile(run.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		q.finish(ctx, run, RunStatusFailed, nil, ptrString(fmt.Sprintf("open log file: %v", err)))
		return
	}
	defer logFile.Close()

	cmd := exec.Command(plan.Command[0], plan.Command[1:]...) // #nosec G204
	cmd.Env = mergeEnv(os.Environ(), q.env(), plan.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		q.finish(ctx, run, RunStatusFailed, nil, ptrString(fmt.Sprintf("start command: %v", err)))
		return
	}

	q.activeMu.Lock()
	q.active[runID] = cmd
	q.activeMu.Unlock()

	waitErr := cmd.Wait()

	q.activeMu.Lock()
	delete(q.active, runID)
	_, wasCanceled := q.canceled[runID]
	delete(q.canceled, runID)
	q.activeMu.Unlock()

	if wasCanceled {
		// Cancel already wrote the terminal status; a late completion must
		// not overwrite it. Only the log-size annotation is still ours.
		q.annotateLogSize(ctx, run)
		return
	}

	var exitCode *int
	var errMsg *string
	status := RunStatusSucceeded
	if waitErr == nil {
		code := 0
		exitCode = &code
	} else {
		status = RunStatusFailed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			exitCode = &code
			errMsg = ptrString(fmt.Sprintf("exited with code %d", code))
		} else {
			errMsg = ptrString(waitErr.Error())
		}
	}
	q.finish(ctx, run, status, exitCode, errMsg)
}

func (q *RunQueue) finish(ctx context.Context, run *Run, status RunStatus, exitCode *int, errMsg *string) {
	if err := q.store.CompleteRun(ctx, run.ID, status, UTCNow(), exitCode, errMsg); err != nil {
		q.logger.Error("complete run", "run_id", run.ID, "err", err)
	}
	q.annotateLogSize(ctx, run)
	if err := q.store.PruneRunLogs(); err != nil {
		q.logger.Warn("prune run logs", "err", err)
	}
	if status == RunStatusFailed && q.notifier != nil {
		body := fmt.Sprintf("run %s of task %s failed", run.ID, run.TaskID)
		if errMsg != nil {
			body += ": " + *errMsg
		}
		if err := q.notifier.Send(ctx, "recipejanitor: task failed", body); err != nil {
			q.logger.Warn("send failure notification", "run_id", run.ID, "err", err)
		}
	}
}

func (q *RunQueue) annotateLogSize(ctx context.Context, run *Run) {
	info, err := os.Stat(run.LogPath)
	if err != nil {
		return
	}
	if err := q.store.SetRunLogSize(ctx, run.ID, info.Size()); err != nil {
		q.logger.Warn("record log size", "run_id", run.ID, "err", err)
	}
}

// mergeEnv layers overlays over the base environment; later layers win.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		key := kv[:i]
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = kv[i+1:]
	}
	for _, overlay := range overlays {
		for key, value := range overlay {
			if _, seen := merged[key]; !seen {
				order = append(order, key)
			}
			merged[key] = value
		}
	}
	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, key+"="+merged[key])
	}
	return env
}

func ptrString(v string) *string {
	return &v
}
