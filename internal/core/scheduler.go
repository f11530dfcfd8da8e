package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Enqueuer is the slice of the run queue the scheduler needs: a fire only
// ever enqueues, it never executes task logic inline.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string, options Options, triggeredBy string, scheduleID *string) (*Run, error)
}

// Scheduler maintains the persisted interval/once triggers and keeps exactly
// one backing timer job per enabled schedule.
type Scheduler struct {
	store    Store
	queue    Enqueuer
	registry ExecutionBuilder
	logger   *slog.Logger

	token string
	cron  *cron.Cron

	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	ctx context.Context
}

// NewScheduler constructs a scheduler. The dispatch token is derived from the
// backing store's identity so instances over different stores stay isolated.
func NewScheduler(store Store, queue Enqueuer, registry ExecutionBuilder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		queue:    queue,
		registry: registry,
		logger:   logger,
		token:    store.Identity(),
		cron:     cron.New(),
		entries:  make(map[string]cron.EntryID),
	}
}

// Start reloads every persisted schedule, recovers fires missed during
// downtime, registers a backing timer job per enabled schedule and starts the
// timer engine. A malformed schedule is skipped individually and never
// prevents the rest from loading.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	registerDispatch(s.token, s)

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if err := sched.Trigger.Validate(sched.Kind); err != nil {
			s.logger.Warn("skipping malformed schedule", "schedule_id", sched.ID, "err", err)
			continue
		}
		s.recoverMissedFire(ctx, sched)
		if err := s.scheduleJob(ctx, sched); err != nil {
			s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
		}
	}
	s.cron.Start()
	return nil
}

// Shutdown stops the timer engine without blocking on in-flight callbacks and
// removes this instance from the fire dispatch table.
func (s *Scheduler) Shutdown() {
	s.cron.Stop()
	unregisterDispatch(s.token)
	s.entryMu.Lock()
	s.entries = make(map[string]cron.EntryID)
	s.entryMu.Unlock()
}

// CreateSchedule validates the trigger, persists the schedule and registers
// its backing timer job. Validation failures reject the request before any
// persistence occurs.
func (s *Scheduler) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if err := sched.Trigger.Validate(sched.Kind); err != nil {
		return err
	}
	if sched.ID == "" {
		sched.ID = NewID()
	}
	if err := s.store.InsertSchedule(ctx, sched); err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	s.syncJob(ctx, sched)
	return nil
}

// UpdateSchedule persists the change and synchronizes the backing timer job
// to match: replaced while enabled, absent while disabled.
func (s *Scheduler) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	if err := sched.Trigger.Validate(sched.Kind); err != nil {
		return err
	}
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	s.syncJob(ctx, sched)
	return nil
}

// DeleteSchedule removes the schedule and its backing timer job. Runs it
// already enqueued keep their weak schedule_id back-reference.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.unscheduleJob(id)
	return nil
}

// ListSchedules returns all persisted schedules with a freshly computed
// next-fire timestamp.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	for _, sched := range schedules {
		sched.NextFireAt = s.computeNext(sched)
	}
	return schedules, nil
}

// GetSchedule returns one schedule with its computed next-fire timestamp.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	sched.NextFireAt = s.computeNext(sched)
	return sched, nil
}

// handleFire runs on the timer engine's goroutine, delegated from the
// process-wide dispatch function.
func (s *Scheduler) handleFire(scheduleID string) {
	s.fire(s.ctxOrBackground(), scheduleID)
}

// fire resolves the schedule by id at fire time so edits and deletes made
// after registration are honored. A schedule that is gone, disabled or
// targeting an unknown task makes the fire a silent no-op.
func (s *Scheduler) fire(ctx context.Context, scheduleID string) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Debug("fire for unresolvable schedule", "schedule_id", scheduleID, "err", err)
		return
	}
	if !sched.Enabled {
		return
	}
	if !s.registry.Has(sched.TaskID) {
		s.logger.Debug("fire targets unknown task", "schedule_id", scheduleID, "task_id", sched.TaskID)
		return
	}
	active, err := s.store.HasActiveRunForSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Error("check in-flight run", "schedule_id", scheduleID, "err", err)
		return
	}
	if active {
		s.logger.Info("skipping fire, previous run still in flight", "schedule_id", scheduleID)
		return
	}

	run, err := s.queue.Enqueue(ctx, sched.TaskID, sched.Options, TriggeredByScheduler, &sched.ID)
	if err != nil {
		s.logger.Error("enqueue scheduled run", "schedule_id", scheduleID, "err", err)
		return
	}
	s.logger.Info("schedule fired", "schedule_id", scheduleID, "task_id", sched.TaskID, "run_id", run.ID)

	if err := s.store.RecordScheduleFired(ctx, scheduleID, UTCNow(), s.nextAfter(sched, time.Now())); err != nil {
		s.logger.Warn("record schedule fire", "schedule_id", scheduleID, "err", err)
	}
}

// recoverMissedFire coalesces any backlog of fires missed while the process
// was down into at most one catch-up execution, subject to the trigger's
// misfire grace window.
func (s *Scheduler) recoverMissedFire(ctx context.Context, sched *Schedule) {
	if sched.NextFireAt == nil {
		return
	}
	now := UTCNow()
	due := *sched.NextFireAt
	if !due.Before(now) {
		return
	}
	lateness := now.Sub(due)
	if lateness > sched.Trigger.MisfireGrace() {
		s.logger.Info("dropping missed fire beyond grace window",
			"schedule_id", sched.ID, "due", due, "lateness", lateness)
		return
	}
	s.logger.Info("recovering missed fire", "schedule_id", sched.ID, "due", due, "lateness", lateness)
	s.fire(ctx, sched.ID)
}

func (s *Scheduler) scheduleJob(ctx context.Context, sched *Schedule) error {
	cronSched, err := sched.Trigger.CronSchedule(sched.Kind)
	if err != nil {
		return err
	}
	token, id := s.token, sched.ID
	entryID := s.cron.Schedule(cronSched, cron.FuncJob(func() {
		fireSchedule(token, id)
	}))
	s.entryMu.Lock()
	s.entries[id] = entryID
	s.entryMu.Unlock()

	if err := s.store.UpdateScheduleNextFire(ctx, id, s.nextAfter(sched, time.Now())); err != nil {
		s.logger.Warn("persist next fire", "schedule_id", id, "err", err)
	}
	return nil
}

func (s *Scheduler) unscheduleJob(scheduleID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

// syncJob makes the backing timer state match the persisted record: exactly
// one job while enabled, none at all while disabled.
func (s *Scheduler) syncJob(ctx context.Context, sched *Schedule) {
	s.unscheduleJob(sched.ID)
	if !sched.Enabled {
		if err := s.store.UpdateScheduleNextFire(ctx, sched.ID, nil); err != nil {
			s.logger.Warn("clear next fire", "schedule_id", sched.ID, "err", err)
		}
		return
	}
	if err := s.scheduleJob(ctx, sched); err != nil {
		s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
	}
}

func (s *Scheduler) nextAfter(sched *Schedule, from time.Time) *time.Time {
	cronSched, err := sched.Trigger.CronSchedule(sched.Kind)
	if err != nil {
		return nil
	}
	next := cronSched.Next(from)
	if next.IsZero() {
		return nil
	}
	utc := next.UTC().Truncate(time.Second)
	return &utc
}

func (s *Scheduler) computeNext(sched *Schedule) *time.Time {
	if !sched.Enabled {
		return nil
	}
	s.entryMu.RLock()
	entryID, ok := s.entries[sched.ID]
	s.entryMu.RUnlock()
	if ok {
		if next := s.cron.Entry(entryID).Next; !next.IsZero() {
			utc := next.UTC().Truncate(time.Second)
			return &utc
		}
	}
	return s.nextAfter(sched, time.Now())
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
