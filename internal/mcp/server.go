package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"recipejanitor/internal/core"
	"recipejanitor/internal/store"
	"recipejanitor/internal/tasks"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the janitor over the MCP stdio transport so an agent can
// drive catalog maintenance interactively.
type MCPServer struct {
	store     *store.Store
	queue     *core.RunQueue
	scheduler *core.Scheduler
	gate      *core.PolicyGate
	registry  *tasks.Registry
	logger    *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(st *store.Store, queue *core.RunQueue, scheduler *core.Scheduler, gate *core.PolicyGate, registry *tasks.Registry, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		store:     st,
		queue:     queue,
		scheduler: scheduler,
		gate:      gate,
		registry:  registry,
		logger:    logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"recipejanitor",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("janitor_list_tasks",
		mcp.WithDescription("List the builtin catalog maintenance tasks and their policy state"),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("janitor_run_task",
		mcp.WithDescription("Enqueue a maintenance task for execution. Runs execute one at a time in enqueue order"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id, e.g. tag-cleanup"),
		),
		mcp.WithString("options",
			mcp.Description("Task options as a JSON object, e.g. {\"dry_run\": false, \"min_uses\": 3}"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("janitor_get_run",
		mcp.WithDescription("Get the state of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run id"),
		),
	), s.handleGetRun)

	mcpServer.AddTool(mcp.NewTool("janitor_list_runs",
		mcp.WithDescription("List recent runs, newest first"),
		mcp.WithString("task_id",
			mcp.Description("Only show runs of this task"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	mcpServer.AddTool(mcp.NewTool("janitor_cancel_run",
		mcp.WithDescription("Cancel a queued or running run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run id"),
		),
	), s.handleCancelRun)

	mcpServer.AddTool(mcp.NewTool("janitor_get_run_log",
		mcp.WithDescription("Read the captured output of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run id"),
		),
		mcp.WithNumber("max_bytes",
			mcp.Description("Return at most this many bytes from the end of the log, default 65536"),
			mcp.Min(0),
		),
	), s.handleGetRunLog)

	mcpServer.AddTool(mcp.NewTool("janitor_list_schedules",
		mcp.WithDescription("List all schedules"),
	), s.handleListSchedules)

	mcpServer.AddTool(mcp.NewTool("janitor_create_schedule",
		mcp.WithDescription("Create a recurring or one-shot schedule for a maintenance task"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Human-readable schedule name"),
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id the schedule enqueues"),
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Schedule kind"),
			mcp.Enum("interval", "once"),
		),
		mcp.WithNumber("seconds",
			mcp.Description("Interval length in seconds (interval kind)"),
			mcp.Min(1),
		),
		mcp.WithString("start_at",
			mcp.Description("RFC3339 start bound of the interval grid (interval kind, optional)"),
		),
		mcp.WithString("end_at",
			mcp.Description("RFC3339 end bound after which the schedule stops firing (interval kind, optional)"),
		),
		mcp.WithString("run_at",
			mcp.Description("RFC3339 fire time (once kind)"),
		),
		mcp.WithBoolean("run_if_missed",
			mcp.Description("Run once at startup if a fire was missed while the daemon was down"),
		),
		mcp.WithString("options",
			mcp.Description("Task options as a JSON object"),
		),
	), s.handleCreateSchedule)

	mcpServer.AddTool(mcp.NewTool("janitor_delete_schedule",
		mcp.WithDescription("Delete a schedule"),
		mcp.WithString("schedule_id",
			mcp.Required(),
			mcp.Description("Schedule id"),
		),
	), s.handleDeleteSchedule)

	mcpServer.AddTool(mcp.NewTool("janitor_set_policy",
		mcp.WithDescription("Allow or forbid a task to run with dry_run disabled"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
		mcp.WithBoolean("allow_dangerous",
			mcp.Required(),
			mcp.Description("Whether the task may persist changes to the catalog"),
		),
	), s.handleSetPolicy)

	mcpServer.AddTool(mcp.NewTool("janitor_preview_trigger",
		mcp.WithDescription("Preview the next fire times of a trigger without creating a schedule"),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Schedule kind"),
			mcp.Enum("interval", "once"),
		),
		mcp.WithNumber("seconds",
			mcp.Description("Interval length in seconds (interval kind)"),
			mcp.Min(1),
		),
		mcp.WithString("run_at",
			mcp.Description("RFC3339 fire time (once kind)"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times to return, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handlePreviewTrigger)

	s.logger.Info("MCP tools registered", "count", 11)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	policies, err := s.store.ListTaskPolicies(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list task policies: %v", err)), nil
	}
	allowed := make(map[string]bool, len(policies))
	for _, p := range policies {
		allowed[p.TaskID] = p.AllowDangerous
	}

	var b strings.Builder
	for _, def := range s.registry.Definitions() {
		fmt.Fprintf(&b, "%s\n", def.ID)
		fmt.Fprintf(&b, "  %s\n", def.Summary)
		fmt.Fprintf(&b, "  dangerous allowed: %t\n\n", allowed[def.ID])
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	options, err := parseOptions(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	plan, err := s.gate.Authorize(ctx, taskID, options)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := s.queue.Enqueue(ctx, taskID, options, "mcp", nil)
	if err != nil {
		s.logger.Error("enqueue run", "task_id", taskID, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("enqueue run: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Run enqueued\nID: %s\nCommand: %s", run.ID, tasks.Preview(plan))), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if err == store.ErrRunNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get run: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRun(run)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.store.ListRuns(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d runs:\n\n", len(runs))
	for _, run := range runs {
		fmt.Fprintf(&b, "%s  %s  %s  %s\n", run.ID, run.TaskID, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	canceled, err := s.queue.Cancel(ctx, runID)
	if err != nil {
		if err == store.ErrRunNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("cancel run: %v", err)), nil
	}
	if !canceled {
		return mcp.NewToolResultText(fmt.Sprintf("Run %s was already finished, nothing to cancel", runID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Run %s canceled", runID)), nil
}

func (s *MCPServer) handleGetRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	maxBytes := int64(mcp.ParseFloat64(request, "max_bytes", 64*1024))

	content, err := s.queue.ReadLog(ctx, runID, maxBytes)
	if err != nil {
		if err == store.ErrRunNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("read run log: %v", err)), nil
	}
	if content == "" {
		return mcp.NewToolResultText("(log is empty)"), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleListSchedules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schedules, err := s.scheduler.ListSchedules(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list schedules: %v", err)), nil
	}
	if len(schedules) == 0 {
		return mcp.NewToolResultText("No schedules found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d schedules:\n\n", len(schedules))
	for _, sched := range schedules {
		state := "enabled"
		if !sched.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s  %s\n", sched.ID, sched.Name)
		fmt.Fprintf(&b, "  task: %s  kind: %s  %s\n", sched.TaskID, sched.Kind, state)
		if sched.NextFireAt != nil {
			fmt.Fprintf(&b, "  next fire: %s\n", sched.NextFireAt.Format(time.RFC3339))
		}
		if sched.LastEnqueuedAt != nil {
			fmt.Fprintf(&b, "  last enqueued: %s\n", sched.LastEnqueuedAt.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCreateSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	taskID := mcp.ParseString(request, "task_id", "")
	kind := core.ScheduleKind(mcp.ParseString(request, "kind", ""))
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	trigger := core.TriggerSpec{
		Seconds:     int(mcp.ParseFloat64(request, "seconds", 0)),
		RunIfMissed: mcp.ParseBoolean(request, "run_if_missed", false),
	}
	var err error
	if trigger.StartAt, err = parseTimeArg(request, "start_at"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if trigger.EndAt, err = parseTimeArg(request, "end_at"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if trigger.RunAt, err = parseTimeArg(request, "run_at"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	options, err := parseOptions(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if _, err := s.gate.Authorize(ctx, taskID, options); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sched := &core.Schedule{
		Name:    name,
		TaskID:  taskID,
		Kind:    kind,
		Trigger: trigger,
		Options: options,
		Enabled: true,
	}
	if err := s.scheduler.CreateSchedule(ctx, sched); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create schedule: %v", err)), nil
	}

	next := "none"
	if created, err := s.scheduler.GetSchedule(ctx, sched.ID); err == nil && created.NextFireAt != nil {
		next = created.NextFireAt.Format(time.RFC3339)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule created\nID: %s\nNext fire: %s", sched.ID, next)), nil
}

func (s *MCPServer) handleDeleteSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID := mcp.ParseString(request, "schedule_id", "")
	if err := s.scheduler.DeleteSchedule(ctx, scheduleID); err != nil {
		if err == store.ErrScheduleNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("schedule not found: %s", scheduleID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("delete schedule: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule %s deleted", scheduleID)), nil
}

func (s *MCPServer) handleSetPolicy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	allow := mcp.ParseBoolean(request, "allow_dangerous", false)

	if !s.registry.Has(taskID) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown task: %s", taskID)), nil
	}
	policy, err := s.store.SetTaskPolicy(ctx, taskID, allow)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set task policy: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Policy updated\nTask: %s\nDangerous allowed: %t", policy.TaskID, policy.AllowDangerous)), nil
}

func (s *MCPServer) handlePreviewTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := core.ScheduleKind(mcp.ParseString(request, "kind", ""))
	trigger := core.TriggerSpec{
		Seconds: int(mcp.ParseFloat64(request, "seconds", 0)),
	}
	var err error
	if trigger.RunAt, err = parseTimeArg(request, "run_at"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cronSched, err := trigger.CronSchedule(kind)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid trigger: %v", err)), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))

	var b strings.Builder
	next := time.Now()
	for i := 0; i < count; i++ {
		next = cronSched.Next(next)
		if next.IsZero() {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, next.UTC().Format(time.RFC3339))
	}
	if b.Len() == 0 {
		return mcp.NewToolResultText("The trigger will not fire again"), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func parseOptions(request mcp.CallToolRequest) (core.Options, error) {
	raw := strings.TrimSpace(mcp.ParseString(request, "options", ""))
	if raw == "" {
		return nil, nil
	}
	var options core.Options
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return nil, fmt.Errorf("options must be a JSON object: %v", err)
	}
	return options, nil
}

func parseTimeArg(request mcp.CallToolRequest, key string) (*time.Time, error) {
	raw := strings.TrimSpace(mcp.ParseString(request, key, ""))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC3339 timestamp: %v", key, err)
	}
	utc := t.UTC()
	return &utc, nil
}

func formatRun(run *core.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run ID: %s\n", run.ID)
	fmt.Fprintf(&b, "Task: %s\n", run.TaskID)
	fmt.Fprintf(&b, "Status: %s\n", run.Status)
	fmt.Fprintf(&b, "Triggered by: %s\n", run.TriggeredBy)
	if run.ScheduleID != nil {
		fmt.Fprintf(&b, "Schedule: %s\n", *run.ScheduleID)
	}
	fmt.Fprintf(&b, "Created: %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	if run.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *run.ExitCode)
	}
	if run.Error != nil {
		fmt.Fprintf(&b, "Error: %s\n", *run.Error)
	}
	if run.LogSize != nil {
		fmt.Fprintf(&b, "Log size: %d bytes\n", *run.LogSize)
	}
	return b.String()
}
