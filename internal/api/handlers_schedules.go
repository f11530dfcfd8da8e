package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"recipejanitor/internal/core"
	"recipejanitor/internal/store"
	"recipejanitor/internal/tasks"

	"github.com/go-chi/chi/v5"
)

type createScheduleRequest struct {
	Name    string           `json:"name"`
	TaskID  string           `json:"task_id"`
	Kind    string           `json:"kind"`
	Trigger core.TriggerSpec `json:"trigger"`
	Options core.Options     `json:"options"`
	Enabled *bool            `json:"enabled"`
}

type updateScheduleRequest struct {
	Name    *string           `json:"name"`
	TaskID  *string           `json:"task_id"`
	Kind    *string           `json:"kind"`
	Trigger *core.TriggerSpec `json:"trigger"`
	Options *core.Options     `json:"options"`
	Enabled *bool             `json:"enabled"`
}

type scheduleResponse struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	TaskID         string           `json:"task_id"`
	Kind           string           `json:"kind"`
	Trigger        core.TriggerSpec `json:"trigger"`
	Options        core.Options     `json:"options"`
	Enabled        bool             `json:"enabled"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
	LastEnqueuedAt *string          `json:"last_enqueued_at,omitempty"`
	NextFireAt     *string          `json:"next_fire_at,omitempty"`
}

type triggerPreviewRequest struct {
	Kind    string           `json:"kind"`
	Trigger core.TriggerSpec `json:"trigger"`
	Count   int              `json:"count,omitempty"`
}

type triggerPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "name is required")
		return
	}

	// Policy is checked before any persistence: a schedule whose options
	// would produce a dangerous plan needs the task's policy to allow it.
	if _, err := s.gate.Authorize(r.Context(), req.TaskID, req.Options); err != nil {
		writeGateError(w, err)
		return
	}

	kind := core.ScheduleKind(req.Kind)
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &core.Schedule{
		Name:    req.Name,
		TaskID:  req.TaskID,
		Kind:    kind,
		Trigger: req.Trigger,
		Options: req.Options,
		Enabled: enabled,
	}
	if err := s.scheduler.CreateSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_trigger", err.Error())
		return
	}
	created, err := s.scheduler.GetSchedule(r.Context(), sched.ID)
	if err != nil {
		created = sched
	}
	writeJSON(w, http.StatusCreated, scheduleToResponse(created))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.scheduler.ListSchedules(r.Context())
	if err != nil {
		s.logger.Error("list schedules", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list schedules")
		return
	}
	res := make([]scheduleResponse, 0, len(schedules))
	for _, sched := range schedules {
		res = append(res, scheduleToResponse(sched))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	sched, err := s.scheduler.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		} else {
			s.logger.Error("get schedule", "schedule_id", scheduleID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load schedule")
		}
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	sched, err := s.store.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		} else {
			s.logger.Error("get schedule for update", "schedule_id", scheduleID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load schedule")
		}
		return
	}

	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_input", "name must not be empty")
			return
		}
		sched.Name = trimmed
	}
	if req.TaskID != nil {
		sched.TaskID = strings.TrimSpace(*req.TaskID)
	}
	if req.Kind != nil {
		sched.Kind = core.ScheduleKind(*req.Kind)
	}
	if req.Trigger != nil {
		sched.Trigger = *req.Trigger
	}
	if req.Options != nil {
		sched.Options = *req.Options
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}

	if _, err := s.gate.Authorize(r.Context(), sched.TaskID, sched.Options); err != nil {
		writeGateError(w, err)
		return
	}
	if err := s.scheduler.UpdateSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_trigger", err.Error())
		return
	}
	updated, err := s.scheduler.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		updated = sched
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(updated))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	if err := s.scheduler.DeleteSchedule(r.Context(), scheduleID); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		} else {
			s.logger.Error("delete schedule", "schedule_id", scheduleID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete schedule")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule_id": scheduleID, "deleted": true})
}

func (s *Server) handleTriggerPreview(w http.ResponseWriter, r *http.Request) {
	var req triggerPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, triggerPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	kind := core.ScheduleKind(req.Kind)
	cronSched, err := req.Trigger.CronSchedule(kind)
	if err != nil {
		writeJSON(w, http.StatusOK, triggerPreviewResponse{Valid: false, Message: err.Error()})
		return
	}
	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	times := make([]string, 0, count)
	next := time.Now()
	for i := 0; i < count; i++ {
		next = cronSched.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, triggerPreviewResponse{Valid: true, NextTimes: times})
}

func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrDangerousNotAllowed):
		writeError(w, http.StatusForbidden, "dangerous_not_allowed", err.Error())
	case errors.Is(err, tasks.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_options", err.Error())
	}
}

func scheduleToResponse(sched *core.Schedule) scheduleResponse {
	return scheduleResponse{
		ID:             sched.ID,
		Name:           sched.Name,
		TaskID:         sched.TaskID,
		Kind:           string(sched.Kind),
		Trigger:        sched.Trigger,
		Options:        sched.Options,
		Enabled:        sched.Enabled,
		CreatedAt:      sched.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      sched.UpdatedAt.UTC().Format(time.RFC3339),
		LastEnqueuedAt: formatTimePtr(sched.LastEnqueuedAt),
		NextFireAt:     formatTimePtr(sched.NextFireAt),
	}
}
