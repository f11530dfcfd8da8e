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

// logReadLimit caps how much of a run log a single request returns; the tail
// is kept, the head truncated.
const logReadLimit = 256 * 1024

type enqueueRunRequest struct {
	Options     core.Options `json:"options"`
	TriggeredBy string       `json:"triggered_by"`
}

type runResponse struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	Status      string       `json:"status"`
	Options     core.Options `json:"options"`
	TriggeredBy string       `json:"triggered_by"`
	ScheduleID  *string      `json:"schedule_id,omitempty"`
	LogSize     *int64       `json:"log_size,omitempty"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	Error       *string      `json:"error,omitempty"`
	CreatedAt   string       `json:"created_at"`
	StartedAt   *string      `json:"started_at,omitempty"`
	FinishedAt  *string      `json:"finished_at,omitempty"`
}

type enqueueRunResponse struct {
	runResponse
	Command string `json:"command"`
}

func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req enqueueRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	triggeredBy := strings.TrimSpace(req.TriggeredBy)
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	plan, err := s.gate.Authorize(r.Context(), taskID, req.Options)
	if err != nil {
		writeGateError(w, err)
		return
	}

	run, err := s.queue.Enqueue(r.Context(), taskID, req.Options, triggeredBy, nil)
	if err != nil {
		s.logger.Error("enqueue run", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue run")
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueRunResponse{
		runResponse: runToResponse(run),
		Command:     tasks.Preview(plan),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.listRuns(w, r, "")
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !s.registry.Has(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	s.listRuns(w, r, taskID)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, taskID string) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.store.ListRuns(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	res := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		res = append(res, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	canceled, err := s.queue.Cancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("cancel run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel run")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "canceled": canceled})
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	maxBytes := int64(parseIntDefault(r.URL.Query().Get("max_bytes"), logReadLimit))
	if maxBytes <= 0 || maxBytes > logReadLimit {
		maxBytes = logReadLimit
	}
	text, err := s.queue.ReadLog(r.Context(), runID, maxBytes)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("read run log", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:          run.ID,
		TaskID:      run.TaskID,
		Status:      string(run.Status),
		Options:     run.Options,
		TriggeredBy: run.TriggeredBy,
		ScheduleID:  run.ScheduleID,
		LogSize:     run.LogSize,
		ExitCode:    run.ExitCode,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:   formatTimePtr(run.StartedAt),
		FinishedAt:  formatTimePtr(run.FinishedAt),
	}
}
