package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"recipejanitor/internal/core"
	"recipejanitor/internal/tasks"

	"github.com/go-chi/chi/v5"
)

type taskResponse struct {
	ID              string  `json:"id"`
	Summary         string  `json:"summary"`
	AllowDangerous  bool    `json:"allow_dangerous"`
	PolicyUpdatedAt *string `json:"policy_updated_at,omitempty"`
}

type setPolicyRequest struct {
	AllowDangerous bool `json:"allow_dangerous"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListTaskPolicies(r.Context())
	if err != nil {
		s.logger.Error("list task policies", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list task policies")
		return
	}
	byTask := make(map[string]*core.TaskPolicy, len(policies))
	for _, p := range policies {
		byTask[p.TaskID] = p
	}

	defs := s.registry.Definitions()
	res := make([]taskResponse, 0, len(defs))
	for _, def := range defs {
		res = append(res, taskToResponse(def, byTask[def.ID]))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !s.registry.Has(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	policy, err := s.store.GetTaskPolicy(r.Context(), taskID)
	if err != nil {
		s.logger.Error("get task policy", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task policy")
		return
	}
	for _, def := range s.registry.Definitions() {
		if def.ID == taskID {
			writeJSON(w, http.StatusOK, taskToResponse(def, policy))
			return
		}
	}
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !s.registry.Has(taskID) {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	var req setPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	policy, err := s.store.SetTaskPolicy(r.Context(), taskID, req.AllowDangerous)
	if err != nil {
		s.logger.Error("set task policy", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task policy")
		return
	}
	s.logger.Info("task policy updated", "task_id", taskID, "allow_dangerous", req.AllowDangerous)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":         policy.TaskID,
		"allow_dangerous": policy.AllowDangerous,
		"updated_at":      policy.UpdatedAt.Format(time.RFC3339),
	})
}

func taskToResponse(def tasks.Definition, policy *core.TaskPolicy) taskResponse {
	res := taskResponse{
		ID:      def.ID,
		Summary: def.Summary,
	}
	if policy != nil {
		res.AllowDangerous = policy.AllowDangerous
		formatted := policy.UpdatedAt.Format(time.RFC3339)
		res.PolicyUpdatedAt = &formatted
	}
	return res
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
