package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/trellis/internal/state"
	"github.com/mattjoyce/trellis/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListInvocations handles GET /invocations?limit=N, newest first.
func (s *Server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	invs, err := s.history.ListInvocations(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list invocations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	if invs == nil {
		invs = []*state.Invocation{}
	}
	s.writeJSON(w, http.StatusOK, InvocationListResponse{Invocations: invs})
}

// handleGetInvocation handles GET /invocations/{id}.
func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inv, err := s.history.Get(r.Context(), id)
	if errors.Is(err, state.ErrInvocationNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get invocation", "invocation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}

	runs, err := s.history.TaskRuns(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get task runs", "invocation_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task runs")
		return
	}
	if runs == nil {
		runs = []state.TaskRun{}
	}
	s.writeJSON(w, http.StatusOK, InvocationResponse{Invocation: inv, Tasks: runs})
}

// handleTaskHistory handles GET /tasks/{name}?limit=N.
func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := task.ValidateName(name); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	resp := TaskHistoryResponse{Task: name}

	rec, err := s.history.Lookup(r.Context(), name)
	switch {
	case err == nil:
		resp.State = &TaskStateResponse{
			ActionHash: rec.ActionHash,
			InputsHash: rec.InputsHash,
			Status:     string(rec.Status),
			ExitCode:   rec.ExitCode,
			UpdatedAt:  rec.UpdatedAt,
		}
	case !errors.Is(err, state.ErrNoRecord):
		s.logger.Error("failed to look up task state", "task", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up task state")
		return
	}

	runs, err := s.history.TaskHistory(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("failed to get task history", "task", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task history")
		return
	}
	if resp.State == nil && len(runs) == 0 {
		s.writeError(w, http.StatusNotFound, "task has no recorded runs")
		return
	}
	if runs == nil {
		runs = []state.TaskRun{}
	}
	resp.Runs = runs
	s.writeJSON(w, http.StatusOK, resp)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Token != ""))
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
