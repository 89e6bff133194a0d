package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fnsched/fnsched/internal/store"
)

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c echo.Context, err error) error {
	switch {
	case store.IsValidation(err):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	default:
		s.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("internal error")
		return c.JSON(http.StatusInternalServerError, errorBody("internal server error"))
	}
}

func taskID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	return id, nil
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(c echo.Context) error {
	count, err := s.store.CountTasks()
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"time":       time.Now().UTC().Format(time.RFC3339),
		"task_count": count,
	})
}

// handleAccounts handles GET /api/accounts.
func (s *Server) handleAccounts(c echo.Context) error {
	policy := s.store.Policy()
	names := policy.ListAllowed()
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"data": names,
		"meta": map[string]any{
			"posix_supported": policy.PosixSupported(),
			"default_account": policy.DefaultAccount(),
		},
	})
}

// handleListTasks handles GET /api/tasks.
func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return s.writeError(c, err)
	}
	if err := s.store.AttachLatestResults(tasks); err != nil {
		return s.writeError(c, err)
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": tasks})
}

// handleCreateTask handles POST /api/tasks.
func (s *Server) handleCreateTask(c echo.Context) error {
	var in store.TaskInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON payload"))
	}
	task, err := s.store.CreateTask(in)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

// handleGetTask handles GET /api/tasks/:id.
func (s *Server) handleGetTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return s.writeError(c, err)
	}
	latest, err := s.store.GetLatestResult(id)
	if err != nil {
		return s.writeError(c, err)
	}
	task.LatestResult = latest
	return c.JSON(http.StatusOK, task)
}

// handleUpdateTask handles PUT /api/tasks/:id with partial-update semantics.
func (s *Server) handleUpdateTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	var in store.TaskInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON payload"))
	}
	task, err := s.store.UpdateTask(id, in)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// handleDeleteTask handles DELETE /api/tasks/:id.
func (s *Server) handleDeleteTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(id); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

// handleRunTask handles POST /api/tasks/:id/run: 404 unknown, 409 while
// running, 400 with unmet dependencies, otherwise spawns a manual execution.
func (s *Server) handleRunTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return s.writeError(c, err)
	}
	running, err := s.store.HasRunningInstance(id)
	if err != nil {
		return s.writeError(c, err)
	}
	if running {
		return c.JSON(http.StatusConflict, errorBody("task is already running"))
	}
	met, err := s.engine.DependenciesMet(task)
	if err != nil {
		return s.writeError(c, err)
	}
	if !met {
		return c.JSON(http.StatusBadRequest, errorBody("dependencies have not succeeded yet"))
	}
	s.engine.Spawn(task, store.ReasonManual)
	return c.JSON(http.StatusOK, map[string]bool{"queued": true})
}

// handleToggleTask handles POST /api/tasks/:id/toggle. Without an explicit
// is_active in the payload the current value is flipped.
func (s *Server) handleToggleTask(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		return s.writeError(c, err)
	}

	var payload struct {
		IsActive *bool `json:"is_active"`
	}
	_ = c.Bind(&payload) // an empty body flips the current state

	target := !task.IsActive
	if payload.IsActive != nil {
		target = *payload.IsActive
	}
	updated, err := s.store.UpdateTask(id, store.TaskInput{IsActive: &target})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// handleListResults handles GET /api/tasks/:id/results with limit/offset
// pagination.
func (s *Server) handleListResults(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	offset := 0
	if raw := c.QueryParam("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			offset = n
		}
	}
	results, err := s.store.FetchResults(id, limit, offset)
	if err != nil {
		return s.writeError(c, err)
	}
	if results == nil {
		results = []store.TaskResult{}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": results})
}

// handleDeleteResults handles DELETE /api/tasks/:id/results.
func (s *Server) handleDeleteResults(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	n, err := s.store.DeleteResults(id, 0)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}

// handleDeleteResult handles DELETE /api/tasks/:id/results/:result_id.
func (s *Server) handleDeleteResult(c echo.Context) error {
	id, err := taskID(c)
	if err != nil {
		return err
	}
	resultID, err := strconv.ParseInt(c.Param("result_id"), 10, 64)
	if err != nil || resultID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid result id")
	}
	n, err := s.store.DeleteResults(id, resultID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}

// batchRequest is the POST /api/tasks/batch payload.
type batchRequest struct {
	Action  string  `json:"action"`
	TaskIDs []int64 `json:"task_ids"`
}

// handleBatch processes each id independently and buckets the outcomes.
func (s *Server) handleBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid JSON payload"))
	}

	action := req.Action
	switch action {
	case "delete", "enable", "disable", "run":
	default:
		return c.JSON(http.StatusBadRequest, errorBody("unsupported batch action"))
	}

	ids := make([]int64, 0, len(req.TaskIDs))
	seen := make(map[int64]bool, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if id > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody("task_ids must contain at least one valid id"))
	}

	result := map[string][]int64{}
	bucket := func(name string, id int64) {
		result[name] = append(result[name], id)
	}

	for _, id := range ids {
		task, err := s.store.GetTask(id)
		if err != nil {
			bucket("missing", id)
			continue
		}

		switch action {
		case "delete":
			if err := s.store.DeleteTask(id); err != nil {
				bucket("missing", id)
			} else {
				bucket("deleted", id)
			}

		case "enable", "disable":
			target := action == "enable"
			if task.IsActive == target {
				bucket("unchanged", id)
				continue
			}
			if _, err := s.store.UpdateTask(id, store.TaskInput{IsActive: &target}); err != nil {
				s.logger.Error().Err(err).Int64("task", id).Msg("batch toggle")
				bucket("unchanged", id)
			} else {
				bucket("updated", id)
			}

		case "run":
			running, err := s.store.HasRunningInstance(id)
			if err != nil {
				s.logger.Error().Err(err).Int64("task", id).Msg("batch run check")
				continue
			}
			if running {
				bucket("running", id)
				continue
			}
			met, err := s.engine.DependenciesMet(task)
			if err != nil || !met {
				bucket("blocked", id)
				continue
			}
			s.engine.Spawn(task, store.ReasonManual)
			bucket("queued", id)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{"action": action, "result": result})
}
