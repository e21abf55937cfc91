package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// createTaskHandler handles POST /api/v1/tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	if s.queue == nil {
		return s.unavailable("work queue")
	}
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	task := &model.Task{
		WorkingDir:         req.WorkingDir,
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
		ContextSummary:     req.ContextSummary,
		ScopePaths:         req.ScopePaths,
		RequiredTools:      req.RequiredTools,
		TaskType:           req.TaskType,
		Tags:               req.Tags,
		Priority:           req.Priority,
		BlockedBy:          req.BlockedBy,
	}
	if err := s.queue.Create(c.Request().Context(), task); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, task)
}

// listReadyTasksHandler handles GET /api/v1/tasks?limit=.
func (s *Server) listReadyTasksHandler(c *echo.Context) error {
	if s.queue == nil {
		return s.unavailable("work queue")
	}
	tasks, err := s.queue.ListReady(c.Request().Context(), parseLimit(c, defaultListLimit))
	if err != nil {
		return mapServiceError(err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// claimTaskHandler handles POST /api/v1/tasks/claim. Claims by id when
// task_id is given, otherwise the highest-priority ready task matching the
// filters, per SPEC_FULL.md §5's atomic claim semantics.
func (s *Server) claimTaskHandler(c *echo.Context) error {
	if s.queue == nil {
		return s.unavailable("work queue")
	}
	var req ClaimTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	var task *model.Task
	var err error
	if req.TaskID != "" {
		task, err = s.queue.ClaimByID(c.Request().Context(), req.TaskID, req.ClaimedBySessionID, req.ClaimedByAgentID)
	} else {
		task, err = s.queue.ClaimAny(c.Request().Context(), store.ClaimFilters{
			WorkingDir:    req.WorkingDir,
			TaskType:      req.TaskType,
			TaskTypes:     req.TaskTypes,
			RequiredTools: req.RequiredTools,
		}, req.ClaimedBySessionID, req.ClaimedByAgentID)
	}
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// releaseTaskHandler handles POST /api/v1/tasks/:id/release.
func (s *Server) releaseTaskHandler(c *echo.Context) error {
	if s.queue == nil {
		return s.unavailable("work queue")
	}
	var req ReleaseTaskRequest
	_ = c.Bind(&req)

	if err := s.queue.Release(c.Request().Context(), c.Param("id"), req.LastError); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "released"})
}

// patchTaskHandler handles PATCH /api/v1/tasks/:id, applying one of the
// lifecycle transitions (start/complete/fail/cancel) named in the body.
func (s *Server) patchTaskHandler(c *echo.Context) error {
	if s.queue == nil {
		return s.unavailable("work queue")
	}
	var req PatchTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	var err error
	switch req.Action {
	case "start":
		err = s.queue.Start(ctx, id)
	case "complete":
		err = s.queue.Complete(ctx, id, req.Outcome, req.CompletionNotes)
	case "fail":
		err = s.queue.Fail(ctx, id, req.LastError)
	case "cancel":
		err = s.queue.Cancel(ctx, id)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "action must be one of start, complete, fail, cancel")
	}
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: req.Action})
}

// deleteTaskHandler handles DELETE /api/v1/tasks/:id.
func (s *Server) deleteTaskHandler(c *echo.Context) error {
	if s.queue == nil {
		return s.unavailable("work queue")
	}
	if err := s.queue.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
