package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
)

func toSwarmSpec(req CreateSwarmRequest) model.SwarmSpec {
	agents := make([]model.AgentSpec, 0, len(req.Agents))
	for _, a := range req.Agents {
		deps := make([]model.DependencySpec, 0, len(a.DependsOn))
		for _, d := range a.DependsOn {
			deps = append(deps, model.DependencySpec{Agent: d.Agent, Include: model.IncludePolicy(d.Include), Condition: d.Condition})
		}
		agents = append(agents, model.AgentSpec{
			Name:               a.Name,
			Role:               a.Role,
			Mode:               model.AgentMode(a.Mode),
			Prompt:             a.Prompt,
			Personality:        a.Personality,
			Plugins:            a.Plugins,
			AllowedTools:       a.AllowedTools,
			ThinkingBudget:     a.ThinkingBudget,
			Model:              a.Model,
			SandboxMode:        a.SandboxMode,
			DependsOn:          deps,
			Goal:               a.Goal,
			Capabilities:       a.Capabilities,
			TaskTypes:          a.TaskTypes,
			MaxTasks:           a.MaxTasks,
			MaxDurationSeconds: a.MaxDurationSeconds,
			IdleTimeoutSeconds: a.IdleTimeoutSeconds,
		})
	}
	return model.SwarmSpec{
		Name:                      req.Name,
		Description:               req.Description,
		ParentSessionID:           req.ParentSessionID,
		WorkingDir:                req.WorkingDir,
		GitBranchPrefix:           req.GitBranchPrefix,
		BaseBranch:                req.BaseBranch,
		AutoSynthesize:            req.AutoSynthesize,
		SynthesisPrompt:           req.SynthesisPrompt,
		SkipSynthesisOnFailure:    req.SkipSynthesisOnFailure,
		AutoSupervise:             req.AutoSupervise,
		SupervisorWarnThreshold:   req.SupervisorWarnThreshold,
		SupervisorCancelThreshold: req.SupervisorCancelThreshold,
		Agents:                    agents,
	}
}

// createSwarmHandler handles POST /api/v1/swarms.
func (s *Server) createSwarmHandler(c *echo.Context) error {
	if s.orchestrator == nil {
		return s.unavailable("swarm orchestrator")
	}
	var req CreateSwarmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	sw, agents, err := s.orchestrator.Create(c.Request().Context(), toSwarmSpec(req))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, SwarmResponse{Swarm: *sw, Agents: agents})
}

// listSwarmsHandler handles GET /api/v1/swarms?parent_session_id=&limit=.
func (s *Server) listSwarmsHandler(c *echo.Context) error {
	swarms, err := s.store.ListSwarms(c.Request().Context(), c.QueryParam("parent_session_id"), parseLimit(c, defaultListLimit))
	if err != nil {
		return mapServiceError(err)
	}
	if swarms == nil {
		swarms = []model.Swarm{}
	}
	return c.JSON(http.StatusOK, swarms)
}

// getSwarmHandler handles GET /api/v1/swarms/:id.
func (s *Server) getSwarmHandler(c *echo.Context) error {
	sw, agents, err := s.store.LoadSwarmWithAgents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, SwarmResponse{Swarm: *sw, Agents: agents})
}

// swarmDAGHandler handles GET /api/v1/swarms/:id/dag.
func (s *Server) swarmDAGHandler(c *echo.Context) error {
	if s.orchestrator == nil {
		return s.unavailable("swarm orchestrator")
	}
	nodes, err := s.orchestrator.DAG(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, nodes)
}

// startSwarmHandler handles POST /api/v1/swarms/:id/start. Run orchestrates
// every agent to completion, so it is kicked off in the background and the
// caller polls GET .../wait or GET .../:id for status.
func (s *Server) startSwarmHandler(c *echo.Context) error {
	if s.orchestrator == nil {
		return s.unavailable("swarm orchestrator")
	}
	swarmID := c.Param("id")
	go func() {
		if err := s.orchestrator.Run(backgroundContext(), swarmID); err != nil {
			s.logger.Error("running swarm", "swarm_id", swarmID, "error", err)
		}
	}()
	return c.JSON(http.StatusAccepted, StatusResponse{Status: "started"})
}

// resumeSwarmHandler handles POST /api/v1/swarms/:id/resume.
func (s *Server) resumeSwarmHandler(c *echo.Context) error {
	if s.orchestrator == nil {
		return s.unavailable("swarm orchestrator")
	}
	var req ResumeSwarmRequest
	_ = c.Bind(&req)

	swarmID := c.Param("id")
	go func() {
		if err := s.orchestrator.Resume(backgroundContext(), swarmID, req.Agents); err != nil {
			s.logger.Error("resuming swarm", "swarm_id", swarmID, "error", err)
		}
	}()
	return c.JSON(http.StatusAccepted, StatusResponse{Status: "resumed"})
}

var terminalSwarmStatuses = map[model.SwarmStatus]bool{
	model.SwarmCompleted: true,
	model.SwarmFailed:    true,
	model.SwarmCancelled: true,
}

// waitSwarmHandler handles GET /api/v1/swarms/:id/wait?timeout_seconds=,
// long-polling the swarm's status until it reaches a terminal state or the
// timeout elapses.
func (s *Server) waitSwarmHandler(c *echo.Context) error {
	timeout := 30 * time.Second
	if v := parseQueryInt(c, "timeout_seconds", 0); v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	deadline := time.Now().Add(timeout)
	ctx := c.Request().Context()
	for {
		sw, agents, err := s.store.LoadSwarmWithAgents(ctx, c.Param("id"))
		if err != nil {
			return mapServiceError(err)
		}
		if terminalSwarmStatuses[sw.Status] || time.Now().After(deadline) {
			return c.JSON(http.StatusOK, SwarmResponse{Swarm: *sw, Agents: agents})
		}
		select {
		case <-ctx.Done():
			return echo.NewHTTPError(http.StatusRequestTimeout, "request cancelled")
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// getSwarmAgentHandler handles GET /api/v1/swarms/:id/agents/:name.
func (s *Server) getSwarmAgentHandler(c *echo.Context) error {
	_, agents, err := s.store.LoadSwarmWithAgents(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	name := c.Param("name")
	for _, a := range agents {
		if a.Name == name {
			return c.JSON(http.StatusOK, a)
		}
	}
	return mapServiceError(apperr.ErrNotFound)
}

// cancelSwarmHandler handles POST /api/v1/swarms/:id/cancel.
func (s *Server) cancelSwarmHandler(c *echo.Context) error {
	if s.orchestrator == nil {
		return s.unavailable("swarm orchestrator")
	}
	if err := s.orchestrator.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "cancelled"})
}

// mergeSwarmHandler handles POST /api/v1/swarms/:id/merge.
func (s *Server) mergeSwarmHandler(c *echo.Context) error {
	if s.orchestrator == nil {
		return s.unavailable("swarm orchestrator")
	}
	results, err := s.orchestrator.Merge(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// listScratchpadHandler handles GET /api/v1/swarms/:id/scratchpad.
func (s *Server) listScratchpadHandler(c *echo.Context) error {
	entries, err := s.store.SwarmScratchpadList(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	if entries == nil {
		entries = []model.ScratchpadEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// getScratchpadHandler handles GET /api/v1/swarms/:id/scratchpad/:key.
func (s *Server) getScratchpadHandler(c *echo.Context) error {
	entry, err := s.store.SwarmScratchpadGet(c.Request().Context(), c.Param("id"), c.Param("key"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

// setScratchpadHandler handles PUT /api/v1/swarms/:id/scratchpad/:key.
func (s *Server) setScratchpadHandler(c *echo.Context) error {
	var req ScratchpadSetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.store.SwarmScratchpadSet(c.Request().Context(), c.Param("id"), c.Param("key"), req.Value); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// deleteScratchpadHandler handles DELETE /api/v1/swarms/:id/scratchpad/:key.
func (s *Server) deleteScratchpadHandler(c *echo.Context) error {
	if err := s.store.SwarmScratchpadDelete(c.Request().Context(), c.Param("id"), c.Param("key")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
