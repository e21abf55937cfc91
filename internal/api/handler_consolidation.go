package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/meridianhq/meridian/internal/model"
)

// enqueueConsolidationHandler handles POST /api/v1/consolidation/enqueue,
// scheduling an out-of-band memory_consolidation pass for the next
// scheduler tick to pick up.
func (s *Server) enqueueConsolidationHandler(c *echo.Context) error {
	if s.consolidation == nil {
		return s.unavailable("consolidation scheduler")
	}
	var req EnqueueConsolidationRequest
	_ = c.Bind(&req)

	entry := &model.TaskQueueEntry{
		TaskType: "memory_consolidation",
		Payload:  req.Payload,
		Status:   model.TaskQueuePending,
	}
	if err := s.store.InsertTaskQueueEntry(c.Request().Context(), entry); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}
