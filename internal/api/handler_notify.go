package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/meridianhq/meridian/internal/notify"
)

// createNotificationHandler handles POST /api/v1/notifications.
func (s *Server) createNotificationHandler(c *echo.Context) error {
	if s.notify == nil {
		return s.unavailable("notification service")
	}
	var req CreateNotificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	n, err := s.notify.Create(c.Request().Context(), notify.CreateInput{
		SessionID: req.SessionID,
		SwarmID:   req.SwarmID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		Channel:   req.Channel,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, n)
}

// listNotificationsHandler handles GET /api/v1/notifications?limit=.
func (s *Server) listNotificationsHandler(c *echo.Context) error {
	if s.notify == nil {
		return s.unavailable("notification service")
	}
	notifications, err := s.notify.List(c.Request().Context(), parseLimit(c, defaultListLimit))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, notifications)
}

// acknowledgeNotificationHandler handles
// POST /api/v1/notifications/:id/acknowledge.
func (s *Server) acknowledgeNotificationHandler(c *echo.Context) error {
	if s.notify == nil {
		return s.unavailable("notification service")
	}
	if err := s.notify.Acknowledge(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "acknowledged"})
}

// failNotificationHandler handles POST /api/v1/notifications/:id/fail.
func (s *Server) failNotificationHandler(c *echo.Context) error {
	if s.notify == nil {
		return s.unavailable("notification service")
	}
	var req FailNotificationRequest
	_ = c.Bind(&req)

	if err := s.notify.Fail(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "failed"})
}
