package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/meridianhq/meridian/internal/broker"
	"github.com/meridianhq/meridian/internal/model"
)

// createSessionHandler handles POST /api/v1/sessions. It mints a session
// the same way the websocket's new_session message does, for clients that
// want to pre-create a session (e.g. to hand its id to a CLI) before ever
// opening a WebSocket.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	sess := broker.NewSessionFromConfig(req.Config, s.cfg, "http")
	if err := s.store.CreateSession(c.Request().Context(), sess); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// listSessionsHandler handles GET /api/v1/sessions?user_id=&limit=.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	sessions, err := s.store.ListSessions(c.Request().Context(), c.QueryParam("user_id"), parseLimit(c, defaultListLimit))
	if err != nil {
		return mapServiceError(err)
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sess, err := s.store.LoadSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// listConversationsHandler handles GET /api/v1/sessions/:id/conversations,
// the conversation-history endpoint.
func (s *Server) listConversationsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.store.LoadSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	convs, err := s.store.ListConversations(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return c.JSON(http.StatusOK, convs)
}
