package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades the HTTP connection to WebSocket and delegates to the
// broker, which owns the connection for its whole lifetime.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.broker == nil {
		return s.unavailable("broker")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.broker.HandleConnection(c.Request().Context(), conn)
	return nil
}
