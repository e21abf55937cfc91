// Package api is the daemon's HTTP surface (A2): session and conversation
// CRUD, swarm orchestration endpoints, the work queue, emotion state
// introspection, consolidation enqueue, notifications, health, and the
// WebSocket upgrade that hands off to internal/broker. Grounded on the
// teacher's pkg/api package (server.go's Set*-wiring Server, errors.go's
// error-mapping convention, the file-per-resource handler layout).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/meridianhq/meridian/internal/broker"
	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/consolidation"
	"github.com/meridianhq/meridian/internal/notify"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/swarm"
	"github.com/meridianhq/meridian/internal/workqueue"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg           *config.Config
	store         *store.Store
	broker        *broker.Broker
	orchestrator  *swarm.Orchestrator
	queue         *workqueue.Queue
	notify        *notify.Service
	consolidation *consolidation.Scheduler

	logger *slog.Logger
}

// NewServer builds the API server and registers every route.
// orchestrator, queue, notifySvc, and scheduler are optional: a nil value
// makes the corresponding endpoints respond 503, letting a caller stand up
// a partial daemon (e.g. a test harness exercising only sessions).
func NewServer(
	cfg *config.Config,
	st *store.Store,
	b *broker.Broker,
	orch *swarm.Orchestrator,
	q *workqueue.Queue,
	notifySvc *notify.Service,
	scheduler *consolidation.Scheduler,
	logger *slog.Logger,
) *Server {
	e := echo.New()

	s := &Server{
		echo:          e,
		cfg:           cfg,
		store:         st,
		broker:        b,
		orchestrator:  orch,
		queue:         q,
		notify:        notifySvc,
		consolidation: scheduler,
		logger:        logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")

	// Static paths before :id params.
	v1.GET("/sessions", s.listSessionsHandler)
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.GET("/sessions/:id/conversations", s.listConversationsHandler)

	v1.GET("/swarms", s.listSwarmsHandler)
	v1.POST("/swarms", s.createSwarmHandler)
	v1.GET("/swarms/:id", s.getSwarmHandler)
	v1.GET("/swarms/:id/dag", s.swarmDAGHandler)
	v1.POST("/swarms/:id/start", s.startSwarmHandler)
	v1.POST("/swarms/:id/resume", s.resumeSwarmHandler)
	v1.GET("/swarms/:id/wait", s.waitSwarmHandler)
	v1.GET("/swarms/:id/agents/:name", s.getSwarmAgentHandler)
	v1.POST("/swarms/:id/cancel", s.cancelSwarmHandler)
	v1.POST("/swarms/:id/merge", s.mergeSwarmHandler)
	v1.GET("/swarms/:id/scratchpad", s.listScratchpadHandler)
	v1.PUT("/swarms/:id/scratchpad/:key", s.setScratchpadHandler)
	v1.GET("/swarms/:id/scratchpad/:key", s.getScratchpadHandler)
	v1.DELETE("/swarms/:id/scratchpad/:key", s.deleteScratchpadHandler)

	v1.GET("/tasks", s.listReadyTasksHandler)
	v1.POST("/tasks", s.createTaskHandler)
	v1.POST("/tasks/claim", s.claimTaskHandler)
	v1.POST("/tasks/:id/release", s.releaseTaskHandler)
	v1.PATCH("/tasks/:id", s.patchTaskHandler)
	v1.DELETE("/tasks/:id", s.deleteTaskHandler)

	v1.GET("/sessions/:id/emotion/state", s.emotionStateHandler)
	v1.GET("/sessions/:id/emotion/history", s.emotionHistoryHandler)
	v1.GET("/sessions/:id/emotion/summary", s.emotionSummaryHandler)
	v1.GET("/sessions/:id/emotion/profile", s.emotionProfileHandler)

	v1.POST("/consolidation/enqueue", s.enqueueConsolidationHandler)

	v1.POST("/notifications", s.createNotificationHandler)
	v1.GET("/notifications", s.listNotificationsHandler)
	v1.POST("/notifications/:id/acknowledge", s.acknowledgeNotificationHandler)
	v1.POST("/notifications/:id/fail", s.failNotificationHandler)

	v1.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serving: %w", err)
	}
	return nil
}

// StartWithListener starts the HTTP server on a pre-created listener,
// for test harnesses that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serving: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) unavailable(name string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusServiceUnavailable, name+" not available")
}

// backgroundContext detaches a handler-kicked long-running operation (swarm
// Run/Resume) from the request's context, which is cancelled the moment the
// HTTP response is written.
func backgroundContext() context.Context {
	return context.Background()
}

const defaultListLimit = 50

// parseLimit reads a "limit" query param, falling back to fallback.
func parseLimit(c *echo.Context, fallback int) int {
	return parseQueryInt(c, "limit", fallback)
}

// parseQueryInt reads a positive integer query param, falling back to
// fallback when absent or malformed.
func parseQueryInt(c *echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}
