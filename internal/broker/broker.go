// Package broker is the Session Broker (C6): the daemon's WebSocket
// connection handler, owning one Connection per client and driving the
// eight-step interactive query pipeline of spec.md §4.1. Its accept/read
// loop shape and per-connection struct are grounded on the teacher's
// pkg/api/handler_ws.go and pkg/events/manager.go; streaming accumulation
// is grounded on pkg/agent/controller/streaming.go.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/appraisal"
	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/eventlog"
	"github.com/meridianhq/meridian/internal/llmclient"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/notify"
	"github.com/meridianhq/meridian/internal/sandbox"
	"github.com/meridianhq/meridian/internal/store"
)

// FindingSource supplies the ambient-finding queue consulted at query step
// 2 (spec.md §4.1, §9). It is an external collaborator, like
// ContextBuilder: the daemon has no in-tree producer of findings, so a
// nil FindingSource simply disables the feature.
type FindingSource interface {
	Next(ctx context.Context, sessionID string) (text, hash string, ok bool, err error)
}

// ContextBuilder composes additional system-prompt context for a session
// (step 3's "context-builder" external collaborator), e.g. recent
// summaries or retrieved memory. Optional; nil disables the contribution.
type ContextBuilder func(ctx context.Context, sess *model.Session) (string, error)

// Broker owns the daemon's live WebSocket connections and the resources a
// query needs to run: persistence, the event-log registry, the sandbox
// supervisor, the agent launcher seam, notification delivery, and
// per-session appraisal state.
type Broker struct {
	store      *store.Store
	cfg        *config.Config
	sandboxSup *sandbox.Supervisor
	logs       *eventlog.Registry
	launcher   AgentLauncher
	notify     *notify.Service
	llmClient  llmclient.StructuredClient

	findings       FindingSource
	contextBuilder ContextBuilder

	logger *slog.Logger

	connMu sync.Mutex
	conns  map[string]*Connection

	apprMu   sync.Mutex
	apprMgrs map[string]*appraisal.Manager
}

// Option configures optional Broker collaborators.
type Option func(*Broker)

// WithFindingSource wires an ambient-finding producer.
func WithFindingSource(fs FindingSource) Option {
	return func(b *Broker) { b.findings = fs }
}

// WithContextBuilder wires a system-prompt context contributor.
func WithContextBuilder(cb ContextBuilder) Option {
	return func(b *Broker) { b.contextBuilder = cb }
}

// WithLauncher overrides the default AgentLauncher, used by tests to
// substitute a scripted fake transport.Stream.
func WithLauncher(l AgentLauncher) Option {
	return func(b *Broker) { b.launcher = l }
}

// NewBroker builds a Broker wired to its required collaborators.
func NewBroker(st *store.Store, cfg *config.Config, sandboxSup *sandbox.Supervisor, logs *eventlog.Registry, notifySvc *notify.Service, llmClient llmclient.StructuredClient, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		store:      st,
		cfg:        cfg,
		sandboxSup: sandboxSup,
		logs:       logs,
		notify:     notifySvc,
		llmClient:  llmClient,
		logger:     logger.With("component", "broker"),
		conns:      make(map[string]*Connection),
		apprMgrs:   make(map[string]*appraisal.Manager),
	}
	b.launcher = &defaultLauncher{sandboxSup: sandboxSup}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleConnection is the accept-loop entry point: it owns one websocket
// connection for its entire lifetime, blocking until the client
// disconnects or a protocol-fatal error occurs, mirroring the teacher's
// wsHandler delegating to ConnectionManager.HandleConnection.
func (b *Broker) HandleConnection(ctx context.Context, ws *websocket.Conn) {
	id := uuid.NewString()
	conn := newConnection(b, ws, id)

	b.connMu.Lock()
	b.conns[id] = conn
	b.connMu.Unlock()

	defer func() {
		conn.close()
		b.connMu.Lock()
		delete(b.conns, id)
		b.connMu.Unlock()
	}()

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) || ctx.Err() != nil {
				return
			}
			b.logger.Warn("reading from connection", "connection_id", id, "error", err)
			return
		}

		var env inboundEnvelope
		if err := decodeInto(raw, &env); err != nil {
			conn.sendError(ctx, "malformed message envelope", true)
			continue
		}

		if env.Type == "close" {
			return
		}
		b.dispatch(ctx, conn, env.Type, raw)
	}
}

func (b *Broker) dispatch(ctx context.Context, conn *Connection, msgType string, raw []byte) {
	switch msgType {
	case "new_session":
		b.handleNewSession(ctx, conn, raw)
	case "resume_session":
		b.handleResumeSession(ctx, conn, raw)
	case "update_config":
		b.handleUpdateConfig(ctx, conn, raw)
	case "permission_response":
		b.handlePermissionResponse(ctx, conn, raw)
	case "ping":
		conn.sendPong(ctx)
	case "cancel":
		b.handleCancel(ctx, conn)
	case "query":
		b.handleQuery(ctx, conn, raw)
	default:
		conn.sendError(ctx, fmt.Sprintf("unknown message type %q", msgType), true)
	}
}

func (b *Broker) handleNewSession(ctx context.Context, conn *Connection, raw []byte) {
	var msg newSessionMsg
	if err := decodeInto(raw, &msg); err != nil {
		conn.sendError(ctx, "malformed new_session message", true)
		return
	}

	if msg.Config.WorkingDir == "" && msg.Config.SandboxMountType != model.MountNone {
		conn.sendError(ctx, "working_dir is required unless sandbox_mount_type is none", true)
		return
	}

	sess := NewSessionFromConfig(msg.Config, b.cfg, "websocket")

	if err := b.store.CreateSession(ctx, sess); err != nil {
		b.logger.Error("creating session", "error", err)
		conn.sendError(ctx, "failed to create session", true)
		return
	}

	conn.bindSession(sess)
	conn.send(ctx, "session_ready", sessionReadyData{SessionID: sess.ID, Config: sess.Config, IsLocked: sess.IsLocked, Name: sess.Name})
}

func (b *Broker) handleResumeSession(ctx context.Context, conn *Connection, raw []byte) {
	var msg resumeSessionMsg
	if err := decodeInto(raw, &msg); err != nil {
		conn.sendError(ctx, "malformed resume_session message", true)
		return
	}

	sess, err := b.store.LoadSession(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			conn.sendError(ctx, "session not found", true)
			return
		}
		b.logger.Error("loading session for resume", "session_id", msg.SessionID, "error", err)
		conn.sendError(ctx, "failed to resume session", true)
		return
	}

	if sess.Config.UserID != "" && msg.UserID != sess.Config.UserID {
		conn.sendError(ctx, "resume_session user mismatch", true)
		return
	}

	conn.bindSession(sess)
	conn.send(ctx, "session_ready", sessionReadyData{SessionID: sess.ID, Config: sess.Config, IsLocked: sess.IsLocked, Name: sess.Name})

	var lastSeq int64
	if msg.LastSeq != nil {
		lastSeq = *msg.LastSeq
	}
	log := b.logs.GetOrCreate(sess.ID)
	for _, ev := range log.Replay(lastSeq) {
		conn.sendReplay(ctx, ev)
	}
}

func (b *Broker) handleUpdateConfig(ctx context.Context, conn *Connection, raw []byte) {
	sess := conn.sessionSnapshot()
	if sess == nil {
		conn.sendError(ctx, errNoSession.Error(), true)
		return
	}

	if conn.isQueryInFlight() {
		conn.sendError(ctx, apperr.ErrQueryInFlight.Error(), true)
		return
	}

	var msg updateConfigMsg
	if err := decodeInto(raw, &msg); err != nil {
		conn.sendError(ctx, "malformed update_config message", true)
		return
	}

	if err := b.store.UpdateSessionFields(ctx, sess.ID, store.SessionFields{Config: &msg.Config}); err != nil {
		b.logger.Error("updating session config", "session_id", sess.ID, "error", err)
		conn.sendError(ctx, "failed to update config", true)
		return
	}
	conn.setSessionConfig(msg.Config)
}

func (b *Broker) handlePermissionResponse(ctx context.Context, conn *Connection, raw []byte) {
	var msg permissionResponseMsg
	if err := decodeInto(raw, &msg); err != nil {
		conn.sendError(ctx, "malformed permission_response message", true)
		return
	}
	if err := conn.permissions.Resolve(msg.RequestID, msg.Allowed, msg.DenyMessage); err != nil {
		conn.sendError(ctx, "no such pending permission request", true)
	}
}

func (b *Broker) handleCancel(ctx context.Context, conn *Connection) {
	stream, inFlight := conn.requestCancel()
	if !inFlight {
		conn.sendError(ctx, apperr.ErrNothingInFlight.Error(), true)
		return
	}
	conn.send(ctx, "cancelled", cancelledData{Message: "cancellation requested"})
	if stream != nil {
		_ = stream.Interrupt()
	}
}

func (b *Broker) handleQuery(ctx context.Context, conn *Connection, raw []byte) {
	var msg queryMsg
	if err := decodeInto(raw, &msg); err != nil {
		conn.sendError(ctx, "malformed query message", true)
		return
	}

	queryCtx, cancel := context.WithCancel(ctx)
	if err := conn.beginQuery(cancel); err != nil {
		cancel()
		conn.sendError(ctx, err.Error(), true)
		return
	}

	go b.runQuery(queryCtx, conn, msg.Prompt)
}

// NewSessionFromConfig builds a new Session from a client-supplied config,
// filling system-wide defaults and stamping creation timestamps. Shared by
// the websocket new_session handler and the HTTP session-creation endpoint
// so both mediums construct sessions identically.
func NewSessionFromConfig(cfg model.SessionConfig, dcfg *config.Config, medium string) *model.Session {
	applySessionConfigDefaults(&cfg, dcfg)
	now := time.Now()
	return &model.Session{
		ID:               uuid.NewString(),
		Name:             cfg.SessionName,
		WorkingDir:       cfg.WorkingDir,
		Personality:      firstOrEmpty(cfg.Personality),
		UserID:           cfg.UserID,
		Medium:           medium,
		StartTime:        now,
		LastActivity:     now,
		SandboxMode:      cfg.SandboxMode,
		SandboxMountType: cfg.SandboxMountType,
		SandboxSettings:  cfg.SandboxSettings,
		CreatedAt:        now,
		Config:           cfg,
	}
}

func applySessionConfigDefaults(cfg *model.SessionConfig, dcfg *config.Config) {
	if len(cfg.Personality) == 0 && dcfg.Defaults.Personality != "" {
		cfg.Personality = []string{dcfg.Defaults.Personality}
	}
	if cfg.ThinkingBudget == 0 {
		cfg.ThinkingBudget = dcfg.Defaults.ThinkingBudget
	}
	if !cfg.SandboxMode && dcfg.Defaults.SandboxMode {
		cfg.SandboxMode = true
	}
}

func firstOrEmpty(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

// appraisalManagerFor lazily constructs and initializes the per-session
// appraisal Manager used by runPostCompletionTasks, mirroring the
// registry-of-lazy-scopes shape already used by eventlog.Registry and
// sandbox.Supervisor.
func (b *Broker) appraisalManagerFor(ctx context.Context, sess *model.Session) (*appraisal.Manager, error) {
	b.apprMu.Lock()
	mgr, ok := b.apprMgrs[sess.ID]
	b.apprMu.Unlock()
	if ok {
		return mgr, nil
	}

	if b.llmClient == nil {
		return nil, fmt.Errorf("broker: no structured LLM client configured for appraisal")
	}

	profileName := b.cfg.Defaults.Personality
	if len(sess.Config.Personality) > 0 {
		profileName = sess.Config.Personality[0]
	}
	profiles := map[string]model.EmotionProfile{}
	if dp, err := b.cfg.DecayProfiles.Get(profileName); err == nil {
		for k, v := range dp.Personality {
			profiles[k] = model.EmotionProfile{
				BaseDecayRate:        v.BaseDecayRate,
				Resilience:           v.Resilience,
				MinimumPersistence:   v.MinimumPersistence,
				Sticky:               v.Sticky,
				Valence:              v.Valence,
				SocialRelevance:      v.SocialRelevance,
				HighArousal:          v.HighArousal,
				PersonalityStability: v.PersonalityStability,
			}
		}
	} else {
		b.logger.Warn("unknown decay profile for appraisal", "session_id", sess.ID, "profile", profileName, "error", err)
	}

	mgr = appraisal.NewManager(sess.ID, b.store, b.llmClient, profiles, model.OCCProfile{Personality: profiles})
	if err := mgr.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("broker: initializing appraisal manager: %w", err)
	}

	b.apprMu.Lock()
	b.apprMgrs[sess.ID] = mgr
	b.apprMu.Unlock()
	return mgr, nil
}

// runPostCompletionTasks buffers the turn's response as an appraisal
// stimulus in its own goroutine, so it never delays the done event already
// sent to the client, and flushes the appraisal batch once it reaches
// appraisal.MaxBatchSize; every failure is logged only, per spec.md §7.
func (b *Broker) runPostCompletionTasks(sess *model.Session, prompt string, outcome turnOutcome) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mgr, err := b.appraisalManagerFor(ctx, sess)
		if err != nil {
			b.logger.Warn("post-completion: appraisal manager unavailable", "session_id", sess.ID, "error", err)
			return
		}
		mgr.BufferStimulus(model.StimulusEntry{
			Payload:   outcome.responseText,
			Timestamp: time.Now(),
		})
		if mgr.PendingCount() >= appraisal.MaxBatchSize {
			if err := mgr.Flush(ctx); err != nil {
				b.logger.Warn("post-completion: appraisal flush failed", "session_id", sess.ID, "error", err)
			}
		}
	}()
}
