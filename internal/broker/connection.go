package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/eventlog"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/permission"
	"github.com/meridianhq/meridian/internal/transport"
)

// errNoSession is returned by beginQuery when no session is bound yet;
// spec.md §4.1 lists "query while connected with no session" alongside its
// other state errors but does not name a sentinel for it, so one is
// introduced here on top of the shared apperr taxonomy.
var errNoSession = apperr.NewValidation("session", "no session bound to this connection")

// Connection is one WebSocket client's state, per spec.md §4.1's field
// list. Its local_seq is backed entirely by the eventlog.Log it currently
// points at (the connection-local log before a session is bound, then the
// session's Registry-owned log) — there is no separate counter to keep in
// sync.
type Connection struct {
	id     string
	broker *Broker
	ws     *websocket.Conn

	sendMu sync.Mutex

	mu              sync.Mutex
	log             *eventlog.Log
	session         *model.Session
	isLocked        bool
	queryInFlight   bool
	cancelRequested bool
	currentStream   transport.Stream
	queryCancel     context.CancelFunc
	permissions     *permission.Table
}

func newConnection(b *Broker, ws *websocket.Conn, id string) *Connection {
	return &Connection{
		id:          id,
		broker:      b,
		ws:          ws,
		log:         eventlog.NewLog(b.cfg.Defaults.MaxEventLog),
		permissions: permission.NewTable(),
	}
}

func (c *Connection) bindSession(sess *model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = sess
	c.isLocked = sess.IsLocked
	c.log = c.broker.logs.GetOrCreate(sess.ID)
}

func (c *Connection) sessionSnapshot() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	sess := *c.session
	return &sess
}

func (c *Connection) setSessionConfig(cfg model.SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Config = cfg
	}
}

func (c *Connection) setClaudeSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.ClaudeSessionID = id
	}
}

func (c *Connection) setLocked(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isLocked = locked
	if c.session != nil {
		c.session.IsLocked = locked
	}
}

func (c *Connection) isSessionLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLocked
}

func (c *Connection) isQueryInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryInFlight
}

func (c *Connection) isCancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

// beginQuery atomically checks preconditions and marks a query in flight,
// returning the state error to surface if preconditions fail.
func (c *Connection) beginQuery(queryCancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return errNoSession
	}
	if c.isLocked {
		return apperr.ErrLocked
	}
	if c.queryInFlight {
		return apperr.ErrQueryInFlight
	}
	c.queryInFlight = true
	c.cancelRequested = false
	c.queryCancel = queryCancel
	return nil
}

func (c *Connection) endQuery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryInFlight = false
	c.currentStream = nil
	c.queryCancel = nil
}

func (c *Connection) setCurrentStream(stream transport.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStream = stream
}

// requestCancel marks the edge-sensitive cancel flag and returns the
// in-flight stream (if any) so the caller can interrupt it outside the
// lock. Returns false if no query is in flight.
func (c *Connection) requestCancel() (transport.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.queryInFlight {
		return nil, false
	}
	c.cancelRequested = true
	return c.currentStream, true
}

// send allocates the next seq on whichever log is currently bound and
// writes the envelope to the client.
func (c *Connection) send(ctx context.Context, eventType string, data any) {
	c.mu.Lock()
	log := c.log
	c.mu.Unlock()

	ev := log.Append(eventType, data)
	c.writeEnvelope(ctx, outboundEnvelope{Type: eventType, Data: data, Timestamp: ev.Timestamp, Seq: ev.Seq})
}

// sendReplay re-emits a previously logged event verbatim (same seq), used
// by resume_session replay.
func (c *Connection) sendReplay(ctx context.Context, ev eventlog.Event) {
	c.writeEnvelope(ctx, outboundEnvelope{Type: ev.Type, Data: ev.Data, Timestamp: ev.Timestamp, Seq: ev.Seq})
}

func (c *Connection) sendPong(ctx context.Context) {
	c.writeEnvelope(ctx, outboundEnvelope{Type: "pong", Timestamp: time.Now()})
}

func (c *Connection) sendError(ctx context.Context, message string, recoverable bool) {
	c.send(ctx, "error", errorData{Message: message, Recoverable: recoverable})
}

func (c *Connection) writeEnvelope(ctx context.Context, env outboundEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.broker.logger.Error("marshaling outbound event", "type", env.Type, "error", err)
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.broker.logger.Warn("writing outbound event", "connection_id", c.id, "type", env.Type, "error", err)
	}
}

// close resolves every pending permission deny-with-interrupt, cancels any
// in-flight query (edge-sensitive, mirroring the cancel message path), and
// leaves the sandbox session alone — the idle reaper owns teardown unless
// the query itself failed, per spec.md §4.1's connection-close contract.
func (c *Connection) close() {
	c.permissions.CloseAll()

	c.mu.Lock()
	stream := c.currentStream
	inFlight := c.queryInFlight
	if inFlight {
		c.cancelRequested = true
	}
	c.mu.Unlock()

	if inFlight && stream != nil {
		_ = stream.Interrupt()
	}
}
