// Package permission is the Permission Arbiter (C4): a per-connection table
// of outstanding tool-use authorization requests, resolved by an explicit
// response, a deadline timeout, or connection close — all three collapsing
// to the same allow/deny-with-interrupt result channel so the broker's
// query loop only ever waits on one thing per request.
//
// The reservation/release bookkeeping mirrors the teacher's
// pkg/agent/orchestrator/runner.go SubAgentRunner: a mutex-guarded map plus
// explicit lifecycle removal, sized for one connection instead of one
// orchestrator execution.
package permission

import (
	"sync"
	"time"

	"github.com/meridianhq/meridian/internal/apperr"
)

// Resolution is the outcome of one permission request, delivered exactly
// once on its channel.
type Resolution struct {
	Allowed     bool
	ToolInput   map[string]any // echoed back on allow
	DenyMessage string
	Interrupt   bool // true for deny paths: the agent backend run must be interrupted
}

// pending is one outstanding request.
type pending struct {
	toolInput map[string]any
	deadline  *time.Timer
	resultCh  chan Resolution
}

// Table is the per-connection PendingPermission table of SPEC_FULL.md §3.
type Table struct {
	mu      sync.Mutex
	entries map[string]*pending
}

// NewTable returns an empty permission table for one connection.
func NewTable() *Table {
	return &Table{entries: make(map[string]*pending)}
}

// Request registers a new pending permission keyed by requestID and returns
// a channel that receives exactly one Resolution: from Resolve, from the
// deadline firing, or from CloseAll. deadline must already reflect the
// configured floor (SPEC_FULL.md §5: >= 5 minutes); this package does not
// clamp it.
func (t *Table) Request(requestID string, toolInput map[string]any, deadline time.Duration) <-chan Resolution {
	resultCh := make(chan Resolution, 1)

	t.mu.Lock()
	p := &pending{toolInput: toolInput, resultCh: resultCh}
	p.deadline = time.AfterFunc(deadline, func() {
		t.resolveLocked(requestID, Resolution{Allowed: false, DenyMessage: "permission request timed out", Interrupt: true})
	})
	t.entries[requestID] = p
	t.mu.Unlock()

	return resultCh
}

// Resolve resolves a pending permission explicitly, per the broker's
// permission_response handler. Returns apperr.ErrNotFound if requestID is
// not (or no longer) pending.
func (t *Table) Resolve(requestID string, allowed bool, denyMessage string) error {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	if !ok {
		t.mu.Unlock()
		return apperr.ErrNotFound
	}
	p.deadline.Stop()
	delete(t.entries, requestID)
	t.mu.Unlock()

	res := Resolution{Allowed: allowed}
	if allowed {
		res.ToolInput = p.toolInput
	} else {
		res.DenyMessage = denyMessage
		res.Interrupt = true
	}
	send(p.resultCh, res)
	return nil
}

// resolveLocked is the deadline-fire path: it must re-check the entry still
// exists (Resolve may have raced it) before delivering.
func (t *Table) resolveLocked(requestID string, res Resolution) {
	t.mu.Lock()
	p, ok := t.entries[requestID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, requestID)
	t.mu.Unlock()

	send(p.resultCh, res)
}

// CloseAll resolves every outstanding entry as deny-with-interrupt, per the
// connection-close contract in SPEC_FULL.md §4.1.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pending)
	t.mu.Unlock()

	for _, p := range entries {
		p.deadline.Stop()
		send(p.resultCh, Resolution{Allowed: false, DenyMessage: "connection closed", Interrupt: true})
	}
}

// Len reports the number of outstanding requests, for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func send(ch chan Resolution, res Resolution) {
	select {
	case ch <- res:
	default:
	}
}
