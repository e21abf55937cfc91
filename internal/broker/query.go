package broker

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/sandbox"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/transport"
)

// virtualSchemePrefix marks a session's working_dir as belonging to the
// chat medium rather than a real filesystem path, per spec.md §4.1 step 3.
const virtualSchemePrefix = "virtual://"

// blockBuilder assembles ConversationBlocks in stream order, merging
// adjacent text deltas into one block the way callLLMWithStreaming's
// text/thinking buffers merge consecutive chunks before they are persisted
// as a single timeline event.
type blockBuilder struct {
	blocks []model.ConversationBlock
}

func (bb *blockBuilder) appendText(text string) {
	if text == "" {
		return
	}
	if n := len(bb.blocks); n > 0 && bb.blocks[n-1].Type == model.BlockText {
		bb.blocks[n-1].Text += text
		return
	}
	bb.blocks = append(bb.blocks, model.ConversationBlock{Type: model.BlockText, Text: text})
}

func (bb *blockBuilder) appendToolUse(id, name string, input map[string]any) {
	bb.blocks = append(bb.blocks, model.ConversationBlock{Type: model.BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input})
}

func (bb *blockBuilder) appendToolResult(id, name, content string, isErr bool) {
	bb.blocks = append(bb.blocks, model.ConversationBlock{Type: model.BlockToolResult, ToolUseID: id, ToolName: name, Text: content, IsError: isErr})
}

func (bb *blockBuilder) toolNameFor(id string) string {
	for i := len(bb.blocks) - 1; i >= 0; i-- {
		if bb.blocks[i].Type == model.BlockToolUse && bb.blocks[i].ToolUseID == id {
			return bb.blocks[i].ToolName
		}
	}
	return ""
}

// finalize returns the blocks with thinking (if any was accumulated)
// inserted at the head and ordinals reassigned 0..N-1, per spec.md §4.1's
// streaming-vs-batch dedup rule ("thinking precedes final text").
func (bb *blockBuilder) finalize(thinking string) []model.ConversationBlock {
	blocks := bb.blocks
	if thinking != "" {
		blocks = append([]model.ConversationBlock{{Type: model.BlockThinking, Text: thinking}}, blocks...)
	}
	for i := range blocks {
		blocks[i].Ordinal = i
	}
	return blocks
}

// turnOutcome is what runAgentTurn hands back to its caller: the assembled
// blocks, the concatenated response text (derived from the blocks so
// invariant 2 holds by construction), tool usage, and whether the backend
// itself errored.
type turnOutcome struct {
	blocks        []model.ConversationBlock
	responseText  string
	toolCount     int
	toolNames     []string
	ttftMs        *int64
	responseMs    int64
	failed        bool
	failureReason string
}

// turnSink lets runAgentTurn serve both an interactive connection (emits
// wire events, checks the edge-sensitive cancel flag) and a headless swarm
// invocation (neither).
type turnSink struct {
	emit              func(eventType string, data any)
	isCancelled       func() bool
	resolvePermission func(stream transport.Stream, ev transport.Event)
}

// runAgentTurn drains stream to completion, translating each event per
// spec.md §4.1 step 5 and accumulating blocks/timings. It is the one place
// both the interactive query pipeline and the swarm AgentInvoker adapter
// funnel through, so the streaming-vs-batch dedup policy is implemented
// exactly once.
func runAgentTurn(stream transport.Stream, sink turnSink) turnOutcome {
	var bb blockBuilder
	var thinkingBuf strings.Builder
	var textStreamedFromDeltas bool
	var toolCount int
	var toolNames []string
	var ttft *int64
	started := time.Now()
	var outcome turnOutcome

	for ev := range stream.Events() {
		cancelled := sink.isCancelled != nil && sink.isCancelled()
		if cancelled && ev.Type != transport.EventDone {
			continue
		}

		switch ev.Type {
		case transport.EventText:
			if ev.Text == "" {
				continue
			}
			if ttft == nil {
				e := time.Since(started).Milliseconds()
				ttft = &e
			}
			bb.appendText(ev.Text)
			textStreamedFromDeltas = true
			if !cancelled && sink.emit != nil {
				sink.emit("text", textData{Text: ev.Text})
			}

		case transport.EventThinking:
			if ev.Text == "" {
				continue
			}
			if ttft == nil {
				e := time.Since(started).Milliseconds()
				ttft = &e
			}
			thinkingBuf.WriteString(ev.Text)
			if !cancelled && sink.emit != nil {
				sink.emit("thinking", thinkingData{Text: ev.Text})
			}

		case transport.EventToolUse:
			toolCount++
			toolNames = append(toolNames, ev.ToolName)
			bb.appendToolUse(ev.ToolUseID, ev.ToolName, ev.ToolInput)
			if !cancelled && sink.emit != nil {
				sink.emit("tool_use", toolUseData{ID: ev.ToolUseID, Name: ev.ToolName, Input: ev.ToolInput})
			}
			if sink.resolvePermission != nil {
				sink.resolvePermission(stream, ev)
			}

		case transport.EventToolResult:
			name := bb.toolNameFor(ev.ToolUseID)
			bb.appendToolResult(ev.ToolUseID, name, ev.ToolResultContent, ev.ToolIsError)
			if !cancelled && sink.emit != nil {
				sink.emit("tool_result", toolResultData{ToolUseID: ev.ToolUseID, Name: name, Output: ev.ToolResultContent, IsError: ev.ToolIsError})
			}

		case transport.EventSessionID:
			// handled by the caller, which has access to the session row

		case transport.EventDone:
			if ev.Message != "" && !textStreamedFromDeltas {
				bb.appendText(ev.Message)
			}

		case transport.EventError:
			outcome.failed = true
			outcome.failureReason = ev.Message
		}
	}

	outcome.responseMs = time.Since(started).Milliseconds()
	outcome.ttftMs = ttft
	outcome.toolCount = toolCount
	outcome.toolNames = toolNames
	outcome.blocks = bb.finalize(thinkingBuf.String())

	var text strings.Builder
	for _, blk := range outcome.blocks {
		if blk.Type == model.BlockText {
			text.WriteString(blk.Text)
		}
	}
	outcome.responseText = text.String()
	return outcome
}

// composeSystemPrompt implements spec.md §4.1 step 3: personality
// fragments joined with whatever the context-builder collaborator
// contributes.
func (b *Broker) composeSystemPrompt(ctx context.Context, sess *model.Session) string {
	var parts []string
	for _, name := range sess.Config.Personality {
		p, err := b.cfg.Personalities.Get(name)
		if err != nil {
			b.logger.Warn("unknown personality in session config", "session_id", sess.ID, "personality", name)
			continue
		}
		parts = append(parts, p.Prompt)
	}
	if b.contextBuilder != nil {
		extra, err := b.contextBuilder(ctx, sess)
		if err != nil {
			b.logger.Warn("context builder failed", "session_id", sess.ID, "error", err)
		} else if extra != "" {
			parts = append(parts, extra)
		}
	}
	return strings.Join(parts, "\n\n")
}

// resolveWorkingDir substitutes a daemon-managed fallback directory for
// virtual-scheme working dirs (chat-medium sessions with no real path of
// their own), per spec.md §4.1 step 3.
func (b *Broker) resolveWorkingDir(sess *model.Session) string {
	wd := sess.Config.WorkingDir
	if strings.HasPrefix(wd, virtualSchemePrefix) {
		return filepath.Join(b.cfg.Agent.VirtualDirRoot, sess.ID)
	}
	return wd
}

func (b *Broker) directConfigFor(sess *model.Session, systemPrompt, workingDir string) transport.Config {
	args := append([]string{}, b.cfg.Agent.Args...)
	args = append(args, "--system-prompt", systemPrompt)
	if sess.Config.Model != "" {
		args = append(args, "--model", sess.Config.Model)
	}
	if sess.Config.ThinkingBudget > 0 {
		args = append(args, "--thinking-budget", strconv.Itoa(sess.Config.ThinkingBudget))
	}
	for _, tool := range sess.Config.AllowedTools {
		args = append(args, "--allowed-tool", tool)
	}
	if sess.ClaudeSessionID != "" {
		args = append(args, "--resume", sess.ClaudeSessionID)
	}

	var env []string
	for k, v := range sess.Config.Env {
		env = append(env, k+"="+v)
	}

	return transport.Config{
		Command:    b.cfg.Agent.Command,
		Args:       args,
		WorkingDir: workingDir,
		Env:        env,
	}
}

func (b *Broker) sandboxConfigFor(sess *model.Session, systemPrompt, workingDir string) sandbox.Config {
	profileName := b.cfg.Defaults.SandboxProfile
	if v, ok := sess.Config.SandboxSettings["profile"].(string); ok && v != "" {
		profileName = v
	}

	var profile sandbox.Profile
	if pc, err := b.cfg.SandboxProfiles.Get(profileName); err != nil {
		b.logger.Warn("unknown sandbox profile", "session_id", sess.ID, "profile", profileName, "error", err)
	} else {
		profile = sandbox.Profile{Image: pc.Image, CPULimit: pc.CPULimit, MemoryLimit: pc.MemoryLimit, Env: pc.Env}
	}

	env := make(map[string]string, len(sess.Config.Env))
	for k, v := range sess.Config.Env {
		env[k] = v
	}

	return sandbox.Config{
		WorkingDir:       workingDir,
		SystemPrompt:     systemPrompt,
		Model:            sess.Config.Model,
		ThinkingBudget:   sess.Config.ThinkingBudget,
		AllowedTools:     sess.Config.AllowedTools,
		ResumeSessionID:  sess.ClaudeSessionID,
		MountType:        sess.Config.SandboxMountType,
		NetworkMode:      sess.Config.SandboxNetworkMode,
		Plugins:          sess.Config.Plugins,
		Env:              env,
		Profile:          profile,
		AgentCommand:     b.cfg.Agent.Command,
		AgentArgs:        b.cfg.Agent.Args,
		ContainerWorkdir: b.cfg.Agent.ContainerWorkdir,
	}
}

// runQuery is the full 8-step query execution pipeline of spec.md §4.1. It
// runs in its own goroutine so the connection's read loop stays free to
// process cancel/permission_response concurrently.
func (b *Broker) runQuery(ctx context.Context, conn *Connection, prompt string) {
	defer conn.endQuery()

	sess := conn.sessionSnapshot()

	// Step 1: persist the user turn.
	userConv := &model.Conversation{
		SessionID:   sess.ID,
		Role:        model.RoleUser,
		Timestamp:   time.Now(),
		Personality: strings.Join(sess.Config.Personality, ","),
		Medium:      sess.Medium,
		UserID:      sess.Config.UserID,
		Blocks:      []model.ConversationBlock{{Type: model.BlockText, Text: prompt}},
	}
	if err := b.store.InsertConversationWithBlocks(ctx, userConv); err != nil {
		b.logger.Error("persisting user turn", "session_id", sess.ID, "error", err)
		conn.sendError(ctx, "failed to persist your message", true)
		return
	}

	// Step 2: ambient finding, best effort, at-most-once-per-window.
	effectivePrompt := prompt
	if b.findings != nil {
		text, hash, ok, err := b.findings.Next(ctx, sess.ID)
		if err != nil {
			b.logger.Warn("ambient finding lookup failed", "session_id", sess.ID, "error", err)
		} else if ok {
			surfaced, err := b.store.MarkFindingSurfaced(ctx, sess.ID, hash)
			if err != nil {
				b.logger.Warn("recording surfaced finding", "session_id", sess.ID, "error", err)
			} else if surfaced {
				effectivePrompt = text + "\n\n" + prompt
			}
		}
	}

	// Step 3: compose system prompt and resolve working dir.
	systemPrompt := b.composeSystemPrompt(ctx, sess)
	workingDir := b.resolveWorkingDir(sess)

	// Step 4: choose execution path.
	sandboxed := sess.Config.SandboxMode
	var stream transport.Stream
	var err error
	if sandboxed {
		var locked bool
		stream, locked, err = b.launcher.LaunchSandboxed(ctx, sess.ID, b.sandboxConfigFor(sess, systemPrompt, workingDir), effectivePrompt)
		if locked {
			_ = b.store.LockSession(ctx, sess.ID)
			conn.setLocked(true)
			conn.sendError(ctx, "sandbox session is locked and can no longer run queries", true)
			return
		}
	} else {
		stream, err = b.launcher.LaunchDirect(ctx, b.directConfigFor(sess, systemPrompt, workingDir), effectivePrompt)
	}
	if err != nil {
		b.logger.Error("starting agent backend", "session_id", sess.ID, "sandboxed", sandboxed, "error", err)
		if sandboxed {
			_ = b.store.LockSession(ctx, sess.ID)
			conn.setLocked(true)
		}
		conn.sendError(ctx, "failed to start agent backend", true)
		return
	}

	conn.setCurrentStream(stream)
	if sandboxed {
		b.sandboxSup.IncrActiveQueries(sess.ID)
		defer b.sandboxSup.DecrActiveQueries(sess.ID)
	}

	// Steps 5-6: translate/buffer/emit loop with timing capture.
	outcome := runAgentTurn(stream, turnSink{
		emit:        func(eventType string, data any) { conn.send(ctx, eventType, data) },
		isCancelled: conn.isCancelRequested,
		resolvePermission: func(s transport.Stream, ev transport.Event) {
			b.gatePermission(ctx, conn, sess, s, ev)
		},
	})

	if claudeID := stream.SessionID(); claudeID != "" && claudeID != sess.ClaudeSessionID {
		_ = b.store.UpdateSessionFields(ctx, sess.ID, store.SessionFields{ClaudeSessionID: &claudeID})
		conn.setClaudeSessionID(claudeID)
	}

	cancelled := conn.isCancelRequested()

	// Step 7: emit done and persist the assistant turn.
	conn.send(ctx, "done", doneData{
		ResponseText: outcome.responseText,
		ToolCount:    outcome.toolCount,
		Timings:      timingsData{TimeToFirstTokenMs: ttftOrZero(outcome.ttftMs), ResponseTimeMs: outcome.responseMs},
	})

	if outcome.failed && !cancelled {
		conn.sendError(ctx, outcome.failureReason, true)
		if sandboxed {
			_ = stream.Close()
			_ = b.store.LockSession(ctx, sess.ID)
			conn.setLocked(true)
		}
	}

	if cancelled || len(outcome.blocks) == 0 {
		return
	}

	assistantConv := &model.Conversation{
		SessionID:   sess.ID,
		Role:        model.RoleAssistant,
		Timestamp:   time.Now(),
		Personality: strings.Join(sess.Config.Personality, ","),
		Medium:      sess.Medium,
		UserID:      sess.Config.UserID,
		Metrics: model.Metrics{
			TTFTMs:     outcome.ttftMs,
			ResponseMs: &outcome.responseMs,
			ToolUses:   outcome.toolCount,
			ToolNames:  outcome.toolNames,
		},
		Blocks: outcome.blocks,
	}
	if err := b.store.InsertConversationWithBlocks(ctx, assistantConv); err != nil {
		b.logger.Error("persisting assistant turn", "session_id", sess.ID, "error", err)
		conn.sendError(ctx, "your response was not saved", true)
		return
	}

	// Step 8: fire-and-forget post-completion background tasks.
	b.runPostCompletionTasks(sess, prompt, outcome)
}

func ttftOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// gatePermission implements the Permission Arbiter round trip for one
// tool_use event: if the session's auto_approve is set, allow immediately
// with the original input (spec.md §4.4(a)); otherwise register the pending
// request, emit permission_request, and block (only this query's
// goroutine, not the connection's read loop) until Resolve/timeout/close
// delivers a Resolution, then relay it back to the agent backend.
func (b *Broker) gatePermission(ctx context.Context, conn *Connection, sess *model.Session, stream transport.Stream, ev transport.Event) {
	if sess.Config.AutoApprove {
		if err := stream.Respond(ev.ToolUseID, true, ""); err != nil {
			b.logger.Warn("auto-approving permission request", "tool_use_id", ev.ToolUseID, "error", err)
		}
		return
	}

	deadline := b.cfg.Defaults.PermissionDeadline
	resultCh := conn.permissions.Request(ev.ToolUseID, ev.ToolInput, deadline)

	conn.send(ctx, "permission_request", permissionRequestData{RequestID: ev.ToolUseID, ToolName: ev.ToolName, ToolInput: ev.ToolInput})

	res := <-resultCh
	if err := stream.Respond(ev.ToolUseID, res.Allowed, res.DenyMessage); err != nil {
		b.logger.Warn("responding to permission request", "tool_use_id", ev.ToolUseID, "error", err)
	}
	if res.Interrupt {
		_ = stream.Interrupt()
	}
}
