package broker

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/transport"
)

// Invoker adapts a Broker to swarm.AgentInvoker: it runs one headless
// agent turn for a swarm-dispatched prompt through the same runAgentTurn
// core the interactive query pipeline uses, but with no connected client
// to ask for permission — every tool use is auto-approved immediately,
// the same way an auto_approve session bypasses the interactive round
// trip.
type Invoker struct {
	broker *Broker
}

// NewInvoker builds an Invoker bound to b.
func NewInvoker(b *Broker) *Invoker {
	return &Invoker{broker: b}
}

// Invoke starts and drains one agent turn for session, with no
// persistence of a user/assistant Conversation turn: swarm turns are
// recorded by the orchestrator itself (SPEC_FULL.md §4.9), not as
// interactive chat history.
func (inv *Invoker) Invoke(ctx context.Context, session *model.Session, prompt string) ([]model.ConversationBlock, string, int, error) {
	b := inv.broker

	systemPrompt := b.composeSystemPrompt(ctx, session)
	workingDir := b.resolveWorkingDir(session)

	var stream transport.Stream
	var err error
	if session.Config.SandboxMode {
		var locked bool
		stream, locked, err = b.launcher.LaunchSandboxed(ctx, session.ID, b.sandboxConfigFor(session, systemPrompt, workingDir), prompt)
		if locked {
			_ = b.store.LockSession(ctx, session.ID)
			return nil, "", 0, fmt.Errorf("broker: sandbox session %s is locked", session.ID)
		}
	} else {
		stream, err = b.launcher.LaunchDirect(ctx, b.directConfigFor(session, systemPrompt, workingDir), prompt)
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("broker: starting agent backend for swarm turn: %w", err)
	}

	if session.Config.SandboxMode {
		b.sandboxSup.IncrActiveQueries(session.ID)
		defer b.sandboxSup.DecrActiveQueries(session.ID)
	}

	outcome := runAgentTurn(stream, turnSink{
		resolvePermission: func(s transport.Stream, ev transport.Event) {
			if err := s.Respond(ev.ToolUseID, true, ""); err != nil {
				b.logger.Warn("auto-responding to swarm tool use", "session_id", session.ID, "tool_use_id", ev.ToolUseID, "error", err)
			}
		},
	})

	if outcome.failed {
		return outcome.blocks, outcome.responseText, outcome.toolCount, fmt.Errorf("broker: agent backend error during swarm turn: %s", outcome.failureReason)
	}
	return outcome.blocks, outcome.responseText, outcome.toolCount, nil
}
