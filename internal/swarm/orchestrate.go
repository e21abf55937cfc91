package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/llmclient"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// AgentInvoker is the seam between the Swarm Orchestrator and the actual
// query execution path (C2, or C3 when sandbox_mode is set). Implemented
// outside this package, by whatever wires the broker/sandbox layers in.
type AgentInvoker interface {
	// Invoke runs prompt to completion against session and returns the
	// collected conversation blocks, the assembled output text, and the
	// number of tool calls made.
	Invoke(ctx context.Context, session *model.Session, prompt string) (blocks []model.ConversationBlock, outputText string, toolCount int, err error)
}

// runtime holds the in-memory coordination state for one Run call:
// one-shot broadcast completion signals per agent and a cancellation flag
// checked by every in-flight per-agent goroutine.
type runtime struct {
	mu        sync.Mutex
	agents    map[string]*model.SwarmAgent // by id
	signals   map[string]chan struct{}     // closed when that agent reaches a terminal state
	cancelled atomic.Bool
}

func newRuntime(agents []model.SwarmAgent) *runtime {
	rt := &runtime{
		agents:  make(map[string]*model.SwarmAgent, len(agents)),
		signals: make(map[string]chan struct{}, len(agents)),
	}
	for i := range agents {
		a := agents[i]
		rt.agents[a.ID] = &a
		rt.signals[a.ID] = make(chan struct{})
	}
	return rt
}

func (rt *runtime) signal(agentID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	select {
	case <-rt.signals[agentID]:
	default:
		close(rt.signals[agentID])
	}
}

func (rt *runtime) wait(ctx context.Context, agentID string) error {
	select {
	case <-rt.signals[agentID]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *runtime) get(agentID string) *model.SwarmAgent {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.agents[agentID]
}

// Run executes every pending agent of a swarm, honoring dependency order
// via one-shot broadcast completion signals (spec.md §5: "dependents start
// only after all their predecessors' completion signals have fired"). It
// returns once every agent has reached a terminal state.
func (o *Orchestrator) Run(ctx context.Context, swarmID string) error {
	sw, agents, err := o.store.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return fmt.Errorf("swarm: loading swarm %s: %w", swarmID, err)
	}

	rt := newRuntime(agents)
	// Any agent already terminal (resume scenario) is pre-signalled so its
	// dependents don't block on a re-run it won't repeat.
	for _, a := range agents {
		if isTerminal(a.Status) {
			rt.signal(a.ID)
		}
	}

	o.runsMu.Lock()
	o.runs[swarmID] = rt
	o.runsMu.Unlock()
	defer func() {
		o.runsMu.Lock()
		delete(o.runs, swarmID)
		o.runsMu.Unlock()
	}()

	sw.Status = model.SwarmRunning
	if err := o.store.UpdateSwarm(ctx, sw); err != nil {
		return fmt.Errorf("swarm: marking swarm running: %w", err)
	}

	var wg sync.WaitGroup
	for _, a := range agents {
		if isTerminal(a.Status) {
			continue
		}
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runAgent(ctx, sw, rt, a.ID)
		}()
	}
	wg.Wait()

	return o.finalizeSwarm(ctx, swarmID)
}

func isTerminal(status model.AgentStatus) bool {
	switch status {
	case model.AgentCompleted, model.AgentFailed, model.AgentCancelled, model.AgentSkipped:
		return true
	default:
		return false
	}
}

// runAgent implements SPEC_FULL.md §4.5's Execution steps 1-8 for one
// agent node.
func (o *Orchestrator) runAgent(ctx context.Context, sw *model.Swarm, rt *runtime, agentID string) {
	defer rt.signal(agentID)

	agent := rt.get(agentID)

	for _, dep := range agent.DependsOn {
		if err := rt.wait(ctx, dep.AgentID); err != nil {
			o.markAgent(ctx, agentID, model.AgentCancelled, "", "context cancelled awaiting predecessor")
			return
		}
	}

	if rt.cancelled.Load() {
		o.markAgent(ctx, agentID, model.AgentCancelled, "", "swarm cancelled")
		return
	}

	// Predecessors finished after this run's snapshot was loaded; refresh
	// their status and output from the store before acting on them.
	if _, fresh, err := o.store.LoadSwarmWithAgents(ctx, sw.ID); err == nil {
		rt.mu.Lock()
		for i := range fresh {
			if fresh[i].ID != agentID {
				rt.agents[fresh[i].ID] = &fresh[i]
			}
		}
		rt.mu.Unlock()
	}

	if agent.IsSynthesisAgent && sw.SkipSynthesisOnFailure {
		for _, dep := range agent.DependsOn {
			pred := rt.get(dep.AgentID)
			if pred != nil && !pred.IsSynthesisAgent && !pred.IsMemorySteward && pred.Status == model.AgentFailed {
				o.markAgent(ctx, agentID, model.AgentSkipped, "", "")
				return
			}
		}
	}

	for _, dep := range agent.DependsOn {
		if dep.Condition == "" {
			continue
		}
		pred := rt.get(dep.AgentID)
		ok, err := evaluateCondition(dep.Condition, pred.OutputText)
		if err != nil || !ok {
			o.markAgent(ctx, agentID, model.AgentSkipped, "", "")
			return
		}
	}

	depContext := o.composeDependencyContext(ctx, agent, rt)

	session := &model.Session{
		ID:           uuid.NewString(),
		Name:         fmt.Sprintf("%s / %s", sw.Name, agent.Name),
		WorkingDir:   sw.WorkingDir,
		Personality:  agent.Personality,
		Medium:       "swarm",
		StartTime:    time.Now(),
		LastActivity: time.Now(),
		SandboxMode:  agent.SandboxMode,
		CreatedAt:    time.Now(),
		Config: model.SessionConfig{
			WorkingDir:   sw.WorkingDir,
			Personality:  []string{agent.Personality},
			Model:        agent.Model,
			AllowedTools: agent.AllowedTools,
			Plugins:      agent.Plugins,
			SandboxMode:  agent.SandboxMode,
		},
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		o.markAgent(ctx, agentID, model.AgentFailed, "", fmt.Sprintf("creating session: %v", err))
		return
	}

	prompt := agent.Prompt
	if depContext != "" {
		prompt = depContext + "\n\n" + prompt
	}

	if agent.Mode == model.ModeAutonomous {
		o.runAutonomousAgent(ctx, sw, rt, agent, session)
		return
	}

	startedAt := time.Now()
	blocks, outputText, toolCount, err := o.invoker.Invoke(ctx, session, prompt)
	if err != nil {
		o.markAgent(ctx, agentID, model.AgentFailed, "", err.Error())
		return
	}

	conv := &model.Conversation{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      model.RoleAssistant,
		Timestamp: startedAt,
		Blocks:    blocks,
	}
	if err := o.store.InsertConversationWithBlocks(ctx, conv); err != nil {
		o.markAgent(ctx, agentID, model.AgentFailed, "", fmt.Sprintf("persisting conversation: %v", err))
		return
	}

	var summary string
	if len(outputText) > o.cfg.SummaryThresholdChars {
		summary = o.synthesizeSummary(ctx, outputText)
	}

	status := model.AgentCompleted
	completedAt := time.Now()
	if err := o.store.UpdateSwarmAgent(ctx, agentID, store.AgentFields{
		Status:        &status,
		OutputText:    &outputText,
		OutputSummary: &summary,
		ToolCount:     &toolCount,
		StartedAt:     &startedAt,
		CompletedAt:   &completedAt,
		SessionID:     &session.ID,
	}); err != nil {
		return
	}

	if agent.IsSynthesisAgent {
		sw.SynthesisOutput = outputText
		sw.SynthesisSummary = summary
		sw.UpdatedAt = time.Now()
		_ = o.store.UpdateSwarm(ctx, sw)
	}
}

// composeDependencyContext concatenates sections for each include != none
// predecessor, per SPEC_FULL.md §4.5 step 5.
func (o *Orchestrator) composeDependencyContext(ctx context.Context, agent *model.SwarmAgent, rt *runtime) string {
	var b strings.Builder
	for _, dep := range agent.DependsOn {
		if dep.Include == model.IncludeNone {
			continue
		}
		pred := rt.get(dep.AgentID)
		if pred == nil {
			continue
		}
		fmt.Fprintf(&b, "### %s\n", pred.Name)
		if dep.Include == model.IncludeFull {
			b.WriteString(pred.OutputText)
			b.WriteString("\n\n")
			continue
		}
		summary := pred.OutputSummary
		if summary == "" && len(pred.OutputText) > o.cfg.SummaryThresholdChars {
			summary = o.synthesizeSummary(ctx, pred.OutputText)
		} else if summary == "" {
			summary = pred.OutputText
		}
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

const summarySchema = `{
	"type": "object",
	"properties": {
		"summary": {"type": "string"}
	},
	"required": ["summary"],
	"additionalProperties": false
}`

// synthesizeSummary produces a 1-2 sentence summary of a long predecessor
// output via the auxiliary structured-output model, falling back to plain
// truncation if no summarizer is wired or the call fails.
func (o *Orchestrator) synthesizeSummary(ctx context.Context, output string) string {
	trimmed := strings.TrimSpace(output)
	if o.summarizer != nil {
		req := llmclient.StructuredRequest{
			SystemPrompt: "You compress one agent's output for a dependent agent in a multi-agent swarm. " +
				"One or two sentences: what it did, what it produced.",
			Prompt:     trimmed,
			SchemaName: "synthesis_summary",
			Schema:     []byte(summarySchema),
		}
		if raw, err := o.summarizer.CompleteStructured(ctx, req); err == nil {
			if summary, _ := raw["summary"].(string); summary != "" {
				return summary
			}
		}
	}

	const maxLen = 280
	if len(trimmed) <= maxLen {
		return trimmed
	}
	return trimmed[:maxLen] + "..."
}

func (o *Orchestrator) markAgent(ctx context.Context, agentID string, status model.AgentStatus, outputText, errMsg string) {
	fields := store.AgentFields{Status: &status}
	if errMsg != "" {
		fields.ErrorMessage = &errMsg
	}
	if outputText != "" {
		fields.OutputText = &outputText
	}
	_ = o.store.UpdateSwarmAgent(ctx, agentID, fields)
}

// finalizeSwarm marks the swarm completed, failed, or leaves it cancelled,
// based on its agents' final statuses.
func (o *Orchestrator) finalizeSwarm(ctx context.Context, swarmID string) error {
	sw, agents, err := o.store.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return err
	}
	if sw.Status == model.SwarmCancelled {
		return nil
	}

	status := model.SwarmCompleted
	for _, a := range agents {
		if a.Status == model.AgentFailed {
			status = model.SwarmFailed
			break
		}
	}
	sw.Status = status
	sw.UpdatedAt = time.Now()
	return o.store.UpdateSwarm(ctx, sw)
}
