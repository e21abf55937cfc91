package swarm

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// Cancel marks a swarm and every one of its pending/running agents
// cancelled. If the swarm has an in-flight Run, it flips that run's
// cancellation flag so every in-flight runAgent/runAutonomousAgent
// goroutine observes it at its next check point and stops without
// starting further work; in-flight AgentInvoker calls are interrupted
// through ctx cancellation by the caller, not by this method.
func (o *Orchestrator) Cancel(ctx context.Context, swarmID string) error {
	o.runsMu.Lock()
	rt := o.runs[swarmID]
	o.runsMu.Unlock()
	if rt != nil {
		rt.cancelled.Store(true)
	}

	sw, agents, err := o.store.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return fmt.Errorf("swarm: loading swarm %s: %w", swarmID, err)
	}

	cancelled := model.AgentCancelled
	for _, a := range agents {
		if isTerminal(a.Status) {
			continue
		}
		if err := o.store.UpdateSwarmAgent(ctx, a.ID, store.AgentFields{Status: &cancelled}); err != nil {
			return fmt.Errorf("swarm: cancelling agent %s: %w", a.Name, err)
		}
		if rt != nil {
			rt.signal(a.ID)
		}
	}

	sw.Status = model.SwarmCancelled
	return o.store.UpdateSwarm(ctx, sw)
}
