package swarm

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// Resume resets the named agents (or, if names is empty, every failed or
// cancelled agent) back to pending and re-runs the swarm. Agents not reset
// keep their prior completed/skipped state, so Run's resume path
// (pre-signaling already-terminal agents) lets their dependents proceed
// without re-executing finished work.
func (o *Orchestrator) Resume(ctx context.Context, swarmID string, names []string) error {
	_, agents, err := o.store.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return fmt.Errorf("swarm: loading swarm %s: %w", swarmID, err)
	}

	reset := func(a model.SwarmAgent) bool {
		if len(names) == 0 {
			return a.Status == model.AgentFailed || a.Status == model.AgentCancelled
		}
		for _, n := range names {
			if n == a.Name {
				return true
			}
		}
		return false
	}

	pending := model.AgentPending
	empty := ""
	for _, a := range agents {
		if !reset(a) {
			continue
		}
		if err := o.store.UpdateSwarmAgent(ctx, a.ID, store.AgentFields{
			Status:        &pending,
			OutputText:    &empty,
			OutputSummary: &empty,
			ErrorMessage:  &empty,
		}); err != nil {
			return fmt.Errorf("swarm: resetting agent %s: %w", a.Name, err)
		}
	}

	return o.Run(ctx, swarmID)
}
