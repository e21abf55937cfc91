package swarm

import "context"

// DAGNode is one agent's presentation row for the DAG endpoint.
type DAGNode struct {
	AgentID        string
	Name           string
	Level          int
	OnCriticalPath bool
}

// DAG loads a swarm's agents and returns each one's computed level and
// whether it sits on the critical path, per SPEC_FULL.md §4.5's DAG
// presentation endpoint.
func (o *Orchestrator) DAG(ctx context.Context, swarmID string) ([]DAGNode, error) {
	_, agents, err := o.store.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(agents))
	predecessorsOf := make(map[string][]string, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
		preds := make([]string, 0, len(a.DependsOn))
		for _, d := range a.DependsOn {
			preds = append(preds, d.AgentID)
		}
		predecessorsOf[a.ID] = preds
	}

	lvl := levels(ids, predecessorsOf)
	critical := make(map[string]bool, len(ids))
	for _, id := range criticalPath(ids, predecessorsOf) {
		critical[id] = true
	}

	nodes := make([]DAGNode, 0, len(agents))
	for _, a := range agents {
		nodes = append(nodes, DAGNode{
			AgentID:        a.ID,
			Name:           a.Name,
			Level:          lvl[a.ID],
			OnCriticalPath: critical[a.ID],
		})
	}
	return nodes, nil
}
