package swarm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/meridianhq/meridian/internal/model"
)

// MergeResult reports one agent branch's fast-forward merge attempt.
type MergeResult struct {
	AgentName string
	Branch    string
	Merged    bool
	Conflict  bool
	Output    string
}

// Merge attempts a fast-forward merge of every completed agent's branch
// ({git_branch_prefix}/{agent_name}) into the swarm's base_branch. It is a
// thin external-tool contract: it shells out to git and reports conflicts
// without resolving them, per SPEC_FULL.md §4.5's Merge endpoint.
func (o *Orchestrator) Merge(ctx context.Context, swarmID string) ([]MergeResult, error) {
	sw, agents, err := o.store.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return nil, fmt.Errorf("swarm: loading swarm %s: %w", swarmID, err)
	}
	if sw.GitBranchPrefix == "" {
		return nil, fmt.Errorf("swarm: %s has no git_branch_prefix configured", swarmID)
	}

	var results []MergeResult
	for _, a := range agents {
		if a.Status != model.AgentCompleted || a.IsSynthesisAgent || a.IsMemorySteward {
			continue
		}
		branch := fmt.Sprintf("%s/%s", sw.GitBranchPrefix, a.Name)
		out, err := runGit(ctx, sw.WorkingDir, "merge", "--ff-only", branch)
		results = append(results, MergeResult{
			AgentName: a.Name,
			Branch:    branch,
			Merged:    err == nil,
			Conflict:  err != nil,
			Output:    out,
		})
	}
	return results, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
