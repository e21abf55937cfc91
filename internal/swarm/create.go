// Package swarm is the Swarm Orchestrator (C9): DAG creation/validation,
// auto-synthesized synthesis/supervisor/memory-steward agents, per-agent
// orchestration (predecessor signals, condition evaluation, dependency
// context composition), the autonomous task-claiming loop, and resume/
// cancel, per SPEC_FULL.md §4.5.
//
// Its goroutine-per-agent dispatch and per-node lifecycle tracking is
// grounded on pkg/agent/orchestrator/runner.go's SubAgentRunner; its
// auxiliary-agent composition (a follow-up agent fed the other agents'
// collected output) is grounded on pkg/queue/executor_synthesis.go's
// executeSynthesisStage/buildSynthesisContext.
package swarm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/llmclient"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/workqueue"
)

const (
	synthesisAgentName  = "synthesis"
	supervisorAgentName = "supervisor"
	stewardAgentName    = "memory-steward"
)

// Orchestrator drives swarm creation and execution against the store and
// an AgentInvoker (the seam to C2/C3, not implemented in this package).
type Orchestrator struct {
	store      *store.Store
	queue      *workqueue.Queue
	invoker    AgentInvoker
	cfg        SummaryPolicy
	summarizer llmclient.StructuredClient

	runsMu sync.Mutex
	runs   map[string]*runtime // swarm id -> in-flight Run's coordination state, for Cancel
}

// SummaryPolicy is the subset of SwarmDefaults the orchestrator needs,
// named independently so this package does not import internal/config.
type SummaryPolicy struct {
	SummaryThresholdChars int
}

// NewOrchestrator builds an Orchestrator over st, invoking agent turns
// through invoker and claiming autonomous-mode tasks through queue.
// summarizer backs synthesizeSummary's include=summary auxiliary model
// call; it may be nil, in which case summarization falls back to
// truncation.
func NewOrchestrator(st *store.Store, queue *workqueue.Queue, invoker AgentInvoker, policy SummaryPolicy, summarizer llmclient.StructuredClient) *Orchestrator {
	return &Orchestrator{store: st, queue: queue, invoker: invoker, cfg: policy, summarizer: summarizer, runs: make(map[string]*runtime)}
}

// Create validates spec, synthesizes the auxiliary agents it requests, and
// persists the Swarm and its SwarmAgent rows, per SPEC_FULL.md §4.5's
// Creation algorithm.
func (o *Orchestrator) Create(ctx context.Context, spec model.SwarmSpec) (*model.Swarm, []model.SwarmAgent, error) {
	agents := append([]model.AgentSpec{}, spec.Agents...)

	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	nonSynthesisNames := append([]string{}, names...)

	if spec.AutoSynthesize && !containsName(names, synthesisAgentName) {
		deps := make([]model.DependencySpec, 0, len(nonSynthesisNames))
		for _, n := range nonSynthesisNames {
			deps = append(deps, model.DependencySpec{Agent: n, Include: model.IncludeFull})
		}
		agents = append(agents, model.AgentSpec{
			Name:      synthesisAgentName,
			Role:      "synthesis",
			Mode:      model.ModeAssigned,
			Prompt:    spec.SynthesisPrompt,
			DependsOn: deps,
		})
		names = append(names, synthesisAgentName)
	}

	if spec.AutoSupervise && !containsName(names, supervisorAgentName) {
		agents = append(agents, model.AgentSpec{
			Name: supervisorAgentName,
			Role: "supervisor",
			Mode: model.ModeAssigned,
			Prompt: fmt.Sprintf(
				"Watch the swarm's progress and flag concerning deviations. warn_threshold=%.2f cancel_threshold=%.2f",
				spec.SupervisorWarnThreshold, spec.SupervisorCancelThreshold),
		})
		names = append(names, supervisorAgentName)
	}

	if !containsName(names, stewardAgentName) {
		deps := make([]model.DependencySpec, 0, len(names))
		for _, n := range names {
			include := model.IncludeSummary
			if n == synthesisAgentName {
				include = model.IncludeFull
			}
			deps = append(deps, model.DependencySpec{Agent: n, Include: include})
		}
		agents = append(agents, model.AgentSpec{
			Name:      stewardAgentName,
			Role:      "memory-steward",
			Mode:      model.ModeAssigned,
			Prompt:    "Record durable facts from this swarm's agent outputs to the scratchpad.",
			DependsOn: deps,
		})
		names = append(names, stewardAgentName)
	}

	dependsByName := make(map[string][]string, len(agents))
	for _, a := range agents {
		deps := make([]string, 0, len(a.DependsOn))
		for _, d := range a.DependsOn {
			deps = append(deps, d.Agent)
		}
		dependsByName[a.Name] = deps
	}
	if err := validateDAG(names, dependsByName); err != nil {
		return nil, nil, err
	}

	baseBranch := spec.BaseBranch
	if spec.GitBranchPrefix != "" && baseBranch == "" {
		branch, err := currentGitBranch(spec.WorkingDir)
		if err != nil {
			return nil, nil, fmt.Errorf("swarm: deriving base branch: %w", err)
		}
		baseBranch = branch
	}

	sw := &model.Swarm{
		ID:                        uuid.NewString(),
		Name:                      spec.Name,
		ParentSessionID:           spec.ParentSessionID,
		WorkingDir:                spec.WorkingDir,
		GitBranchPrefix:           spec.GitBranchPrefix,
		BaseBranch:                baseBranch,
		Status:                    model.SwarmPending,
		AutoSynthesize:            spec.AutoSynthesize,
		SynthesisPrompt:           spec.SynthesisPrompt,
		SkipSynthesisOnFailure:    spec.SkipSynthesisOnFailure,
		AutoSupervise:             spec.AutoSupervise,
		SupervisorWarnThreshold:   spec.SupervisorWarnThreshold,
		SupervisorCancelThreshold: spec.SupervisorCancelThreshold,
	}

	nameToID := make(map[string]string, len(agents))
	for _, a := range agents {
		nameToID[a.Name] = uuid.NewString()
	}

	rows := make([]model.SwarmAgent, 0, len(agents))
	for _, a := range agents {
		deps := make([]model.Dependency, 0, len(a.DependsOn))
		for _, d := range a.DependsOn {
			deps = append(deps, model.Dependency{
				AgentID:   nameToID[d.Agent],
				AgentName: d.Agent,
				Include:   d.Include,
				Condition: d.Condition,
			})
		}
		rows = append(rows, model.SwarmAgent{
			ID:                 nameToID[a.Name],
			SwarmID:            sw.ID,
			Name:               a.Name,
			Role:               a.Role,
			IsSynthesisAgent:   a.Name == synthesisAgentName,
			IsMemorySteward:    a.Name == stewardAgentName,
			Mode:               a.Mode,
			Prompt:             a.Prompt,
			Personality:        a.Personality,
			Plugins:            a.Plugins,
			AllowedTools:       a.AllowedTools,
			ThinkingBudget:     a.ThinkingBudget,
			Model:              a.Model,
			SandboxMode:        a.SandboxMode,
			DependsOn:          deps,
			Status:             model.AgentPending,
			Goal:               a.Goal,
			Capabilities:       a.Capabilities,
			TaskTypes:          a.TaskTypes,
			MaxTasks:           a.MaxTasks,
			MaxDurationSeconds: a.MaxDurationSeconds,
			IdleTimeoutSeconds: a.IdleTimeoutSeconds,
		})
	}

	if err := o.store.CreateSwarm(ctx, sw); err != nil {
		return nil, nil, err
	}
	for i := range rows {
		if err := o.store.CreateSwarmAgent(ctx, &rows[i]); err != nil {
			return nil, nil, err
		}
	}

	return sw, rows, nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// currentGitBranch shells out to git to resolve workingDir's current
// branch, for deriving base_branch when git_branch_prefix is set but
// base_branch is not given explicitly.
func currentGitBranch(workingDir string) (string, error) {
	cmd := exec.Command("git", "-C", workingDir, "rev-parse", "--abbrev-ref", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse in %s: %w", workingDir, err)
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return "", fmt.Errorf("%w: could not determine current branch of %s", apperr.ErrValidation, workingDir)
	}
	return branch, nil
}
