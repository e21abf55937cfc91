package api

import "github.com/meridianhq/meridian/internal/model"

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	Config model.SessionConfig `json:"config"`
}

// CreateSwarmRequest is the body of POST /api/v1/swarms.
type CreateSwarmRequest struct {
	Name                      string             `json:"name"`
	Description               string             `json:"description,omitempty"`
	ParentSessionID           string             `json:"parent_session_id,omitempty"`
	WorkingDir                string             `json:"working_dir"`
	GitBranchPrefix           string             `json:"git_branch_prefix,omitempty"`
	BaseBranch                string             `json:"base_branch,omitempty"`
	AutoSynthesize            bool               `json:"auto_synthesize,omitempty"`
	SynthesisPrompt           string             `json:"synthesis_prompt,omitempty"`
	SkipSynthesisOnFailure    bool               `json:"skip_synthesis_on_failure,omitempty"`
	AutoSupervise             bool               `json:"auto_supervise,omitempty"`
	SupervisorWarnThreshold   float64            `json:"supervisor_warn_threshold,omitempty"`
	SupervisorCancelThreshold float64            `json:"supervisor_cancel_threshold,omitempty"`
	Agents                    []AgentSpecRequest `json:"agents"`
}

// AgentSpecRequest is one agent entry of CreateSwarmRequest.
type AgentSpecRequest struct {
	Name               string                  `json:"name"`
	Role               string                  `json:"role,omitempty"`
	Mode               string                  `json:"mode"`
	Prompt             string                  `json:"prompt,omitempty"`
	Personality        string                  `json:"personality,omitempty"`
	Plugins            []string                `json:"plugins,omitempty"`
	AllowedTools       []string                `json:"allowed_tools,omitempty"`
	ThinkingBudget     int                     `json:"thinking_budget,omitempty"`
	Model              string                  `json:"model,omitempty"`
	SandboxMode        bool                    `json:"sandbox_mode,omitempty"`
	DependsOn          []DependencySpecRequest `json:"depends_on,omitempty"`
	Goal               string                  `json:"goal,omitempty"`
	Capabilities       []string                `json:"capabilities,omitempty"`
	TaskTypes          []string                `json:"task_types,omitempty"`
	MaxTasks           int                     `json:"max_tasks,omitempty"`
	MaxDurationSeconds int                     `json:"max_duration_seconds,omitempty"`
	IdleTimeoutSeconds int                     `json:"idle_timeout_seconds,omitempty"`
}

// DependencySpecRequest references a predecessor by name.
type DependencySpecRequest struct {
	Agent     string `json:"agent"`
	Include   string `json:"include,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// ResumeSwarmRequest is the body of POST /api/v1/swarms/:id/resume.
type ResumeSwarmRequest struct {
	Agents []string `json:"agents,omitempty"`
}

// ScratchpadSetRequest is the body of PUT /api/v1/swarms/:id/scratchpad/:key.
type ScratchpadSetRequest struct {
	Value map[string]any `json:"value"`
}

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	WorkingDir         string   `json:"working_dir"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	ContextSummary     string   `json:"context_summary,omitempty"`
	ScopePaths         []string `json:"scope_paths,omitempty"`
	RequiredTools      []string `json:"required_tools,omitempty"`
	TaskType           string   `json:"task_type,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	BlockedBy          []string `json:"blocked_by,omitempty"`
}

// ClaimTaskRequest is the body of POST /api/v1/tasks/claim.
type ClaimTaskRequest struct {
	TaskID             string   `json:"task_id,omitempty"`
	WorkingDir         string   `json:"working_dir,omitempty"`
	TaskType           string   `json:"task_type,omitempty"`
	TaskTypes          []string `json:"task_types,omitempty"`
	RequiredTools      []string `json:"required_tools,omitempty"`
	ClaimedBySessionID string   `json:"claimed_by_session_id,omitempty"`
	ClaimedByAgentID   string   `json:"claimed_by_agent_id,omitempty"`
}

// ReleaseTaskRequest is the body of POST /api/v1/tasks/:id/release.
type ReleaseTaskRequest struct {
	LastError string `json:"last_error,omitempty"`
}

// PatchTaskRequest is the body of PATCH /api/v1/tasks/:id.
type PatchTaskRequest struct {
	Action          string `json:"action"`
	Outcome         string `json:"outcome,omitempty"`
	CompletionNotes string `json:"completion_notes,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// EnqueueConsolidationRequest is the body of
// POST /api/v1/consolidation/enqueue.
type EnqueueConsolidationRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// CreateNotificationRequest is the body of POST /api/v1/notifications.
type CreateNotificationRequest struct {
	SessionID string `json:"session_id,omitempty"`
	SwarmID   string `json:"swarm_id,omitempty"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// FailNotificationRequest is the body of
// POST /api/v1/notifications/:id/fail.
type FailNotificationRequest struct {
	Reason string `json:"reason,omitempty"`
}
