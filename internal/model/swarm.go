package model

import "time"

// SwarmStatus is the lifecycle state of a Swarm.
type SwarmStatus string

const (
	SwarmPending   SwarmStatus = "pending"
	SwarmRunning   SwarmStatus = "running"
	SwarmCompleted SwarmStatus = "completed"
	SwarmFailed    SwarmStatus = "failed"
	SwarmCancelled SwarmStatus = "cancelled"
)

// Swarm is a DAG of cooperating agents with a single orchestration
// lifecycle, per SPEC_FULL.md §3.
type Swarm struct {
	ID                        string
	Name                      string
	ParentSessionID           string
	WorkingDir                string
	GitBranchPrefix           string
	BaseBranch                string
	Status                    SwarmStatus
	AutoSynthesize            bool
	SynthesisPrompt           string
	SkipSynthesisOnFailure    bool
	AutoSupervise             bool
	SupervisorWarnThreshold   float64
	SupervisorCancelThreshold float64
	SynthesisOutput           string
	SynthesisSummary          string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// AgentMode selects how a SwarmAgent obtains its work.
type AgentMode string

const (
	ModeAssigned   AgentMode = "assigned"
	ModeAutonomous AgentMode = "autonomous"
)

// IncludePolicy controls how much of a predecessor's output a dependent sees.
type IncludePolicy string

const (
	IncludeSummary IncludePolicy = "summary"
	IncludeFull    IncludePolicy = "full"
	IncludeNone    IncludePolicy = "none"
)

// AgentStatus is the lifecycle state of a SwarmAgent.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
	AgentSkipped   AgentStatus = "skipped"
)

// Dependency is one edge of a SwarmAgent's depends_on list.
type Dependency struct {
	AgentID   string        `json:"agent_id"`
	AgentName string        `json:"agent_name,omitempty"` // resolved at creation time, kept for display
	Include   IncludePolicy `json:"include"`
	Condition string        `json:"condition,omitempty"`
}

// SwarmAgent is one node of a Swarm's DAG, per SPEC_FULL.md §3.
type SwarmAgent struct {
	ID               string
	SwarmID          string
	Name             string
	Role             string
	IsSynthesisAgent bool
	IsMemorySteward  bool
	Mode             AgentMode
	Prompt           string
	Personality      string
	Plugins          []string
	AllowedTools     []string
	ThinkingBudget   int
	Model            string
	SandboxMode      bool
	DependsOn        []Dependency
	Status           AgentStatus
	OutputText       string
	OutputSummary    string
	ErrorMessage     string
	ToolCount        int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	SessionID        string

	// Autonomous-mode fields.
	Goal               string
	Capabilities       []string
	TaskTypes          []string
	MaxTasks           int
	MaxDurationSeconds int
	IdleTimeoutSeconds int
	TasksCompleted     int
	TasksFailed        int
	CurrentTaskID      string
}

// AgentSpec is the creation-time request shape for one agent; dependencies
// are referenced by name and resolved to ids at creation (SPEC_FULL.md §4.5).
type AgentSpec struct {
	Name               string
	Role               string
	Mode               AgentMode
	Prompt             string
	Personality        string
	Plugins            []string
	AllowedTools       []string
	ThinkingBudget     int
	Model              string
	SandboxMode        bool
	DependsOn          []DependencySpec
	Goal               string
	Capabilities       []string
	TaskTypes          []string
	MaxTasks           int
	MaxDurationSeconds int
	IdleTimeoutSeconds int
}

// DependencySpec references a predecessor by name at swarm-creation time.
type DependencySpec struct {
	Agent     string
	Include   IncludePolicy
	Condition string
}

// SwarmSpec is the creation request for a Swarm (SPEC_FULL.md §4.5).
type SwarmSpec struct {
	Name                      string
	Description               string
	ParentSessionID           string
	WorkingDir                string
	GitBranchPrefix           string
	BaseBranch                string
	AutoSynthesize            bool
	SynthesisPrompt           string
	SkipSynthesisOnFailure    bool
	AutoSupervise             bool
	SupervisorWarnThreshold   float64
	SupervisorCancelThreshold float64
	Agents                    []AgentSpec
}
