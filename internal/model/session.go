// Package model holds the domain entities shared across the store, broker,
// swarm orchestrator, and appraisal engine. These mirror the data model in
// SPEC_FULL.md §3 and are the Go-side counterpart of the teacher's
// ent/schema/*.go field lists, now hand-written against plain SQL instead of
// a generated ent client (see DESIGN.md, "Dropped teacher dependency: ent").
package model

import "time"

// SandboxMountType controls how a session's working directory is attached to
// its sandbox container.
type SandboxMountType string

const (
	MountDirect SandboxMountType = "direct"
	MountCopy   SandboxMountType = "copy"
	MountNone   SandboxMountType = "none"
)

// NetworkMode controls a sandbox container's network isolation.
type NetworkMode string

const (
	NetworkBridge NetworkMode = "bridge"
	NetworkHost   NetworkMode = "host"
)

// OutputFormat, when set on a Session's config, constrains the agent
// backend's terminal response to a JSON schema.
type OutputFormat struct {
	Type   string         `json:"type"` // always "json_schema" when present
	Schema map[string]any `json:"schema"`
}

// SessionConfig is the mutable, client-supplied configuration of a session.
// Persisted as JSON inside the Session row's config column.
type SessionConfig struct {
	WorkingDir         string            `json:"working_dir"`
	OutputStyle        string            `json:"output_style,omitempty"`
	Personality        []string          `json:"personality,omitempty"`
	Model              string            `json:"model,omitempty"`
	UserID             string            `json:"user_id,omitempty"`
	AllowedTools       []string          `json:"allowed_tools,omitempty"`
	IncludeContext     bool              `json:"include_context,omitempty"`
	EnableStreaming    bool              `json:"enable_streaming,omitempty"`
	ThinkingBudget     int               `json:"thinking_budget,omitempty"`
	SandboxMode        bool              `json:"sandbox_mode,omitempty"`
	SandboxMountType   SandboxMountType  `json:"sandbox_mount_type,omitempty"`
	SandboxSettings    map[string]any    `json:"sandbox_settings,omitempty"`
	SandboxNetworkMode NetworkMode       `json:"sandbox_network_mode,omitempty"`
	MissionID          string            `json:"mission_id,omitempty"`
	SessionName        string            `json:"session_name,omitempty"`
	AutoApprove        bool              `json:"auto_approve,omitempty"`
	LeanMode           bool              `json:"lean_mode,omitempty"`
	Plugins            []string          `json:"plugins,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	OutputFormat       *OutputFormat     `json:"output_format,omitempty"`
	NotifyChannel      string            `json:"notify_channel,omitempty"`
}

// Session is the identity of one conversation, per SPEC_FULL.md §3.
type Session struct {
	ID               string
	Name             string
	WorkingDir       string
	Personality      string
	UserID           string
	Medium           string
	StartTime        time.Time
	LastActivity     time.Time
	ClaudeSessionID  string
	SandboxMode      bool
	SandboxMountType SandboxMountType
	SandboxSettings  map[string]any
	IsLocked         bool
	CreatedAt        time.Time
	EndTime          *time.Time
	Summary          string
	Config           SessionConfig
}

// Role of a Conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Metrics captures timing/usage facts recorded with an assistant turn.
type Metrics struct {
	TTFTMs     *int64   `json:"ttft_ms,omitempty"`
	ResponseMs *int64   `json:"response_ms,omitempty"`
	ThinkingMs *int64   `json:"thinking_ms,omitempty"`
	ToolUses   int      `json:"tool_uses,omitempty"`
	ToolNames  []string `json:"tool_names,omitempty"`
}

// Conversation is a single turn, owning an ordered sequence of Blocks.
type Conversation struct {
	ID            string
	SessionID     string
	Role          Role
	Timestamp     time.Time
	Personality   string
	Medium        string
	UserID        string
	Metrics       Metrics
	PromptSummary string
	Blocks        []ConversationBlock
}

// BlockType tags the variant of a ConversationBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ConversationBlock is one ordinal-indexed child of a Conversation.
type ConversationBlock struct {
	Ordinal   int
	Type      BlockType
	Text      string
	ToolUseID string
	ToolName  string
	ToolInput map[string]any
	IsError   bool
}
