// Package config loads and validates the daemon's YAML configuration:
// personality registry, sandbox profiles, LLM providers, decay/OCC
// profiles, swarm defaults, and queue tuning. The loader/merge/validate
// split and env-var expansion follow the teacher's pkg/config package
// (loader.go, envexpand.go, merge.go, validator.go), generalized from
// "alert chains/agents" to this daemon's domain.
package config

import "time"

// Config is the umbrella object returned by Load and threaded through the
// daemon, mirroring the teacher's Config struct shape.
type Config struct {
	configDir string

	Defaults        Defaults
	Queue           QueueConfig
	Agent           AgentConfig
	Personalities   *PersonalityRegistry
	SandboxProfiles *SandboxProfileRegistry
	LLMProviders    *LLMProviderRegistry
	DecayProfiles   *DecayProfileRegistry
	Swarm           SwarmDefaults
}

// AgentConfig names the agent-backend binary the broker launches for the
// direct path (internal/transport.Launch) and the entrypoint it expects
// inside a sandbox image for the sandboxed path (internal/sandbox). Also
// carries the daemon-managed root for virtual working directories (chat
// medium sessions with no real filesystem path of their own).
type AgentConfig struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args,omitempty"`
	ContainerWorkdir string   `yaml:"container_workdir,omitempty"`
	VirtualDirRoot   string   `yaml:"virtual_dir_root,omitempty"`
}

// DefaultAgentConfig mirrors a bare `claude` CLI invocation with no extra
// flags, matching the teacher's zero-config agent launch.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Command:          "claude",
		ContainerWorkdir: "/workspace",
		VirtualDirRoot:   "/var/lib/meridian/virtual-sessions",
	}
}

// ConfigDir returns the directory Config was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Defaults are system-wide fallbacks applied when a session/agent/swarm
// does not specify its own value, mirroring the teacher's Defaults struct.
type Defaults struct {
	Personality        string        `yaml:"personality,omitempty"`
	LLMProvider        string        `yaml:"llm_provider,omitempty"`
	ThinkingBudget     int           `yaml:"thinking_budget,omitempty"`
	SandboxMode        bool          `yaml:"sandbox_mode,omitempty"`
	SandboxProfile     string        `yaml:"sandbox_profile,omitempty"`
	PermissionDeadline time.Duration `yaml:"permission_deadline,omitempty"`
	SandboxIdleTimeout time.Duration `yaml:"sandbox_idle_timeout,omitempty"`
	MaxEventLog        int           `yaml:"max_event_log,omitempty"`
}

// QueueConfig controls work-queue and consolidation poll tuning, mirroring
// the teacher's QueueConfig.
type QueueConfig struct {
	WorkerCount             int           `yaml:"worker_count"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	PollIntervalJitter      time.Duration `yaml:"poll_interval_jitter"`
	ConsolidationInterval   time.Duration `yaml:"consolidation_interval"`
	SandboxReapInterval     time.Duration `yaml:"sandbox_reap_interval"`
	DecayTickInterval       time.Duration `yaml:"decay_tick_interval"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// SwarmDefaults holds system-wide swarm tuning, e.g. the character
// threshold beyond which a predecessor's output is summarized instead of
// included verbatim for `include=summary` dependents (SPEC_FULL.md §4.5).
type SwarmDefaults struct {
	SummaryThresholdChars     int     `yaml:"summary_threshold_chars"`
	SupervisorWarnThreshold   float64 `yaml:"supervisor_warn_threshold"`
	SupervisorCancelThreshold float64 `yaml:"supervisor_cancel_threshold"`
}

// DefaultQueueConfig mirrors the teacher's DefaultQueueConfig().
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerCount:             5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		ConsolidationInterval:   60 * time.Second,
		SandboxReapInterval:     30 * time.Second,
		DecayTickInterval:       60 * time.Second,
		GracefulShutdownTimeout: 15 * time.Second,
	}
}

// DefaultDefaults mirrors spec.md's lower bounds (§4.3, §4.4, §4.2).
func DefaultDefaults() Defaults {
	return Defaults{
		ThinkingBudget:     0,
		PermissionDeadline: 5 * time.Minute,
		SandboxIdleTimeout: 30 * time.Minute,
		MaxEventLog:        500,
	}
}

// DefaultSwarmDefaults mirrors a conservative summary threshold.
func DefaultSwarmDefaults() SwarmDefaults {
	return SwarmDefaults{
		SummaryThresholdChars:     4000,
		SupervisorWarnThreshold:   0.7,
		SupervisorCancelThreshold: 0.95,
	}
}
