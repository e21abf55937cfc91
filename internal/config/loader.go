package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig is the on-disk shape of config.yaml, mirroring the teacher's
// TarsyYAMLConfig.
type yamlConfig struct {
	Defaults        *Defaults                       `yaml:"defaults"`
	Queue           *QueueConfig                    `yaml:"queue"`
	Swarm           *SwarmDefaults                  `yaml:"swarm"`
	Personalities   map[string]PersonalityConfig    `yaml:"personalities"`
	SandboxProfiles map[string]SandboxProfileConfig `yaml:"sandbox_profiles"`
	LLMProviders    map[string]LLMProviderConfig    `yaml:"llm_providers"`
	DecayProfiles   map[string]DecayProfileConfig   `yaml:"decay_profiles"`
}

// ExpandEnv expands ${VAR}/$VAR references using the standard library,
// exactly as the teacher's envexpand.go does. Missing variables expand to
// empty string; Validate is responsible for catching required-but-empty
// fields.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// Load reads config.yaml from dir, expands environment variables (a .env
// file is loaded into the environment by cmd/meridiand, not here), merges
// against built-in defaults, validates cross-references, and returns a
// ready-to-use Config.
func Load(dir string) (*Config, error) {
	log := slog.With("config_dir", dir)
	log.Info("loading configuration")

	raw, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading config.yaml: %w", err)
	}

	expanded := ExpandEnv(raw)

	var parsed yamlConfig
	if err := yaml.Unmarshal(expanded, &parsed); err != nil {
		return nil, fmt.Errorf("parsing config.yaml: %w", err)
	}

	defaults := DefaultDefaults()
	if parsed.Defaults != nil {
		if err := mergo.Merge(&defaults, parsed.Defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging defaults: %w", err)
		}
	}

	queue := DefaultQueueConfig()
	if parsed.Queue != nil {
		if err := mergo.Merge(&queue, parsed.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging queue config: %w", err)
		}
	}

	swarmDefaults := DefaultSwarmDefaults()
	if parsed.Swarm != nil {
		if err := mergo.Merge(&swarmDefaults, parsed.Swarm, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging swarm defaults: %w", err)
		}
	}

	personalities := make(map[string]*PersonalityConfig, len(parsed.Personalities))
	for name, p := range parsed.Personalities {
		p := p
		p.Name = name
		personalities[name] = &p
	}

	sandboxProfiles := make(map[string]*SandboxProfileConfig, len(parsed.SandboxProfiles))
	for name, p := range parsed.SandboxProfiles {
		p := p
		p.Name = name
		sandboxProfiles[name] = &p
	}

	llmProviders := make(map[string]*LLMProviderConfig, len(parsed.LLMProviders))
	for name, p := range parsed.LLMProviders {
		p := p
		llmProviders[name] = &p
	}

	decayProfiles := make(map[string]*DecayProfileConfig, len(parsed.DecayProfiles))
	for name, p := range parsed.DecayProfiles {
		p := p
		p.Name = name
		decayProfiles[name] = &p
	}

	cfg := &Config{
		configDir:       dir,
		Defaults:        defaults,
		Queue:           queue,
		Agent:           DefaultAgentConfig(),
		Swarm:           swarmDefaults,
		Personalities:   NewPersonalityRegistry(personalities),
		SandboxProfiles: NewSandboxProfileRegistry(sandboxProfiles),
		LLMProviders:    NewLLMProviderRegistry(llmProviders),
		DecayProfiles:   NewDecayProfileRegistry(decayProfiles),
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	log.Info("configuration loaded",
		"personalities", len(personalities),
		"sandbox_profiles", len(sandboxProfiles),
		"llm_providers", len(llmProviders),
		"decay_profiles", len(decayProfiles),
	)
	return cfg, nil
}
