package config

import (
	"fmt"

	"github.com/meridianhq/meridian/internal/apperr"
)

// validate checks cross-references between registries the way the
// teacher's validator.go checks chains against registered agents: each
// LLM provider type must be one this build knows how to construct, decay
// profiles must carry non-negative rates, and sandbox profiles must name an
// image.
func validate(cfg *Config) error {
	for name, p := range cfg.LLMProviders.GetAll() {
		switch p.Type {
		case LLMProviderAnthropic, LLMProviderOpenAI, LLMProviderBedrock:
		default:
			return apperr.NewValidation("llm_providers."+name+".type",
				fmt.Sprintf("unknown provider type %q", p.Type))
		}
		if p.Model == "" {
			return apperr.NewValidation("llm_providers."+name+".model", "model is required")
		}
	}

	for name, p := range cfg.SandboxProfiles.items {
		if p.Image == "" {
			return apperr.NewValidation("sandbox_profiles."+name+".image", "image is required")
		}
	}

	for name, p := range cfg.DecayProfiles.items {
		for emotion, prof := range p.Personality {
			if prof.BaseDecayRate < 0 {
				return apperr.NewValidation(
					fmt.Sprintf("decay_profiles.%s.personality.%s.base_decay_rate", name, emotion),
					"must be non-negative")
			}
			if prof.Resilience < 0 || prof.Resilience > 1 {
				return apperr.NewValidation(
					fmt.Sprintf("decay_profiles.%s.personality.%s.resilience", name, emotion),
					"must be in [0,1]")
			}
		}
	}

	if cfg.Defaults.SandboxIdleTimeout > 0 && cfg.Defaults.SandboxIdleTimeout.Minutes() < 30 {
		return apperr.NewValidation("defaults.sandbox_idle_timeout", "must be >= 30 minutes")
	}
	if cfg.Defaults.PermissionDeadline > 0 && cfg.Defaults.PermissionDeadline.Minutes() < 5 {
		return apperr.NewValidation("defaults.permission_deadline", "must be >= 5 minutes")
	}
	if cfg.Defaults.MaxEventLog > 0 && cfg.Defaults.MaxEventLog < 500 {
		return apperr.NewValidation("defaults.max_event_log", "must be >= 500")
	}

	return nil
}
