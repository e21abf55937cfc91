package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644))
}

func TestLoad_MergesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_API_KEY_ENV", "ANTHROPIC_API_KEY")
	dir := t.TempDir()
	writeConfig(t, dir, `
defaults:
  permission_deadline: 10m
llm_providers:
  primary:
    type: anthropic
    model: claude-test
    api_key_env: ${TEST_API_KEY_ENV}
personalities:
  helpful:
    prompt: "Be helpful."
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Defaults.PermissionDeadline)
	assert.Equal(t, 500, cfg.Defaults.MaxEventLog, "unset fields keep the built-in default")

	p, err := cfg.LLMProviders.Get("primary")
	require.NoError(t, err)
	assert.Equal(t, "ANTHROPIC_API_KEY", p.APIKeyEnv, "env var reference must be expanded")

	pers, err := cfg.Personalities.Get("helpful")
	require.NoError(t, err)
	assert.Equal(t, "Be helpful.", pers.Prompt)
}

func TestLoad_RejectsUnknownProviderType(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
llm_providers:
  bad:
    type: not-a-real-provider
    model: x
`)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_RejectsShortSandboxIdleTimeout(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
defaults:
  sandbox_idle_timeout: 1m
`)

	_, err := Load(dir)
	require.Error(t, err)
}
