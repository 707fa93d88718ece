package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHarnessConfig(t *testing.T) {
	cfg := DefaultHarnessConfig()

	assert.Equal(t, "openai-test", cfg.Project)
	assert.Equal(t, "filesystem", cfg.Server)
	assert.Equal(t, "/private/tmp/mcp-debug-test", cfg.WorkDir)
	assert.Equal(t, []string{"npx", "tsx", "src/cli.ts"}, cfg.Proxy.Launcher)
	assert.Equal(t, "proxy", cfg.Proxy.Subcommand)
	assert.Equal(t, "chaos.json", cfg.Chaos.Config)
	assert.Equal(t, ChaosFailOpen, cfg.Chaos.Policy())
	assert.Equal(t, ProviderOpenAI, cfg.Provider.Type)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
}

func TestParseHarnessConfigFromString_OverridesDefaults(t *testing.T) {
	cfg, err := ParseHarnessConfigFromString(`
project: nightly
work_dir: /tmp/work
proxy:
  launcher: ["mcp-debug"]
chaos:
  strict: true
provider:
  type: ANTHROPIC
  model: claude-sonnet
  token: "{{{ANTHROPIC_API_KEY}}}"
  rate_limits:
    rpm: 30
agent:
  max_iterations: 4
  tool_timeout: 20s
`)
	require.NoError(t, err)

	assert.Equal(t, "nightly", cfg.Project)
	assert.Equal(t, "/tmp/work", cfg.WorkDir)
	assert.Equal(t, []string{"mcp-debug"}, cfg.Proxy.Launcher)
	assert.Equal(t, ChaosStrict, cfg.Chaos.Policy())
	assert.Equal(t, ProviderAnthropic, cfg.Provider.Type)
	assert.Equal(t, 30, cfg.Provider.RateLimits.RPM)
	assert.Equal(t, 4, cfg.Agent.MaxIterations)
	assert.Equal(t, "20s", cfg.Agent.ToolTimeout)

	// untouched keys keep defaults
	assert.Equal(t, "filesystem", cfg.Server)
	assert.Equal(t, "proxy", cfg.Proxy.Subcommand)
	assert.Equal(t, "30s", cfg.Proxy.InitTimeout)
	assert.Equal(t, DefaultAgentName, cfg.Agent.Name)
}

func TestParseHarnessConfig_Errors(t *testing.T) {
	_, err := ParseHarnessConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("project: [unterminated"), 0644))
	_, err = ParseHarnessConfig(path)
	assert.ErrorContains(t, err, "failed to parse YAML config")
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("{{{HARNESS_DIR}}}/../mcp-debug", map[string]string{"HARNESS_DIR": "/h"})
	require.NoError(t, err)
	assert.Equal(t, "/h/../mcp-debug", out)

	out, err = RenderTemplate("no templates here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no templates here", out)

	out, err = RenderTemplate("{{{MISSING}}}", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "", out)

	_, err = RenderTemplate("{{#if}}", nil)
	assert.Error(t, err)
}

func TestRenderTemplate_Helpers(t *testing.T) {
	out, err := RenderTemplate("{{{TEMP_DIR}}}/mcp-{{randomValue type='HEXADECIMAL' length=8}}", map[string]string{"TEMP_DIR": "/tmp"})
	require.NoError(t, err)
	assert.Regexp(t, `^/tmp/mcp-[0-9a-f]{8}$`, out)
}
