package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// HARNESS CONFIGURATION
// ============================================================================

// HarnessConfig is the optional YAML file that overrides the built-in
// defaults. String fields may use Handlebars templates such as
// {{{HARNESS_DIR}}}, {{{WORK_DIR}}} or any environment variable.
type HarnessConfig struct {
	Project    string        `yaml:"project"`
	Server     string        `yaml:"server"`
	WorkDir    string        `yaml:"work_dir"`
	Target     string        `yaml:"target"`
	TracesDir  string        `yaml:"traces_dir"`
	ObserveURL string        `yaml:"observe_url"`
	Proxy      ProxyConfig   `yaml:"proxy"`
	Chaos      ChaosConfig   `yaml:"chaos"`
	Provider   Provider      `yaml:"provider"`
	Agent      AgentSettings `yaml:"agent"`
}

type ProxyConfig struct {
	Name        string   `yaml:"name"`         // Display name for the stdio session
	Dir         string   `yaml:"dir"`          // Working directory of the launcher (mcp-debug checkout)
	Launcher    []string `yaml:"launcher"`     // Command prefix that runs the proxy CLI
	Subcommand  string   `yaml:"subcommand"`   // Proxy subcommand, first proxy argument
	InitTimeout string   `yaml:"init_timeout"` // Bound on the MCP initialize handshake
	KillGrace   string   `yaml:"kill_grace"`   // Wait after stdin close before signalling the proxy
}

type ChaosConfig struct {
	Config string `yaml:"config"` // Relative to the harness dir unless absolute
	Strict bool   `yaml:"strict"` // Fail the run when the config is missing
}

// ChaosPolicy decides what happens when chaos is requested but the config
// file is missing.
type ChaosPolicy string

const (
	ChaosFailOpen ChaosPolicy = "fail-open"
	ChaosStrict   ChaosPolicy = "strict"
)

func (c ChaosConfig) Policy() ChaosPolicy {
	if c.Strict {
		return ChaosStrict
	}
	return ChaosFailOpen
}

// ============================================================================
// PROVIDER CONFIGURATION
// ============================================================================

// RateLimitConfig throttles requests before they are sent.
type RateLimitConfig struct {
	TPM int `yaml:"tpm"` // Tokens per minute
	RPM int `yaml:"rpm"` // Requests per minute
}

type Provider struct {
	Name            string          `yaml:"name"`
	Type            ProviderType    `yaml:"type"`
	Token           string          `yaml:"token"`
	Secret          string          `yaml:"secret"`
	Model           string          `yaml:"model"`
	BaseURL         string          `yaml:"baseUrl"`
	Version         string          `yaml:"version"`          // Azure API version, e.g. 2025-01-01-preview
	ProjectID       string          `yaml:"project_id"`       // Vertex
	Location        string          `yaml:"location"`         // Vertex location or Bedrock region
	CredentialsPath string          `yaml:"credentials_path"` // Vertex
	AuthType        string          `yaml:"auth_type"`        // Azure: "api_key" (default) or "entra_id"
	RateLimits      RateLimitConfig `yaml:"rate_limits"`
}

type ProviderType string

const (
	ProviderGroq            ProviderType = "GROQ"
	ProviderGoogle          ProviderType = "GOOGLE"
	ProviderVertex          ProviderType = "VERTEX"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderAmazonAnthropic ProviderType = "AMAZON-ANTHROPIC"
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderAzure           ProviderType = "AZURE"
)

// ============================================================================
// AGENT CONFIGURATION
// ============================================================================

type AgentSettings struct {
	Name          string   `yaml:"name"`
	Instructions  string   `yaml:"instructions"`
	MaxIterations int      `yaml:"max_iterations"`
	ToolTimeout   string   `yaml:"tool_timeout"`
	AllowedTools  []string `yaml:"allowed_tools,omitempty"`
}

const (
	DefaultProject       = "openai-test"
	DefaultServer        = "filesystem"
	DefaultWorkDir       = "/private/tmp/mcp-debug-test"
	DefaultObserveURL    = "http://localhost:3001"
	DefaultAgentName     = "FileAgent"
	DefaultMaxIterations = 10
	DefaultInstructions  = `You are a helpful assistant that can read and write files.
When asked to perform file operations, use the available tools.
Be concise in your responses.`
)

func DefaultHarnessConfig() HarnessConfig {
	return HarnessConfig{
		Project:    DefaultProject,
		Server:     DefaultServer,
		WorkDir:    DefaultWorkDir,
		Target:     "npx -y @modelcontextprotocol/server-filesystem {{{WORK_DIR}}}",
		TracesDir:  TracesDir,
		ObserveURL: DefaultObserveURL,
		Proxy: ProxyConfig{
			Name:        "Filesystem via mcp-debug",
			Dir:         "{{{HARNESS_DIR}}}/../mcp-debug",
			Launcher:    []string{"npx", "tsx", "src/cli.ts"},
			Subcommand:  "proxy",
			InitTimeout: "30s",
			KillGrace:   "5s",
		},
		Chaos: ChaosConfig{
			Config: ChaosConfigFile,
		},
		Provider: Provider{
			Name:  "openai",
			Type:  ProviderOpenAI,
			Token: "{{{OPENAI_API_KEY}}}",
			Model: "gpt-4o",
		},
		Agent: AgentSettings{
			Name:          DefaultAgentName,
			Instructions:  DefaultInstructions,
			MaxIterations: DefaultMaxIterations,
		},
	}
}

// ============================================================================
// YAML PARSER
// ============================================================================

// ParseHarnessConfig reads filename on top of DefaultHarnessConfig, so keys
// absent from the file keep their default.
func ParseHarnessConfig(filename string) (*HarnessConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseHarnessConfigFromString(string(data))
}

func ParseHarnessConfigFromString(definition string) (*HarnessConfig, error) {
	config := DefaultHarnessConfig()
	if err := yaml.Unmarshal([]byte(definition), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return &config, nil
}
