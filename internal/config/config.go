// Package config loads and persists structward configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all structward configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Worker process configuration
	MCP MCPConfig `yaml:"mcp"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // openai, anthropic
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`

	// Temperature of exactly 0 is treated as unset and the provider default
	// applies; use math.SmallestNonzeroFloat32 for an effective zero.
	Temperature float32 `yaml:"temperature"`

	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// MCPConfig configures the filesystem tool-provider process.
type MCPConfig struct {
	Launcher    string   `yaml:"launcher"`
	ServerArgs  []string `yaml:"server_args"`
	StartGrace  string   `yaml:"start_grace"`
	CallTimeout string   `yaml:"call_timeout"`
	CloseGrace  string   `yaml:"close_grace"`
}

// LoggingConfig configures debug logging.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Dir       string `yaml:"dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "structward",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			MaxTokens:   2000,
			Temperature: 0.2,
			Timeout:     "10m",
		},

		MCP: MCPConfig{
			Launcher:    "npx",
			ServerArgs:  []string{"-y", "@modelcontextprotocol/server-filesystem"},
			StartGrace:  "2s",
			CallTimeout: "15s",
			CloseGrace:  "5s",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Dir:       defaultLogDir(),
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".structward", "config.yaml")
	}
	return filepath.Join(home, ".structward", "config.yaml")
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".structward", "logs")
	}
	return filepath.Join(home, ".structward", "logs")
}

// Load loads configuration from a YAML file.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// API keys are keyed off the configured provider so the wrong vendor's
// key is never picked up silently.
func (c *Config) applyEnvOverrides() {
	switch strings.ToLower(c.LLM.Provider) {
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			c.LLM.APIKey = key
		}
	}

	if dir := os.Getenv("STRUCTWARD_LOG_DIR"); dir != "" {
		c.Logging.Dir = dir
	}
}

// GetTimeout returns the provider HTTP timeout as a duration.
func (l LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(l.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetStartGrace returns the worker start grace as a duration.
func (m MCPConfig) GetStartGrace() time.Duration {
	d, err := time.ParseDuration(m.StartGrace)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetCallTimeout returns the per-call protocol timeout as a duration.
func (m MCPConfig) GetCallTimeout() time.Duration {
	d, err := time.ParseDuration(m.CallTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GetCloseGrace returns the graceful shutdown wait as a duration.
func (m MCPConfig) GetCloseGrace() time.Duration {
	d, err := time.ParseDuration(m.CloseGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// Validate checks that the configuration is usable for a run.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("no API key configured: set llm.api_key or the provider's environment variable")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("no model configured")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.MCP.Launcher == "" {
		return fmt.Errorf("no launcher configured for the filesystem tool provider")
	}
	return nil
}
