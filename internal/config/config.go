package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for the host. The model identifiers track the primary and
// backup completion models the driver switches between.
const (
	DefaultRuntimeRoot     = "warren_runtime"
	DefaultPrimaryModel    = "claude-opus-4-1-20250805"
	DefaultBackupModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens       = 32000
	DefaultMaxToolIters    = 25
	DefaultInitialBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff      = 3 * time.Second
	DefaultBackoffFactor   = 2.0
	DefaultFallbackRetries = 10
	DefaultContainerImage  = "warren-agent:latest"
	DefaultMemoryLimit     = int64(2) << 30
	DefaultCPULimit        = 2.0
	DefaultCommandTimeout  = 120 * time.Second
	DefaultMaxContainers   = 100
	DefaultBrowserTabs     = 4
	DefaultBrowserTimeout  = 30 * time.Second
)

// Config is the root configuration for the warren host.
type Config struct {
	RuntimeRoot string        `yaml:"runtime_root"`
	Channel     ChannelConfig `yaml:"channel"`
	Agent       AgentConfig   `yaml:"agent"`
	Sandbox     SandboxConfig `yaml:"sandbox"`
	Browser     BrowserConfig `yaml:"browser"`
}

// ChannelConfig configures the websocket prompt channel.
type ChannelConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

// AgentConfig configures the LLM driver.
type AgentConfig struct {
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	BackupModel       string  `yaml:"backup_model"`
	SystemPrompt      string  `yaml:"system_prompt"`
	MaxTokens         int     `yaml:"max_tokens"`
	MaxToolIterations int     `yaml:"max_tool_iterations"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	FallbackRetries   int     `yaml:"fallback_retry_count"`
}

// SandboxConfig configures per-conversation containers.
type SandboxConfig struct {
	Image              string  `yaml:"image"`
	MemoryLimitBytes   int64   `yaml:"memory_limit_bytes"`
	CPULimit           float64 `yaml:"cpu_limit"`
	IdleTimeoutSeconds int     `yaml:"idle_timeout_seconds"`
	CommandTimeoutSecs int     `yaml:"command_timeout_seconds"`
	MaxContainers      int     `yaml:"max_containers"`
	HostNetwork        *bool   `yaml:"host_network"`
}

// BrowserConfig configures the headless browser tool provider.
type BrowserConfig struct {
	Enabled        *bool `yaml:"enabled"`
	MaxTabs        int   `yaml:"max_tabs"`
	TimeoutSeconds int   `yaml:"timeout_seconds"`
}

// Load reads a config file (json5 or yaml by extension), resolves
// includes, applies defaults, then environment overrides.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with defaults and environment
// overrides, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.RuntimeRoot == "" {
		c.RuntimeRoot = DefaultRuntimeRoot
	}
	if c.Agent.Model == "" {
		c.Agent.Model = DefaultPrimaryModel
	}
	if c.Agent.BackupModel == "" {
		c.Agent.BackupModel = DefaultBackupModel
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = DefaultMaxTokens
	}
	if c.Agent.MaxToolIterations == 0 {
		c.Agent.MaxToolIterations = DefaultMaxToolIters
	}
	if c.Agent.InitialBackoffMs == 0 {
		c.Agent.InitialBackoffMs = int(DefaultInitialBackoff / time.Millisecond)
	}
	if c.Agent.MaxBackoffMs == 0 {
		c.Agent.MaxBackoffMs = int(DefaultMaxBackoff / time.Millisecond)
	}
	if c.Agent.BackoffMultiplier == 0 {
		c.Agent.BackoffMultiplier = DefaultBackoffFactor
	}
	if c.Agent.FallbackRetries == 0 {
		c.Agent.FallbackRetries = DefaultFallbackRetries
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = DefaultContainerImage
	}
	if c.Sandbox.MemoryLimitBytes == 0 {
		c.Sandbox.MemoryLimitBytes = DefaultMemoryLimit
	}
	if c.Sandbox.CPULimit == 0 {
		c.Sandbox.CPULimit = DefaultCPULimit
	}
	if c.Sandbox.CommandTimeoutSecs == 0 {
		c.Sandbox.CommandTimeoutSecs = int(DefaultCommandTimeout / time.Second)
	}
	if c.Sandbox.MaxContainers == 0 {
		c.Sandbox.MaxContainers = DefaultMaxContainers
	}
	if c.Sandbox.HostNetwork == nil {
		hostNet := true
		c.Sandbox.HostNetwork = &hostNet
	}
	if c.Browser.Enabled == nil {
		enabled := true
		c.Browser.Enabled = &enabled
	}
	if c.Browser.MaxTabs == 0 {
		c.Browser.MaxTabs = DefaultBrowserTabs
	}
	if c.Browser.TimeoutSeconds == 0 {
		c.Browser.TimeoutSeconds = int(DefaultBrowserTimeout / time.Second)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WARREN_RUNTIME_ROOT"); v != "" {
		c.RuntimeRoot = v
	}
	if v := os.Getenv("WARREN_CHANNEL_URL"); v != "" {
		c.Channel.URL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Agent.APIKey == "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("WARREN_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("WARREN_BACKUP_MODEL"); v != "" {
		c.Agent.BackupModel = v
	}
	if v, ok := envInt("WARREN_INITIAL_BACKOFF_MS"); ok {
		c.Agent.InitialBackoffMs = v
	}
	if v, ok := envInt("WARREN_MAX_BACKOFF_MS"); ok {
		c.Agent.MaxBackoffMs = v
	}
	if v := os.Getenv("WARREN_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Agent.BackoffMultiplier = f
		}
	}
	if v, ok := envInt("WARREN_FALLBACK_RETRY_COUNT"); ok {
		c.Agent.FallbackRetries = v
	}
	if v, ok := envInt("WARREN_IDLE_TIMEOUT_SECONDS"); ok {
		c.Sandbox.IdleTimeoutSeconds = v
	}
	if v := os.Getenv("WARREN_MEMORY_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Sandbox.MemoryLimitBytes = n
		}
	}
	if v := os.Getenv("WARREN_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Sandbox.CPULimit = f
		}
	}
	if v := os.Getenv("WARREN_BROWSER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Enabled = &b
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Agent.MaxToolIterations < 1 {
		return fmt.Errorf("agent.max_tool_iterations must be at least 1")
	}
	if c.Agent.BackoffMultiplier < 1 {
		return fmt.Errorf("agent.backoff_multiplier must be >= 1")
	}
	if c.Sandbox.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.idle_timeout_seconds must be >= 0")
	}
	if c.Browser.MaxTabs < 1 {
		return fmt.Errorf("browser.max_tabs must be at least 1")
	}
	return nil
}
