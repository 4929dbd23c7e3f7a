package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearWarrenEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"WARREN_RUNTIME_ROOT", "WARREN_CHANNEL_URL", "ANTHROPIC_API_KEY",
		"WARREN_MODEL", "WARREN_BACKUP_MODEL", "WARREN_INITIAL_BACKOFF_MS",
		"WARREN_MAX_BACKOFF_MS", "WARREN_BACKOFF_MULTIPLIER",
		"WARREN_FALLBACK_RETRY_COUNT", "WARREN_IDLE_TIMEOUT_SECONDS",
		"WARREN_MEMORY_LIMIT_BYTES", "WARREN_CPU_LIMIT",
		"WARREN_BROWSER_ENABLED",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefault(t *testing.T) {
	clearWarrenEnv(t)

	cfg := Default()
	if cfg.RuntimeRoot != DefaultRuntimeRoot {
		t.Errorf("expected runtime root %q, got %q", DefaultRuntimeRoot, cfg.RuntimeRoot)
	}
	if cfg.Agent.Model != DefaultPrimaryModel {
		t.Errorf("expected model %q, got %q", DefaultPrimaryModel, cfg.Agent.Model)
	}
	if cfg.Agent.BackupModel != DefaultBackupModel {
		t.Errorf("expected backup model %q, got %q", DefaultBackupModel, cfg.Agent.BackupModel)
	}
	if cfg.Agent.MaxTokens != DefaultMaxTokens {
		t.Errorf("expected max tokens %d, got %d", DefaultMaxTokens, cfg.Agent.MaxTokens)
	}
	if cfg.Agent.FallbackRetries != DefaultFallbackRetries {
		t.Errorf("expected fallback retries %d, got %d", DefaultFallbackRetries, cfg.Agent.FallbackRetries)
	}
	if cfg.Sandbox.MemoryLimitBytes != int64(2)<<30 {
		t.Errorf("expected 2GiB memory limit, got %d", cfg.Sandbox.MemoryLimitBytes)
	}
	if cfg.Sandbox.CPULimit != 2.0 {
		t.Errorf("expected 2 CPUs, got %v", cfg.Sandbox.CPULimit)
	}
	if cfg.Sandbox.CommandTimeoutSecs != int(120*time.Second/time.Second) {
		t.Errorf("expected 120s command timeout, got %d", cfg.Sandbox.CommandTimeoutSecs)
	}
	if cfg.Sandbox.HostNetwork == nil || !*cfg.Sandbox.HostNetwork {
		t.Error("expected host network enabled by default")
	}
	if cfg.Browser.Enabled == nil || !*cfg.Browser.Enabled {
		t.Error("expected browser tools enabled by default")
	}
	if cfg.Browser.MaxTabs != DefaultBrowserTabs {
		t.Errorf("expected %d browser tabs, got %d", DefaultBrowserTabs, cfg.Browser.MaxTabs)
	}
	if cfg.Browser.TimeoutSeconds != int(DefaultBrowserTimeout/time.Second) {
		t.Errorf("expected %v browser timeout, got %ds", DefaultBrowserTimeout, cfg.Browser.TimeoutSeconds)
	}
}

func TestLoadYAML(t *testing.T) {
	clearWarrenEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "warren.yaml")
	content := `
runtime_root: /tmp/warren-test
channel:
  url: ws://localhost:9000/ws
  auth_token: secret
agent:
  model: claude-test
  max_tokens: 1024
sandbox:
  image: custom:latest
  idle_timeout_seconds: 30
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeRoot != "/tmp/warren-test" {
		t.Errorf("expected runtime root from file, got %q", cfg.RuntimeRoot)
	}
	if cfg.Channel.URL != "ws://localhost:9000/ws" {
		t.Errorf("expected channel url from file, got %q", cfg.Channel.URL)
	}
	if cfg.Channel.AuthToken != "secret" {
		t.Errorf("expected auth token from file, got %q", cfg.Channel.AuthToken)
	}
	if cfg.Agent.Model != "claude-test" {
		t.Errorf("expected model override, got %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTokens != 1024 {
		t.Errorf("expected max tokens override, got %d", cfg.Agent.MaxTokens)
	}
	// Unset fields still receive defaults.
	if cfg.Agent.BackupModel != DefaultBackupModel {
		t.Errorf("expected default backup model, got %q", cfg.Agent.BackupModel)
	}
	if cfg.Sandbox.Image != "custom:latest" {
		t.Errorf("expected image override, got %q", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.IdleTimeoutSeconds != 30 {
		t.Errorf("expected idle timeout 30, got %d", cfg.Sandbox.IdleTimeoutSeconds)
	}
}

func TestLoadInclude(t *testing.T) {
	clearWarrenEnv(t)

	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("agent:\n  model: base-model\n  max_tokens: 2048\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "main.yaml")
	if err := os.WriteFile(main, []byte("$include: base.yaml\nagent:\n  model: main-model\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Model != "main-model" {
		t.Errorf("expected including file to win, got %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTokens != 2048 {
		t.Errorf("expected included max_tokens to survive, got %d", cfg.Agent.MaxTokens)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	clearWarrenEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("agnet:\n  model: oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected unknown top-level key to fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearWarrenEnv(t)
	t.Setenv("WARREN_MODEL", "env-model")
	t.Setenv("WARREN_CHANNEL_URL", "ws://env:1234/ws")
	t.Setenv("WARREN_FALLBACK_RETRY_COUNT", "3")
	t.Setenv("WARREN_CPU_LIMIT", "4.5")
	t.Setenv("WARREN_BROWSER_ENABLED", "false")

	cfg := Default()
	if cfg.Agent.Model != "env-model" {
		t.Errorf("expected env model, got %q", cfg.Agent.Model)
	}
	if cfg.Channel.URL != "ws://env:1234/ws" {
		t.Errorf("expected env channel url, got %q", cfg.Channel.URL)
	}
	if cfg.Agent.FallbackRetries != 3 {
		t.Errorf("expected env fallback retries, got %d", cfg.Agent.FallbackRetries)
	}
	if cfg.Sandbox.CPULimit != 4.5 {
		t.Errorf("expected env cpu limit, got %v", cfg.Sandbox.CPULimit)
	}
	if cfg.Browser.Enabled == nil || *cfg.Browser.Enabled {
		t.Error("expected env to disable browser tools")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"negative tool iterations", func(c *Config) { c.Agent.MaxToolIterations = -1 }, true},
		{"multiplier below one", func(c *Config) { c.Agent.BackoffMultiplier = 0.5 }, true},
		{"negative idle timeout", func(c *Config) { c.Sandbox.IdleTimeoutSeconds = -1 }, true},
		{"negative browser tabs", func(c *Config) { c.Browser.MaxTabs = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearWarrenEnv(t)
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
