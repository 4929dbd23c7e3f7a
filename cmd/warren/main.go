// Package main is the CLI entry point for the warren agent host.
//
// Warren connects a websocket prompt channel to an Anthropic-backed
// agent loop with sandboxed shell execution per conversation.
//
// Start the host:
//
//	warren run --config warren.yaml
//
// Destroy all conversation state, containers, and scratch directories:
//
//	warren wipe
//
// Configuration may also come from environment variables; see
// internal/config for the full list. ANTHROPIC_API_KEY supplies the
// model credential when the config file omits it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/warren-ai/warren/internal/agent"
	"github.com/warren-ai/warren/internal/agent/providers"
	"github.com/warren-ai/warren/internal/backoff"
	"github.com/warren-ai/warren/internal/channels"
	"github.com/warren-ai/warren/internal/config"
	"github.com/warren-ai/warren/internal/conversations"
	"github.com/warren-ai/warren/internal/observability"
	"github.com/warren-ai/warren/internal/sandbox"
	"github.com/warren-ai/warren/internal/state"
	"github.com/warren-ai/warren/internal/tools"
	"github.com/warren-ai/warren/internal/tools/browser"
	"github.com/warren-ai/warren/internal/tools/shelltool"
	"github.com/warren-ai/warren/internal/tools/weather"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownGrace = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "warren",
		Short:        "Warren - sandboxed agent host",
		Long:         "Warren hosts an LLM agent loop behind a websocket prompt channel,\nwith per-conversation Docker sandboxes for shell execution.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildRunCmd(),
		buildWipeCmd(),
	)
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (yaml or json5)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics (empty disables)")
	return cmd
}

func buildWipeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Destroy all conversation state, containers, and scratch directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return wipe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (yaml or json5)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// runHost wires every component and blocks until a termination signal
// arrives or the prompt channel closes for good.
func runHost(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	if cfg.Channel.URL == "" {
		return errors.New("channel.url is required (or set WARREN_CHANNEL_URL)")
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.NewStore(cfg.RuntimeRoot, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	buckets := store.Load()

	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}
	manager := sandbox.NewManager(runtime, sandbox.ManagerConfig{
		RuntimeRoot:   cfg.RuntimeRoot,
		Image:         cfg.Sandbox.Image,
		MemoryLimit:   cfg.Sandbox.MemoryLimitBytes,
		CPULimit:      cfg.Sandbox.CPULimit,
		IdleTimeout:   time.Duration(cfg.Sandbox.IdleTimeoutSeconds) * time.Second,
		MaxContainers: cfg.Sandbox.MaxContainers,
		HostNetwork:   *cfg.Sandbox.HostNetwork,
	}, logger)
	manager.Start()

	registry := tools.NewRegistry(store, buckets,
		filepath.Join(cfg.RuntimeRoot, sandbox.WorkingDirName), logger)
	if err := registry.Register(weather.New()); err != nil {
		return fmt.Errorf("register weather tools: %w", err)
	}
	if err := registry.Register(shelltool.New(manager, cfg.Sandbox.CommandTimeoutSecs)); err != nil {
		return fmt.Errorf("register shell tools: %w", err)
	}
	if *cfg.Browser.Enabled {
		browserProvider := browser.New(browser.Config{
			MaxTabs: cfg.Browser.MaxTabs,
			Timeout: time.Duration(cfg.Browser.TimeoutSeconds) * time.Second,
		}, logger)
		defer browserProvider.Close()
		if err := registry.Register(browserProvider); err != nil {
			return fmt.Errorf("register browser tools: %w", err)
		}
	}

	provider, err := providers.NewAnthropic(providers.AnthropicConfig{
		APIKey:       cfg.Agent.APIKey,
		DefaultModel: cfg.Agent.Model,
	})
	if err != nil {
		return fmt.Errorf("create completion provider: %w", err)
	}
	driver := agent.NewDriver(provider, registry, agent.Config{
		Model:             cfg.Agent.Model,
		BackupModel:       cfg.Agent.BackupModel,
		SystemPrompt:      cfg.Agent.SystemPrompt,
		MaxTokens:         cfg.Agent.MaxTokens,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		Retry: backoff.Policy{
			InitialMs: float64(cfg.Agent.InitialBackoffMs),
			MaxMs:     float64(cfg.Agent.MaxBackoffMs),
			Factor:    cfg.Agent.BackoffMultiplier,
		},
		FallbackRetries: cfg.Agent.FallbackRetries,
	}, logger)

	metrics := observability.NewMetrics()
	metrics.RegisterContainerStates(manager.StateCounts)
	var metricsSrv *http.Server
	if metricsAddr != "" {
		metricsSrv = serveMetrics(metricsAddr, metrics, logger)
	}

	adapter := channels.NewWebSocket(cfg.Channel.URL, cfg.Channel.AuthToken, logger)
	if err := adapter.Start(ctx); err != nil {
		return err
	}

	logger.Info("warren host started",
		"version", version,
		"model", cfg.Agent.Model,
		"channel", cfg.Channel.URL,
		"runtime_root", cfg.RuntimeRoot)

	convs := conversations.NewManager(driver, adapter, manager, registry, metrics, logger)
	convs.Run(ctx)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := adapter.Stop(shutdownCtx); err != nil {
		logger.Warn("prompt channel shutdown failed", "error", err)
	}
	manager.Shutdown(shutdownCtx)
	if err := store.Save(state.Snapshot(buckets)); err != nil {
		logger.Warn("final state save failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

func serveMetrics(addr string, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// wipe clears persisted tool state and removes every agent container and
// scratch directory, including ones left behind by a crashed host.
func wipe(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	store, err := state.NewStore(cfg.RuntimeRoot, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	if _, err := store.Reset(); err != nil {
		return fmt.Errorf("reset tool state: %w", err)
	}

	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		return fmt.Errorf("connect container runtime: %w", err)
	}
	if err := sandbox.Purge(ctx, runtime, cfg.RuntimeRoot, logger); err != nil {
		return err
	}

	logger.Info("wipe complete", "runtime_root", cfg.RuntimeRoot)
	return nil
}
