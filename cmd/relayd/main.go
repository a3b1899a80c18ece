// Package main is the command-line entry point for the relayd daemon: a
// local WebSocket gateway that bridges a chat client to an LLM endpoint,
// a pool of MCP tool servers, and a workflow scheduler/executor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaycore/relayd/internal/chatengine"
	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/convstore"
	"github.com/relaycore/relayd/internal/cron"
	"github.com/relaycore/relayd/internal/daemon"
	"github.com/relaycore/relayd/internal/eventbus"
	"github.com/relaycore/relayd/internal/llmstream"
	"github.com/relaycore/relayd/internal/mcp"
	"github.com/relaycore/relayd/internal/metrics"
	"github.com/relaycore/relayd/internal/notify"
	"github.com/relaycore/relayd/internal/tracing"
	"github.com/relaycore/relayd/internal/workflow"
	"github.com/relaycore/relayd/internal/workflowstore"
	"github.com/relaycore/relayd/internal/wsmux"
	"github.com/relaycore/relayd/pkg/model"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with its subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relayd",
		Short:        "relayd - a local WebSocket gateway for chat, tools, and workflows",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relayd gateway",
		Long: `Start the relayd gateway: load configuration, spawn configured MCP
tool servers, and accept WebSocket connections for chat, workflow
management, and scheduling.

Graceful shutdown is triggered on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, port, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to YAML configuration file")
	cmd.Flags().IntVar(&port, "port", 0, "override the configured WebSocket listener port (0 = use config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relayd.yaml"
	}
	return filepath.Join(home, ".relayd", "relayd.yaml")
}

// runServe implements the serve command: it loads configuration, wires
// every component in dependency order, restores persisted schedules,
// starts the HTTP/WebSocket listener, and blocks until a shutdown signal
// arrives.
func runServe(ctx context.Context, configPath string, portOverride int, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()
	logger.Info("starting relayd", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}

	for _, dir := range []string{cfg.Server.BaseDir, filepath.Join(cfg.Server.BaseDir, "skills")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create base dir: %w", err)
		}
	}

	convs, err := convstore.New(filepath.Join(cfg.Server.BaseDir, "conversations"), logger)
	if err != nil {
		return fmt.Errorf("init conversation store: %w", err)
	}
	wfs, err := workflowstore.New(filepath.Join(cfg.Server.BaseDir, "workflows"), logger)
	if err != nil {
		return fmt.Errorf("init workflow store: %w", err)
	}

	reg := prometheus.NewRegistry()
	metricsInst := metrics.New(reg)

	tracer, shutdownTracer := tracing.New(tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	mcpMgr := mcp.NewManager(logger)
	mcpMgr.SetMetrics(metricsInst)
	mcpMgr.SetTracer(tracer)
	mcpMgr.Start(ctx, cfg.MCP.ServerConfigs())
	defer mcpMgr.StopAll()

	bus := eventbus.New()
	llmClient := llmstream.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.APIVersion, cfg.LLM.SSETimeout)

	skillsPrompt, err := loadSkillsPrompt(filepath.Join(cfg.Server.BaseDir, "skills"))
	if err != nil {
		logger.Warn("failed to load skills prompt", "error", err)
	}

	// The mux's handler must dispatch into the daemon Server, and the
	// Server needs the already-constructed *wsmux.Mux for unicasts; a
	// forward-declared pointer captured by the handler closure breaks the
	// cycle.
	var srv *daemon.Server
	mux := wsmux.New(
		func(client *wsmux.Client, env wsmux.Envelope) { srv.Dispatch(client, env) },
		func() wsmux.StatusInfo { return srv.Status() },
		logger,
	)
	mux.SetMetrics(metricsInst)
	notifier := notify.New(mux)

	chatEngine := chatengine.New(
		chatengine.Config{Model: cfg.LLM.Model, MaxTokens: cfg.LLM.MaxTokens, SkillsPrompt: skillsPrompt},
		convs, llmClient, mcpMgr, mux, logger,
	)
	chatEngine.SetTracer(tracer)
	executor := workflow.New(mcpMgr, wfs, notifier, logger)
	executor.SetMetrics(metricsInst)
	executor.SetTracer(tracer)
	scheduler := cron.New(func(workflowID string) {
		wf, err := wfs.LoadWorkflow(workflowID)
		if err != nil {
			logger.Error("cron fire: failed to load workflow", "workflowId", workflowID, "error", err)
			return
		}
		executor.Run(context.Background(), wf, model.TriggerInfo{Kind: model.TriggerCron, Detail: workflowID})
	}, logger)
	scheduler.SetMetrics(metricsInst)
	defer scheduler.Stop()

	srv = daemon.New(cfg, convs, wfs, mcpMgr, chatEngine, executor, scheduler, bus, mux, logger)
	srv.RestoreSchedules()

	// The MCP server map lives inside the main config file rather than a
	// separate mcp.json, so the hot-reload watcher follows that same path
	// and re-reads the whole file on every change.
	watcher := mcp.NewConfigWatcher(configPath, 500*time.Millisecond, func() {
		reloaded, err := config.Load(configPath)
		if err != nil {
			logger.Error("config reload failed, keeping previous mcp server set", "error", err)
			return
		}
		mcpMgr.Reload(context.Background(), reloaded.MCP.ServerConfigs())
	}, logger)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := watcher.Start(runCtx); err != nil {
		logger.Warn("mcp config watcher failed to start", "error", err)
	}
	defer watcher.Stop()

	mx := http.NewServeMux()
	mx.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mx.Handle("/ws", mux)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mx,
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serveErrs:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	logger.Info("relayd stopped")
	return nil
}

// loadSkillsPrompt concatenates every markdown file directly under dir
// into a single system-prompt suffix, sorted by filename for a
// deterministic ordering. A missing or empty directory yields an empty
// string, not an error.
func loadSkillsPrompt(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read skills dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("read skill %s: %w", name, err)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.Write(data)
	}
	return b.String(), nil
}
