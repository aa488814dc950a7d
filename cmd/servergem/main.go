// ServerGem server — terminates the chat WebSocket, drives the LLM
// conversation, and deploys repositories to Cloud Run.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/servergem/servergem/pkg/analyzer"
	"github.com/servergem/servergem/pkg/api"
	"github.com/servergem/servergem/pkg/cleanup"
	"github.com/servergem/servergem/pkg/cloudbuild"
	"github.com/servergem/servergem/pkg/cloudrun"
	"github.com/servergem/servergem/pkg/config"
	"github.com/servergem/servergem/pkg/gateway"
	"github.com/servergem/servergem/pkg/gitclient"
	"github.com/servergem/servergem/pkg/llm"
	"github.com/servergem/servergem/pkg/masking"
	"github.com/servergem/servergem/pkg/orchestrator"
	"github.com/servergem/servergem/pkg/pipeline"
	"github.com/servergem/servergem/pkg/recipe"
	"github.com/servergem/servergem/pkg/version"
)

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file found, continuing with existing environment", "error", err)
	}
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting ServerGem",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"project", cfg.GoogleCloudProject,
		"region", cfg.GoogleCloudRegion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buildClient, err := cloudbuild.NewClient(ctx, cfg.GoogleCloudProject, cfg.GoogleCloudRegion, cfg.ArtifactRegistry)
	if err != nil {
		slog.Error("Failed to initialize Cloud Build client", "error", err)
		os.Exit(1)
	}
	buildClient.SetPollInterval(cfg.Timeouts.OperationPoll)

	runClient, err := cloudrun.NewClient(ctx, cfg.GoogleCloudProject, cfg.GoogleCloudRegion)
	if err != nil {
		slog.Error("Failed to initialize Cloud Run client", "error", err)
		os.Exit(1)
	}
	runClient.SetPollInterval(cfg.Timeouts.OperationPoll)
	slog.Info("Cloud clients initialized", "registry", cfg.ArtifactRegistry)

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)

	// One masker for the whole process: values registered in any session
	// stay masked everywhere.
	masker := masking.NewService()
	for _, secret := range []string{cfg.LLM.AnthropicAPIKey, cfg.LLM.BackupAPIKey, cfg.GitHubToken} {
		if secret != "" {
			masker.RegisterSecret(secret)
		}
	}

	retry := llm.RetryPolicy{Attempts: cfg.Timeouts.LLMRetryAttempts, Base: cfg.Timeouts.LLMRetryBase}

	// Each session gets its own broker (conversation history), git client
	// (per-session token), and engine. Cloud clients are shared.
	factory := func(sessionID string) gateway.ChatCore {
		primary := llm.NewAnthropicProvider(cfg.LLM.AnthropicAPIKey, cfg.LLM.AnthropicModel, cfg.LLM.MaxTokens)
		var backup llm.Provider
		if cfg.LLM.BackupConfigured() {
			backup = llm.NewOpenAIProvider(cfg.LLM.BackupAPIKey, cfg.LLM.BackupBaseURL, cfg.LLM.BackupModel)
		}
		broker := llm.NewBroker(primary, backup, retry, nil)

		git := gitclient.NewClient(cfg.GitHubToken)
		engine := pipeline.NewEngine(pipeline.Deps{
			Cloner:      git,
			Analyzer:    analyzer.New(broker),
			Synthesizer: recipe.New(broker),
			Builder:     buildClient,
			Deployer:    runClient,
		}, cfg.Timeouts, metrics)

		return orchestrator.New(sessionID, broker, engine, git, runClient)
	}

	gw := gateway.New(factory, masker, cfg.Timeouts)

	sweeper := cleanup.NewSweeper(gw, cfg.Timeouts.SweepInterval, cfg.Timeouts.SweepGrace)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := api.NewServer(gw, registry, cfg.HTTPPort)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	slog.Info("ServerGem stopped")
}
