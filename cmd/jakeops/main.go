package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/jakeops/internal/agent"
	"github.com/ashita-ai/jakeops/internal/config"
	"github.com/ashita-ai/jakeops/internal/delivery"
	"github.com/ashita-ai/jakeops/internal/eventbus"
	"github.com/ashita-ai/jakeops/internal/github"
	"github.com/ashita-ai/jakeops/internal/mcp"
	"github.com/ashita-ai/jakeops/internal/ratelimit"
	"github.com/ashita-ai/jakeops/internal/server"
	"github.com/ashita-ai/jakeops/internal/source"
	"github.com/ashita-ai/jakeops/internal/storage"
	"github.com/ashita-ai/jakeops/internal/syncer"
	"github.com/ashita-ai/jakeops/internal/telemetry"
	"github.com/ashita-ai/jakeops/internal/vcs"
	"github.com/ashita-ai/jakeops/internal/worker"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("JAKEOPS_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("jakeops starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Postgres migrations run inside Open.
	store, err := storage.Open(ctx, storage.Options{
		Kind:        cfg.Store,
		DataDir:     cfg.DataDir,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	var sessionDirs []string
	if cfg.SessionLogsDir != "" {
		sessionDirs = append(sessionDirs, cfg.SessionLogsDir)
	}
	deliveries := delivery.NewService(store, logger, sessionDirs...)
	sources := source.NewService(store, logger)

	git := vcs.NewGitCLI(logger)
	executor := delivery.NewExecutor(deliveries, delivery.ExecutorConfig{
		Runner:     agent.NewClaudeCLI(cfg.ClaudeBin, cfg.AgentIdleTimeout, logger),
		VCS:        git,
		Sources:    store,
		Publisher:  git,
		Bus:        eventbus.New(cfg.BusReplaySize, logger),
		CloseGrace: cfg.BusCloseGrace,
		Logger:     logger,
	})

	workers := worker.NewRegistry()
	syncLoop := syncer.New(github.NewClient(cfg.GitHubAPIURL, logger), store, deliveries, workers, logger)
	if cfg.SyncEnabled {
		go syncLoop.Run(ctx, cfg.SyncInterval)
	} else {
		workers.Register(syncer.WorkerName, "Delivery Sync", cfg.SyncInterval, false)
		logger.Info("syncer: disabled")
	}

	mcpSrv := mcp.New(deliveries, executor, logger, version)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: agent launches and sync", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Deliveries:          deliveries,
		Executor:            executor,
		Logger:              logger,
		Sources:             sources,
		Store:               store,
		Syncer:              syncLoop,
		Workers:             workers,
		MCPServer:           mcpSrv.MCPServer(),
		RateLimiter:         limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		CORSOrigins:         cfg.CORSOrigins,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Stop taking requests first, then let running agents wind down. Each
	// step gets its own budget.
	slog.Info("jakeops shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	execCtx, execCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := executor.Shutdown(execCtx); err != nil {
		slog.Error("executor shutdown error", "error", err)
	}
	execCancel()

	slog.Info("jakeops stopped")
	return nil
}
