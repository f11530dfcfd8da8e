package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"recipejanitor/internal/api"
	"recipejanitor/internal/config"
	"recipejanitor/internal/core"
	janitormcp "recipejanitor/internal/mcp"
	"recipejanitor/internal/logging"
	"recipejanitor/internal/notify"
	"recipejanitor/internal/store"
	"recipejanitor/internal/tasks"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	registry := tasks.NewRegistry(cfg.ToolPath)
	secrets := config.RuntimeSecrets(cfg.SecretsFile)

	queue := core.NewRunQueue(storeInst, registry, secrets, logger)
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			logger.Error("configure bark notifier", "err", err)
			os.Exit(1)
		}
		queue.SetNotifier(bark)
	}

	scheduler := core.NewScheduler(storeInst, queue, registry, logger)
	gate := core.NewPolicyGate(storeInst, registry)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	queue.Start()
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("start scheduler", "err", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, queue, scheduler, gate, registry, logger)
	case "mcp":
		runMCPMode(storeInst, queue, scheduler, gate, registry, logger, cancel)
	case "both":
		runBothMode(cfg, storeInst, queue, scheduler, gate, registry, logger)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}

	scheduler.Shutdown()
	queue.Stop()
	logger.Info("shutdown complete")
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, st *store.Store, queue *core.RunQueue, scheduler *core.Scheduler, gate *core.PolicyGate, registry *tasks.Registry, logger *slog.Logger) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, queue, scheduler, gate, registry, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode starts only the MCP server on stdio.
func runMCPMode(st *store.Store, queue *core.RunQueue, scheduler *core.Scheduler, gate *core.PolicyGate, registry *tasks.Registry, logger *slog.Logger, cancel context.CancelFunc) {
	mcpServer := janitormcp.NewMCPServer(st, queue, scheduler, gate, registry, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode starts the HTTP server with the MCP server in the background.
func runBothMode(cfg *config.Config, st *store.Store, queue *core.RunQueue, scheduler *core.Scheduler, gate *core.PolicyGate, registry *tasks.Registry, logger *slog.Logger) {
	mcpServer := janitormcp.NewMCPServer(st, queue, scheduler, gate, registry, logger)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, queue, scheduler, gate, registry, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}
