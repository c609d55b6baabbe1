package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrick9326/jtapi-develop-sub000/internal/logger"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/app"
	"github.com/patrick9326/jtapi-develop-sub000/internal/orchestrator/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	// Create server
	orch, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Close()

	run(orch, cfg)
}

func run(orch *app.Orchestrator, cfg *config.Config) {
	slog.Info("Starting Call Orchestrator",
		"http", cfg.HTTPAddr,
		"trunk_prefixes", cfg.TrunkPrefixes,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server
	go func() {
		if err := orch.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}
