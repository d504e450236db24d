// Command mcp serves the deep_research tool over MCP stdio.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"research/backend/internal/app"
	"research/backend/internal/config"
	"research/backend/internal/logging"
	"research/backend/internal/mcptool"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// zap writes to stderr; stdout carries the protocol.
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal("build services", zap.Error(err))
	}
	defer func() { _ = services.Close() }()

	s := mcptool.NewServer(services.Orchestrator, logger)
	logger.Info("mcp server ready", zap.String("tool", mcptool.ToolName))
	if err := server.ServeStdio(s); err != nil {
		logger.Error("serve stdio", zap.Error(err))
	}
}
