package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"research/backend/internal/app"
	"research/backend/internal/config"
	"research/backend/internal/httpapi"
	"research/backend/internal/logging"
	"research/backend/internal/tracing"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(ctx, tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "research-api",
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("initialize tracing", zap.Error(err))
	}

	services, err := app.Build(ctx, cfg, logger, app.Options{RunStore: true, Archive: true})
	if err != nil {
		logger.Fatal("build services", zap.Error(err))
	}
	defer func() { _ = services.Close() }()

	srv := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      httpapi.NewRouter(cfg, services.HTTPDependencies()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RunTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddress()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", zap.Error(err))
	}
}
