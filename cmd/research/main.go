// Command research runs research questions from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"research/backend/internal/app"
	"research/backend/internal/config"
	"research/backend/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logLevel string
	services *app.App
)

var rootCmd = &cobra.Command{
	Use:           "research",
	Short:         "Cited multi-step research over the web or a database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		logger, err := logging.New(cfg.LogLevel, cfg.Environment)
		if err != nil {
			return err
		}
		services, err = app.Build(cmd.Context(), cfg, logger, app.Options{Archive: true})
		return err
	},
	PersistentPostRunE: func(*cobra.Command, []string) error {
		if services == nil {
			return nil
		}
		_ = services.Logger.Sync()
		return services.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(schemaCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if services != nil {
			services.Logger.Debug("command failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
