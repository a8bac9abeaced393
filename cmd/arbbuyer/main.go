// Command arbbuyer is the backend entry point for the cross-marketplace
// purchase pipeline. It loads configuration, validates it, wires
// dependencies, sets up signal handling, and starts the application in the
// configured mode. Subcommands cover one-off maintenance tasks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/arbbuyer/internal/app"
	"github.com/alanyoungcy/arbbuyer/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "arbbuyer",
		Short:         "Evaluate and buy cross-marketplace arbitrage candidates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file (empty for env only)")

	load := func() (*config.Config, *slog.Logger, error) {
		return loadConfig(configPath)
	}

	root.AddCommand(
		runCommand(load),
		evaluateCommand(load),
		reapCommand(load),
		sessionCommand(load),
		tokenCommand(load),
		configCommand(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run:   func(cmd *cobra.Command, _ []string) { fmt.Fprintln(cmd.OutOrStdout(), version) },
		},
	)
	return root
}

type loader func() (*config.Config, *slog.Logger, error)

// loadConfig loads and validates configuration and installs the structured
// JSON logger at the configured level.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the configured mode (server, worker, scheduler or full)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			logger.Info("arbbuyer starting",
				slog.String("mode", cfg.Mode),
				slog.String("version", version),
			)

			application := app.New(cfg, version, logger)
			defer application.Close()

			// Setup signal handling for graceful shutdown.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("application exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("arbbuyer stopped")
			return nil
		},
	}
}
