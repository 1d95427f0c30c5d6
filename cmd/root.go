package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/sessionwatch/internal/config"
	"github.com/fakeyudi/sessionwatch/internal/telemetry"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

// logger is built from the configured level in PersistentPreRunE.
var logger = slog.Default()

var (
	logLevelFlag string
	shutdown     telemetry.Shutdown
)

var rootCmd = &cobra.Command{
	Use:           "sessionwatch",
	Short:         "Watch opencode sessions and write an auditable log of what the agent did",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		if logLevelFlag != "" {
			cfg.LogLevel = logLevelFlag
		}

		logger = newLogger(cmd, cfg.LogLevel)
		slog.SetDefault(logger)

		sd, err := telemetry.Init(cmd.Context(), cfg.OTELEndpoint, Version, cfg.OTELInsecure)
		if err != nil {
			// Telemetry is optional; keep watching without it.
			logger.Warn("telemetry disabled", "error", err)
			return nil
		}
		shutdown = sd
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdown == nil {
			return nil
		}
		err := shutdown(context.WithoutCancel(cmd.Context()))
		shutdown = nil
		if err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
}

func newLogger(cmd *cobra.Command, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}
