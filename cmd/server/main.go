// droidpilot - vision-language agent for Android devices.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/droidpilot/internal/config"
	"github.com/ashureev/droidpilot/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The root command serves the API.
func newRootCmd() *cobra.Command {
	var cfg *config.Config
	var logCloser func() error

	root := &cobra.Command{
		Use:           "droidpilot",
		Short:         "Drive an Android device with a vision-language model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Info("No .env file found, using environment variables")
			}

			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			cfg = loaded

			logger, closer := logging.New(logging.Config{
				Level:      cfg.Log.Level,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			})
			slog.SetDefault(logger)
			logCloser = closer.Close
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if logCloser != nil {
				return logCloser()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the control API, event streams and observer page",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfg)
			},
		},
		newRunCmd(func() *config.Config { return cfg }),
		newGroundCmd(func() *config.Config { return cfg }),
	)
	return root
}
