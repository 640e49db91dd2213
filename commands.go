package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yl2chen/sonicsense/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath   string
	settingsPath string
	restart      bool
	restartDelay time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sonicsense",
	Short: "Event-triggered audio/video clip recorder",
	Long: `sonicsense - records a clip around every loud acoustic event.

A camera and a microphone array are sampled continuously. When the acoustic
energy map crosses the event threshold, the frames and audio from before the
event and a fixed post-roll after it are muxed into an MP4 and delivered to
the backend (HTTP or S3).

Examples:
  # Run with a config file, secrets from .env
  sonicsense run --config sonicsense.yaml

  # Raise the event threshold while running
  sonicsense settings set event_sound_threshold 3.5`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")

	runCmd.Flags().BoolVar(&restart, "restart", true, "restart the pipeline after a failure")
	runCmd.Flags().DurationVar(&restartDelay, "restart-delay", 5*time.Second, "delay before a restart")

	settingsCmd.PersistentFlags().StringVar(&settingsPath, "settings", config.Default().SettingsPath, "settings file")
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)

	rootCmd.AddCommand(runCmd, devicesCmd, settingsCmd, versionCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture, record and deliver event clips",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return superviseRun(ctx, logger, func(ctx context.Context) error {
			return runPipeline(ctx, cfg, logger)
		})
	},
}

// superviseRun calls run until ctx is done, restarting it after a failure
// when --restart is set.
func superviseRun(ctx context.Context, logger *slog.Logger, run func(context.Context) error) error {
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			logger.Info("shutting down")
			return nil
		}
		if !restart {
			return err
		}
		logger.Error("pipeline stopped, restarting", "error", err, "delay", restartDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
	}
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio host APIs and devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printDevices(cmd.OutOrStdout())
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or change the detection settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := config.ReadSettings(settingsPath)
		if err != nil {
			return err
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(st)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Long: `Change one setting. Keys: sound_threshold, frequency, bandwidth,
event_sound_threshold. A running pipeline picks the change up on its next
cycle when it shares the settings file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := config.OpenSettings(settingsPath, slog.Default())
		if err := store.Set(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sonicsense %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
