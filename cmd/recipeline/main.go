// Package main provides the recipeline binary entry point.
// Recipeline is a job pipeline engine that turns recipe documents into
// structured notes, ingredient lines, instructions, and categories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/awehrman/peas-sub008/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "recipeline"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Recipe document pipeline engine",
		Long: `Recipeline ingests recipe documents and processes them through a
queued action pipeline: HTML cleaning and parsing, per-line ingredient
and instruction parsing, pattern tracking, and categorization.

Progress is broadcast per import, and metrics and health are exposed
over HTTP.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(ingestCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}

			app := NewApp(cfg, logger)
			signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer signalCancel()

			if err := app.Start(signalCtx); err != nil {
				return err
			}
			defer app.Shutdown(30 * time.Second)

			if cfg.Ingest.Watch {
				go func() {
					if err := app.Ingest(signalCtx, cfg.Ingest.Dir, true); err != nil && signalCtx.Err() == nil {
						logger.Error("ingest watch stopped", "error", err)
					}
				}()
			}

			<-signalCtx.Done()
			logger.Info("received shutdown signal")
			return nil
		},
	}
}

func ingestCmd(configPath, logLevel *string) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Scan a directory of recipe documents and process them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)
			cfg, err := loadConfig(*configPath, logger)
			if err != nil {
				return err
			}
			dir := cfg.Ingest.Dir
			if len(args) == 1 {
				dir = args[0]
			}

			app := NewApp(cfg, logger)
			signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer signalCancel()

			if err := app.Start(signalCtx); err != nil {
				return err
			}
			defer app.Shutdown(30 * time.Second)

			return app.Ingest(signalCtx, dir, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep watching the directory for new files")
	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}
