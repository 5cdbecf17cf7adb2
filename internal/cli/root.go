// Package cli provides the command-line interface for quizdoc.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/quizdocflow/internal/config"
	"github.com/Lllllllleong/quizdocflow/internal/services"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configFile string
	logLevel   string
	verbose    bool

	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error

	// Lazy-initialized document service
	app *services.App
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "quizdoc",
	Short: "Turn PDF study material into quiz-ready text",
	Long: `quizdoc runs the document pipeline locally or against the cloud backends:
upload a PDF, extract and clean its text, score its readability, and
generate quiz questions once it passes the quality gate.

Backends and limits come from environment variables, a .env file or the
YAML file given with --config.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		release()
		if configFile != "" {
			if err := os.Setenv("QUIZDOC_CONFIG", configFile); err != nil {
				return fmt.Errorf("set config path: %w", err)
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if verbose {
			cfg.LogLevel = "DEBUG"
		}
		logger, logCleanup = config.SetupLogger(cfg.LogFile, cfg.Level())
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		release()
	},
}

// release closes the service and the log file. Cobra skips post-run hooks
// when a command fails, so the next pre-run calls it too.
func release() {
	if app != nil {
		app.Wait()
		if err := app.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close clients: %v\n", err)
		}
		app = nil
	}
	if logCleanup != nil {
		_ = logCleanup()
		logCleanup = nil
	}
}

// getApp builds the document service on first use.
func getApp(ctx context.Context) (*services.App, error) {
	if app != nil {
		return app, nil
	}
	var err error
	app, err = services.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init document service: %w", err)
	}
	return app, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// executeWith runs the root command with args, writing to out.
func executeWith(ctx context.Context, out io.Writer, args ...string) error {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(serveCmd)
}
