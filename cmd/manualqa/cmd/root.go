// Package cmd provides the CLI commands for ManualQA.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wrenchbase/manualqa/internal/config"
	"github.com/wrenchbase/manualqa/internal/logging"
	"github.com/wrenchbase/manualqa/pkg/version"
)

var (
	debugMode      bool
	configPath     string
	loggingCleanup func()
)

// NewRootCmd creates the root command for the manualqa CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manualqa",
		Short: "Question answering over vehicle service manuals",
		Long: `ManualQA retrieves grounding context from indexed vehicle service
manuals using hybrid search: semantic (embeddings) and keyword (BM25)
retrieval fused with Reciprocal Rank Fusion, then reranked by a
cross-encoder.

Index manual chunks with 'manualqa index', then query with
'manualqa ask' or expose the pipeline to AI clients with
'manualqa serve'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("manualqa version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Explicit config file path")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

func startLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if debugMode {
		logCfg.Level = "debug"
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
