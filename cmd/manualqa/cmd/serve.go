package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wrenchbase/manualqa/internal/mcp"
	"github.com/wrenchbase/manualqa/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the Model Context Protocol server, exposing the retrieval
pipeline to AI clients over stdio. Stdout carries JSON-RPC exclusively;
diagnostics go to the log file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), transport)
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", "stdio", "Transport: stdio")

	return cmd
}

func runServe(ctx context.Context, transport string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := mcp.NewServer(a.hybrid, a.chunks, a.embedder)
	if err != nil {
		return err
	}
	srv.SetMetrics(telemetry.NewRecorder())

	serveCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Serve(serveCtx, transport)
}
