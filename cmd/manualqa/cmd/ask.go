package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wrenchbase/manualqa/internal/retrieval"
	"github.com/wrenchbase/manualqa/internal/ui"
)

// askOptions holds CLI flags for ask.
type askOptions struct {
	filters []string // key=value metadata filters
	format  string   // "text", "json"
}

func newAskCmd() *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Retrieve manual context for a question",
		Long: `Retrieve the most relevant service-manual chunks for a question.

Dense (embedding) and sparse (BM25) retrieval run in parallel, their
rankings are fused, and a cross-encoder picks the final chunks.
Comparison questions (e.g. "civic vs f-150 oil capacity") return
chunks for each vehicle.

Examples:
  manualqa ask "What is the oil capacity for a 2022 Honda Civic?"
  manualqa ask "brake fluid type" --filter make=Honda --filter year=2022
  manualqa ask "civic vs camry towing capacity" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runAsk(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.filters, "filter", "F", nil, "Metadata equality filter (repeatable, e.g. --filter make=Honda)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runAsk(ctx context.Context, cmd *cobra.Command, query string, opts askOptions) error {
	out := ui.NewRenderer(cmd.OutOrStdout())

	filter, err := parseFilters(opts.filters)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	results, err := a.hybrid.Retrieve(ctx, query, filter)
	if err != nil {
		slog.Error("retrieve failed",
			slog.String("query", query),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		out.Error("unable to retrieve context")
		return err
	}

	slog.Info("retrieve completed",
		slog.String("query", query),
		slog.Duration("duration", time.Since(start)),
		slog.Int("result_count", len(results)))

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	out.Results(query, results)
	return nil
}

// parseFilters converts repeated key=value flags into an attribute
// filter.
func parseFilters(pairs []string) (retrieval.AttributeFilter, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filter := make(retrieval.AttributeFilter, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: expected key=value", pair)
		}
		filter[key] = value
	}
	return filter, nil
}
