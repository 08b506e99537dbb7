package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoey-rw/SOaP/internal/dataset"
)

// AggregateOptions holds flags for the aggregate command.
type AggregateOptions struct {
	*RootOptions
	Samples string
	Climate string
	Out     string
}

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AggregateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Build the site-month table from raw files",
		Long: `Aggregate per-sample measurements and daily climate records into the
site-month table that "soap run" reads. Months between a site's first and
last sample appear even when nothing was measured.

Paths default to the configuration; flags override them.

Examples:
  soap aggregate
  soap aggregate --samples raw/samples.csv --climate raw/climate.csv --out data/site_months.csv`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Samples, "samples", "", "per-sample CSV (default from config)")
	cmd.Flags().StringVar(&opts.Climate, "climate", "", "daily climate CSV (default from config)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output table (default from config)")

	return cmd
}

// AggregateView is the JSON payload of the aggregate command.
type AggregateView struct {
	Path  string   `json:"path"`
	Rows  int      `json:"rows"`
	Sites []string `json:"sites"`
}

func runAggregate(opts *AggregateOptions, cmd *cobra.Command) error {
	opts.setupLogging()
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Fail(ExitCommandError, "failed to load config", err)
	}
	agg := &dataset.Aggregator{SamplesPath: cfg.Paths.Samples, ClimatePath: cfg.Paths.Climate}
	if opts.Samples != "" {
		agg.SamplesPath = opts.Samples
	}
	if opts.Climate != "" {
		agg.ClimatePath = opts.Climate
	}
	out := cfg.Paths.Dataset
	if opts.Out != "" {
		out = opts.Out
	}

	table, err := agg.Aggregate(cmd.Context())
	if err != nil {
		return f.Fail(ExitCommandError, "aggregation failed", err)
	}
	if err := dataset.WriteFile(out, table); err != nil {
		_ = f.Error(ErrCodeWriteFailed, fmt.Sprintf("failed to write table: %v", err), nil)
		return WrapExitError(ExitCommandError, "failed to write table", err)
	}

	view := AggregateView{Path: out, Rows: table.Len(), Sites: table.Sites()}
	if f.JSON() {
		return f.Success(view)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d site-months for %d site(s) to %s\n", view.Rows, len(view.Sites), out)
	return nil
}
