package cli

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/store"
	"github.com/zoey-rw/SOaP/internal/summary"
)

// SummaryOptions holds flags for the summary command.
type SummaryOptions struct {
	*RootOptions
	Database string
	Site     string
	List     bool
	Vectors  bool
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SummaryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "summary [run-id]",
		Short: "Summarize a stored run",
		Long: `Print posterior summaries and convergence diagnostics of a stored run.

Without a run id the latest run is used, optionally restricted to one site
with --site. Use --list to show every stored run instead.

Examples:
  soap summary --db draws.db
  soap summary --db draws.db --site HARV --format json
  soap summary --db draws.db --list`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return runSummary(opts, id, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database of stored runs (required)")
	cmd.Flags().StringVar(&opts.Site, "site", "", "latest run of this site")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list stored runs")
	cmd.Flags().BoolVar(&opts.Vectors, "vectors", false, "include per-month parameters")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// SummaryView is the JSON payload of the summary command.
type SummaryView struct {
	Run         store.Run      `json:"run"`
	Stats       []summary.Stat `json:"stats"`
	Diagnostics []PSRFView     `json:"diagnostics"`
}

// PSRFView is one stored diagnostic. PSRF is null when it could not be
// computed.
type PSRFView struct {
	Param string   `json:"param"`
	PSRF  *float64 `json:"psrf"`
}

func runSummary(opts *SummaryOptions, id string, cmd *cobra.Command) error {
	logger := opts.setupLogging()
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	st, err := store.Open(opts.Database)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to open database", err)
	}
	defer closeLogged(st, logger)

	if opts.List {
		runs, err := st.ListRuns(ctx, dataset.NormalizeSite(opts.Site))
		if err != nil {
			return f.Fail(ExitCommandError, "failed to list runs", err)
		}
		if f.JSON() {
			return f.Success(runs)
		}
		w := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs stored")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(w, "%s  %-6s %6d iterations  converged=%t", r.ID, r.Site, r.Iterations, r.Converged)
			if r.Label != "" {
				fmt.Fprintf(w, "  label=%s", r.Label)
			}
			fmt.Fprintln(w)
		}
		return nil
	}

	var run store.Run
	if id != "" {
		run, err = st.ReadRun(ctx, id)
	} else {
		run, err = st.LatestRun(ctx, dataset.NormalizeSite(opts.Site))
	}
	if err != nil {
		return f.Fail(ExitCommandError, "failed to find run", err)
	}

	draws, err := st.ReadDraws(ctx, run.ID)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read draws", err)
	}
	var params []string
	for _, name := range draws.Names() {
		if opts.Vectors || draws.Dim(name) == 1 {
			params = append(params, name)
		}
	}
	stats, err := summary.Describe(draws, params)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to summarize draws", err)
	}
	psrf, err := st.ReadDiagnostics(ctx, run.ID)
	if err != nil {
		return f.Fail(ExitCommandError, "failed to read diagnostics", err)
	}

	view := SummaryView{Run: run, Stats: stats, Diagnostics: make([]PSRFView, len(psrf))}
	for i, v := range psrf {
		view.Diagnostics[i].Param = v.Param
		if !math.IsNaN(v.PSRF) && !math.IsInf(v.PSRF, 0) {
			p := v.PSRF
			view.Diagnostics[i].PSRF = &p
		}
	}
	if f.JSON() {
		return f.Success(view)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run %s\n  site: %s\n  chains: %d, iterations: %d, seed: %d\n  converged: %t\n\n",
		run.ID, run.Site, run.Chains, run.Iterations, run.Seed, run.Converged)
	if run.Label != "" {
		fmt.Fprintf(w, "  label: %s\n\n", run.Label)
	}
	fmt.Fprintf(w, "%-16s %10s %10s %10s %10s %10s\n", "param", "mean", "sd", "q2.5", "q50", "q97.5")
	for _, s := range stats {
		fmt.Fprintf(w, "%-16s %10.4f %10.4f %10.4f %10.4f %10.4f\n", s.Param, s.Mean, s.SD, s.Low, s.Median, s.High)
	}
	if len(view.Diagnostics) > 0 {
		fmt.Fprintf(w, "\n%-16s %10s\n", "param", "psrf")
		for _, d := range view.Diagnostics {
			if d.PSRF == nil {
				fmt.Fprintf(w, "%-16s %10s\n", d.Param, "-")
				continue
			}
			fmt.Fprintf(w, "%-16s %10.4f\n", d.Param, *d.PSRF)
		}
	}
	return nil
}
