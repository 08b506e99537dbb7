package cli

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zoey-rw/SOaP/internal/summary"
)

// FitOptions holds flags for the fit command.
type FitOptions struct {
	RunOptions
	Envelope bool
}

// NewFitCommand creates the fit command.
func NewFitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FitOptions{RunOptions: RunOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "fit <site>",
		Short: "Fit one site and store its draws",
		Long: `Fit a single site and persist its production draws and convergence
diagnostics to the database, for a closer look with "soap summary".

Re-running with unchanged data, model, sampler settings and label finds the
stored run instead of writing a second copy.

Examples:
  soap fit HARV --db draws.db
  soap fit HARV --db draws.db --label wet-year
  soap fit STER --db draws.db --envelope --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database for posterior draws (required)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "name stored with the run")
	cmd.Flags().StringVar(&opts.Dataset, "data", "", "site-month table (default from config)")
	cmd.Flags().StringVar(&opts.Model, "model", "", "CUE model file (default built in)")
	cmd.Flags().StringVar(&opts.PlotDir, "plots", "", "directory for the site plot (default from config)")
	cmd.Flags().BoolVar(&opts.NoPlots, "no-plots", false, "skip plotting")
	cmd.Flags().BoolVar(&opts.Envelope, "envelope", false, "print the posterior envelope")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// FitView is the JSON payload of the fit command.
type FitView struct {
	SiteView
	Envelope []EnvelopeRow `json:"envelope,omitempty"`
}

// EnvelopeRow is one month of the envelope. Observed is omitted when the
// ratio was not measured.
type EnvelopeRow struct {
	Month    string   `json:"month"`
	Low      float64  `json:"q025"`
	Median   float64  `json:"q50"`
	High     float64  `json:"q975"`
	Observed *float64 `json:"observed,omitempty"`
}

func envelopeRows(points []summary.Point) []EnvelopeRow {
	rows := make([]EnvelopeRow, len(points))
	for i, p := range points {
		rows[i] = EnvelopeRow{Month: p.Time.Format("2006-01"), Low: p.Low, Median: p.Median, High: p.High}
		if !math.IsNaN(p.Observed) {
			obs := p.Observed
			rows[i].Observed = &obs
		}
	}
	return rows
}

func runFit(opts *FitOptions, site string, cmd *cobra.Command) error {
	logger := opts.setupLogging()
	f := opts.formatter(cmd)

	ctx, cancel := signalContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)

	// The batch-wide stacked plot has no meaning for one site.
	opts.NoStack = true
	p, table, spec, closer, err := opts.setup(cmd, f, logger)
	if err != nil {
		return err
	}
	defer closeLogged(closer, logger)

	res, err := p.RunSite(ctx, table, spec, site)
	if err != nil {
		return f.Fail(ExitFailure, fmt.Sprintf("site %s failed", strings.TrimSpace(site)), err)
	}

	view := FitView{SiteView: newSiteView(res, nil)}
	if opts.Envelope {
		view.Envelope = envelopeRows(res.Envelope)
	}
	if f.JSON() {
		return f.Success(view)
	}

	w := cmd.OutOrStdout()
	writeSiteLine(w, view.SiteView)
	if len(view.Envelope) > 0 {
		fmt.Fprintf(w, "\n%-8s %10s %10s %10s %10s\n", "month", "q2.5", "q50", "q97.5", "observed")
		for _, r := range view.Envelope {
			obs := "-"
			if r.Observed != nil {
				obs = fmt.Sprintf("%.4f", *r.Observed)
			}
			fmt.Fprintf(w, "%-8s %10.4f %10.4f %10.4f %10s\n", r.Month, r.Low, r.Median, r.High, obs)
		}
	}
	return nil
}
