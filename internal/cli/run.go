package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/spf13/cobra"

	"github.com/zoey-rw/SOaP/internal/config"
	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/diagnostics"
	"github.com/zoey-rw/SOaP/internal/ident"
	"github.com/zoey-rw/SOaP/internal/model"
	"github.com/zoey-rw/SOaP/internal/pipeline"
	"github.com/zoey-rw/SOaP/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Sites    []string
	Dataset  string
	Model    string
	PlotDir  string
	Stack    string
	Database string
	Label    string
	NoPlots  bool
	NoStack  bool

	// IDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs ident.Generator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fit every configured site",
		Long: `Fit the state-space model to each configured site in turn, check
convergence, run the production chains and plot the posterior envelopes.

A site that fails is reported and the batch moves on to the next one.
If the site-month table does not exist it is first aggregated from the raw
sample and climate files.

Exit codes:
  0 - Every site finished
  1 - One or more sites failed
  2 - Command error (config, model or dataset)

Examples:
  soap run
  soap run --config soap.yaml --db draws.db
  soap run --sites HARV,OSBS --no-plots --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Sites, "sites", nil, "sites to fit (default from config)")
	cmd.Flags().StringVar(&opts.Dataset, "data", "", "site-month table (default from config)")
	cmd.Flags().StringVar(&opts.Model, "model", "", "CUE model file (default built in)")
	cmd.Flags().StringVar(&opts.PlotDir, "plots", "", "directory for per-site plots (default from config)")
	cmd.Flags().StringVar(&opts.Stack, "stack", "", "file for the stacked all-sites plot (default from config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database for posterior draws")
	cmd.Flags().StringVar(&opts.Label, "label", "", "name stored with each run")
	cmd.Flags().BoolVar(&opts.NoPlots, "no-plots", false, "skip plotting")

	return cmd
}

// apply overlays command-line flags on the configuration.
func (o *RunOptions) apply(cfg *config.Config) {
	if len(o.Sites) > 0 {
		cfg.Sites = o.Sites
	}
	for _, ov := range []struct {
		flag string
		dst  *string
	}{
		{o.Dataset, &cfg.Paths.Dataset},
		{o.Model, &cfg.Paths.Model},
		{o.PlotDir, &cfg.Paths.Plots},
		{o.Stack, &cfg.Paths.Stack},
		{o.Database, &cfg.Paths.DB},
	} {
		if ov.flag != "" {
			*ov.dst = ov.flag
		}
	}
	if o.NoPlots {
		cfg.Paths.Plots = ""
	}
	if o.NoPlots || o.NoStack {
		cfg.Paths.Stack = ""
	}
}

// setup loads everything a fit needs. Errors are already reported through
// the formatter.
func (o *RunOptions) setup(cmd *cobra.Command, f *OutputFormatter, logger *slog.Logger) (*pipeline.Pipeline, *dataset.Table, *model.Spec, io.Closer, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, nil, f.Fail(ExitCommandError, "failed to load config", err)
	}
	o.apply(cfg)

	spec, err := model.Load(cfg.Paths.Model)
	if err != nil {
		return nil, nil, nil, nil, f.Fail(ExitCommandError, "failed to load model", err)
	}

	table, err := pipeline.LoadTable(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, nil, nil, f.Fail(ExitCommandError, "failed to load dataset", err)
	}
	logger.Info("dataset loaded", "rows", table.Len(), "sites", len(table.Sites()))

	p := pipeline.New(cfg)
	p.Logger = logger
	p.PlotDir = cfg.Paths.Plots
	p.StackPath = cfg.Paths.Stack
	p.IDs = o.IDs
	p.Label = o.Label

	var closer io.Closer = nopCloser{}
	if cfg.Paths.DB != "" {
		st, err := store.Open(cfg.Paths.DB)
		if err != nil {
			return nil, nil, nil, nil, f.Fail(ExitCommandError, "failed to open database", err)
		}
		p.Store = st
		closer = st
	}
	return p, table, spec, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func runBatch(opts *RunOptions, cmd *cobra.Command) error {
	logger := opts.setupLogging()
	f := opts.formatter(cmd)

	ctx, cancel := signalContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)

	p, table, spec, closer, err := opts.setup(cmd, f, logger)
	if err != nil {
		return err
	}
	defer closeLogged(closer, logger)

	report, err := p.RunBatch(ctx, table, spec, p.Config.Sites)
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return f.Fail(ExitFailure, "interrupted", err)
		}
		return f.Fail(ExitFailure, "batch failed", err)
	}

	views := make([]SiteView, len(report.Sites))
	for i, s := range report.Sites {
		views[i] = newSiteView(s.Result, s.Err)
	}

	failed := len(report.Failed())
	if f.JSON() {
		data := BatchView{Sites: views, Stack: report.StackPath, Failed: failed}
		if failed > 0 {
			_ = f.encode(CLIResponse{
				Status: "error",
				Data:   data,
				Error:  &CLIError{Code: ErrCodeSiteFailed, Message: fmt.Sprintf("%d of %d site(s) failed", failed, len(views))},
			})
			return NewExitError(ExitFailure, fmt.Sprintf("%d site(s) failed", failed))
		}
		return f.Success(data)
	}

	w := cmd.OutOrStdout()
	for _, v := range views {
		writeSiteLine(w, v)
	}
	if report.StackPath != "" {
		fmt.Fprintf(w, "\nWrote stacked plot to %s\n", report.StackPath)
	}
	fmt.Fprintf(w, "\nBatch Summary: %d finished, %d failed, %d total\n", len(views)-failed, failed, len(views))
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d site(s) failed", failed))
	}
	return nil
}

func closeLogged(c io.Closer, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

// BatchView is the JSON payload of the run command.
type BatchView struct {
	Sites  []SiteView `json:"sites"`
	Stack  string     `json:"stack_plot,omitempty"`
	Failed int        `json:"failed"`
}

// SiteView is the printable outcome of one site.
type SiteView struct {
	Site                 string  `json:"site"`
	Status               string  `json:"status"`
	Timesteps            int     `json:"timesteps,omitempty"`
	Observed             int     `json:"observed,omitempty"`
	DiagnosticIterations int     `json:"diagnostic_iterations,omitempty"`
	ProductionIterations int     `json:"production_iterations,omitempty"`
	MaxPSRF              float64 `json:"max_psrf,omitempty"`
	WorstParam           string  `json:"worst_param,omitempty"`
	RunID                string  `json:"run_id,omitempty"`
	Plot                 string  `json:"plot,omitempty"`
	Code                 string  `json:"code,omitempty"`
	Error                string  `json:"error,omitempty"`
}

func newSiteView(res *pipeline.Result, err error) SiteView {
	if res == nil {
		v := SiteView{Status: pipeline.StatusFailed, Code: ErrorCode(err), Error: err.Error()}
		var nc *pipeline.NotConvergedError
		var se *pipeline.SiteError
		switch {
		case errors.As(err, &nc):
			v.Site, v.Status = nc.Site, pipeline.StatusNotConverged
			v.DiagnosticIterations = nc.Iterations
			v.setWorst(nc.Report.Max())
		case errors.As(err, &se):
			v.Site = se.Site
		}
		return v
	}

	v := SiteView{
		Site:                 res.Site,
		Status:               pipeline.StatusOK,
		Timesteps:            res.Matrix.Len(),
		Observed:             res.Observed,
		DiagnosticIterations: res.DiagnosticIterations,
		ProductionIterations: res.ProductionIterations,
		RunID:                res.RunID,
		Plot:                 res.PlotPath,
	}
	if !res.Converged {
		v.Status = pipeline.StatusNotConverged
	}
	if res.Diagnostic != nil {
		v.setWorst(res.Diagnostic.Max())
	}
	return v
}

// setWorst records the largest PSRF. Chains stuck at different constants
// give +Inf, which JSON cannot carry, so it is capped.
func (v *SiteView) setWorst(worst diagnostics.Value) {
	v.WorstParam = worst.Param
	v.MaxPSRF = worst.PSRF
	if math.IsInf(v.MaxPSRF, 1) || math.IsNaN(v.MaxPSRF) {
		v.MaxPSRF = math.MaxFloat64
	}
}

func writeSiteLine(w io.Writer, v SiteView) {
	switch {
	case v.Status == pipeline.StatusOK:
		fmt.Fprintf(w, "✓ %s: %d/%d months observed, %d iterations, max PSRF %.3f (%s)\n",
			v.Site, v.Observed, v.Timesteps, v.ProductionIterations, v.MaxPSRF, v.WorstParam)
	case v.Error == "":
		fmt.Fprintf(w, "! %s: not converged (max PSRF %.3f, %s), %d iterations\n",
			v.Site, v.MaxPSRF, v.WorstParam, v.ProductionIterations)
	default:
		fmt.Fprintf(w, "✗ %s [%s]: %s\n", v.Site, v.Code, v.Error)
		return
	}
	if v.Plot != "" {
		fmt.Fprintf(w, "  plot: %s\n", v.Plot)
	}
	if v.RunID != "" {
		fmt.Fprintf(w, "  run: %s\n", v.RunID)
	}
}
