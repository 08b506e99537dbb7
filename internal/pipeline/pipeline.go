// Package pipeline fits the state-space model site by site.
//
// For one site, RunSite goes dataset → design matrix → data bundle →
// compiled session → short diagnostic run → convergence check (extending the
// run while it fails) → long production run → posterior envelope, then
// optionally stores the draws and renders the plot. RunBatch repeats this
// for every site, one after another; a failing site is reported and the
// batch moves on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/zoey-rw/SOaP/internal/config"
	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/design"
	"github.com/zoey-rw/SOaP/internal/diagnostics"
	"github.com/zoey-rw/SOaP/internal/ident"
	"github.com/zoey-rw/SOaP/internal/model"
	"github.com/zoey-rw/SOaP/internal/plot"
	"github.com/zoey-rw/SOaP/internal/sampler"
	"github.com/zoey-rw/SOaP/internal/store"
	"github.com/zoey-rw/SOaP/internal/summary"
)

// Pipeline holds what every site shares. Sampler, Store, IDs and Logger are
// optional.
type Pipeline struct {
	Config *config.Config

	// Sampler defaults to a Gibbs sampler configured from Config.Sampler.
	Sampler sampler.Sampler

	// Store, if set, receives the production draws of every site. Label
	// names the stored runs; runs that differ only in label are kept apart.
	Store *store.Store
	IDs   ident.Generator
	Label string

	// PlotDir, if set, receives <site>.png per site. StackPath, if set,
	// receives every finished site of a batch in one figure.
	PlotDir   string
	StackPath string

	Logger *slog.Logger
}

// Result is everything produced for one site.
type Result struct {
	Site     string
	Matrix   *design.Matrix
	Observed int

	DiagnosticIterations int
	Diagnostic           *diagnostics.Report
	Converged            bool

	ProductionIterations int
	Production           *sampler.Draws
	ProductionReport     *diagnostics.Report
	Envelope             []summary.Point

	RunID    string
	RunKey   string
	PlotPath string
}

// New returns a pipeline for cfg.
func New(cfg *config.Config) *Pipeline {
	return &Pipeline{Config: cfg}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) newSampler() sampler.Sampler {
	if p.Sampler != nil {
		return p.Sampler
	}
	s := p.Config.Sampler
	return sampler.NewGibbs(sampler.Options{
		Seed:   s.Seed,
		Burnin: s.Burnin,
		Thin:   s.Thin,
		Logger: p.logger(),
	})
}

func (p *Pipeline) ids() ident.Generator {
	if p.IDs != nil {
		return p.IDs
	}
	return ident.UUIDv7Generator{}
}

// RunSite fits one site. The table and spec are read only.
//
// Non-convergence after extension is a *NotConvergedError. Under the strict
// policy it is returned with a nil Result. Under the advisory policy it is
// logged, the site is finished anyway and the returned Result has
// Converged false. Every other failure is a *SiteError.
func (p *Pipeline) RunSite(ctx context.Context, table *dataset.Table, spec *model.Spec, siteID string) (*Result, error) {
	cfg := p.Config
	log := p.logger().With("site", siteID)

	ds, err := table.Site(siteID)
	if err != nil {
		return nil, &SiteError{Site: siteID, Stage: StageDataset, Err: err}
	}
	m, err := design.Build(ds)
	if err != nil {
		return nil, &SiteError{Site: siteID, Stage: StageDesign, Err: err}
	}
	res := &Result{Site: ds.ID, Matrix: m, Observed: m.Observed()}
	log.Info("fitting site", "timesteps", m.Len(), "observed", res.Observed)

	hyper := cfg.Hyper
	session, err := p.newSampler().Compile(ctx, spec, sampler.NewBundle(m, &hyper), cfg.Sampler.Chains)
	if err != nil {
		return nil, &SiteError{Site: ds.ID, Stage: StageCompile, Err: err}
	}

	if err := p.diagnose(ctx, session, spec, res, log); err != nil {
		var nc *NotConvergedError
		if !errors.As(err, &nc) {
			return nil, &SiteError{Site: ds.ID, Stage: StageDiagnostic, Err: err}
		}
		if cfg.Convergence.Policy == config.PolicyStrict {
			return nil, nc
		}
		log.Warn("continuing without convergence", "policy", cfg.Convergence.Policy, "err", nc)
	}

	res.ProductionIterations = cfg.ProductionIterations(ds.ID, res.Observed)
	log.Info("production run", "iterations", res.ProductionIterations)
	res.Production, err = session.Sample(ctx, spec.ProductionParams(), res.ProductionIterations)
	if err != nil {
		return nil, &SiteError{Site: ds.ID, Stage: StageProduction, Err: err}
	}
	res.ProductionReport, err = diagnostics.Check(res.Production, spec.DiagnosticParams(), cfg.Convergence.Threshold)
	if err != nil {
		return nil, &SiteError{Site: ds.ID, Stage: StageProduction, Err: err}
	}

	observed := make([]float64, m.Len())
	for t, y := range m.Y {
		observed[t] = design.Exp(y)
	}
	res.Envelope, err = summary.Envelope(res.Production, spec.State, m.Time, observed)
	if err != nil {
		return nil, &SiteError{Site: ds.ID, Stage: StageSummary, Err: err}
	}

	if p.Store != nil {
		if err := p.save(ctx, spec, res); err != nil {
			return nil, &SiteError{Site: ds.ID, Stage: StageStore, Err: err}
		}
	}

	if p.PlotDir != "" {
		path := filepath.Join(p.PlotDir, ds.ID+".png")
		if err := plot.SaveSite(path, plot.Panel{Site: ds.ID, Points: res.Envelope}, plot.DefaultWidth, plot.DefaultHeight); err != nil {
			return nil, &SiteError{Site: ds.ID, Stage: StagePlot, Err: err}
		}
		res.PlotPath = path
		log.Info("plot written", "path", path)
	}
	return res, nil
}

// diagnose runs the diagnostic sampling call and, while the chains disagree,
// repeats it with twice the iterations up to the configured maximum.
func (p *Pipeline) diagnose(ctx context.Context, session sampler.Session, spec *model.Spec, res *Result, log *slog.Logger) error {
	cfg := p.Config
	params := spec.DiagnosticParams()
	iterations := cfg.Iterations.Diagnostic

	for {
		draws, err := session.Sample(ctx, params, iterations)
		if err != nil {
			return err
		}
		report, err := diagnostics.Check(draws, params, cfg.Convergence.Threshold)
		if err != nil {
			return err
		}
		report.Correlations, err = diagnostics.Correlations(draws, spec.Coefficients())
		if err != nil {
			return err
		}
		res.Diagnostic = report
		res.DiagnosticIterations = iterations
		res.Converged = report.Converged

		worst := report.Max()
		log.Info("convergence check", "iterations", iterations, "converged", report.Converged, "max_psrf", worst.PSRF, "param", worst.Param)
		if report.Converged {
			return nil
		}
		if !cfg.Convergence.Extend || iterations >= cfg.Iterations.Max {
			return &NotConvergedError{Site: res.Site, Iterations: iterations, Report: report}
		}
		iterations = min(2*iterations, cfg.Iterations.Max)
	}
}

func (p *Pipeline) save(ctx context.Context, spec *model.Spec, res *Result) error {
	cfg := p.Config
	m := res.Matrix
	rendered := spec.WithHyper(cfg.Hyper).String()

	// Dense matrices from design.Build are contiguous.
	raw := m.Z.RawMatrix()
	key, err := ident.RunKey(ident.RunInput{
		SpecHash:   ident.SpecHash(rendered),
		Site:       res.Site,
		Label:      p.Label,
		Y:          m.Y,
		Z:          raw.Data[:raw.Rows*raw.Cols],
		Width:      raw.Cols,
		Chains:     cfg.Sampler.Chains,
		Iterations: res.ProductionIterations,
		Burnin:     cfg.Sampler.Burnin,
		Thin:       cfg.Sampler.Thin,
		Seed:       cfg.Sampler.Seed,

		DiagnosticBase: cfg.Iterations.Diagnostic,
		DiagnosticUsed: res.DiagnosticIterations,
	})
	if err != nil {
		return err
	}

	run := store.Run{
		ID:       p.ids().Generate(),
		Key:      key,
		Site:     res.Site,
		Label:    p.Label,
		Burnin:   cfg.Sampler.Burnin,
		Thin:     cfg.Sampler.Thin,
		Seed:     cfg.Sampler.Seed,
		SpecHash: ident.SpecHash(rendered),
	}
	id, inserted, err := p.Store.WriteRun(ctx, run, res.Production, res.ProductionReport)
	if err != nil {
		return err
	}
	res.RunID, res.RunKey = id, key
	p.logger().Info("draws stored", "site", res.Site, "run", id, "new", inserted)
	return nil
}

// LoadTable loads the site-month table, aggregating the raw inputs first if
// the table file does not exist.
func LoadTable(ctx context.Context, cfg *config.Config) (*dataset.Table, error) {
	var b dataset.Builder
	if cfg.Paths.Samples != "" && cfg.Paths.Climate != "" {
		b = &dataset.Aggregator{SamplesPath: cfg.Paths.Samples, ClimatePath: cfg.Paths.Climate}
	}
	t, err := dataset.LoadOrBuild(ctx, cfg.Paths.Dataset, b)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	return t, nil
}
