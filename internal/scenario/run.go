package scenario

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/ident"
	"github.com/zoey-rw/SOaP/internal/model"
	"github.com/zoey-rw/SOaP/internal/pipeline"
	"github.com/zoey-rw/SOaP/internal/store"
	"github.com/zoey-rw/SOaP/internal/summary"
)

// Outcome is what a scenario run produced for one site.
type Outcome struct {
	Site string

	// Result is nil when the site failed.
	Result *pipeline.Result
	Err    error

	// StoredRuns counts the runs of this site found in the store.
	StoredRuns int
}

// Result is the outcome of a scenario.
type Result struct {
	Name     string
	Pass     bool
	Outcomes []Outcome
	Errors   []string
}

// NewResult returns a passing result with no outcomes.
func NewResult(name string) *Result {
	return &Result{Name: name, Pass: true, Errors: []string{}}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Outcome returns the outcome of a site, or nil if it was not run.
func (r *Result) Outcome(site string) *Outcome {
	site = dataset.NormalizeSite(site)
	for i := range r.Outcomes {
		if r.Outcomes[i].Site == site {
			return &r.Outcomes[i]
		}
	}
	return nil
}

// Options control how scenarios run.
type Options struct {
	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Run executes a scenario against a fresh in-memory store and evaluates its
// assertions. The returned error is for setup problems only; site failures
// and failed assertions are reported in the Result.
func Run(ctx context.Context, s *Scenario, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg, err := s.config()
	if err != nil {
		return nil, err
	}
	spec, err := model.Load(s.Model)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	table, err := s.Table()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ids := make([]string, len(s.Run))
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", s.Name, i+1)
	}

	p := pipeline.New(cfg)
	p.Store = st
	p.IDs = ident.NewFixedGenerator(ids...)
	p.Logger = log.With("scenario", s.Name)

	result := NewResult(s.Name)
	for _, site := range s.Run {
		res, err := p.RunSite(ctx, table, spec, site)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o := Outcome{Site: dataset.NormalizeSite(site), Result: res, Err: err}
		if res != nil {
			runs, err := st.ListRuns(ctx, o.Site)
			if err != nil {
				return nil, err
			}
			o.StoredRuns = len(runs)
		}
		result.Outcomes = append(result.Outcomes, o)
	}

	for _, msg := range Evaluate(result, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// MeanWidth returns the mean envelope width of a finished site.
func (o *Outcome) MeanWidth() float64 {
	if o.Result == nil {
		return 0
	}
	return summary.MeanWidth(o.Result.Envelope)
}
