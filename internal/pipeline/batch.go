package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/model"
	"github.com/zoey-rw/SOaP/internal/plot"
)

// Site outcomes in a BatchReport.
const (
	StatusOK           = "ok"
	StatusNotConverged = "not_converged"
	StatusFailed       = "failed"
)

// SiteReport is the outcome of one site in a batch.
type SiteReport struct {
	Site   string  `json:"site"`
	Status string  `json:"status"`
	Result *Result `json:"-"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// BatchReport lists every site in the order it was run.
type BatchReport struct {
	Sites     []SiteReport `json:"sites"`
	StackPath string       `json:"stack_path,omitempty"`
}

// Failed returns the reports of sites without a result.
func (b *BatchReport) Failed() []SiteReport {
	var out []SiteReport
	for _, s := range b.Sites {
		if s.Result == nil {
			out = append(out, s)
		}
	}
	return out
}

// Results returns the results of every finished site in batch order.
func (b *BatchReport) Results() []*Result {
	var out []*Result
	for _, s := range b.Sites {
		if s.Result != nil {
			out = append(out, s.Result)
		}
	}
	return out
}

// RunBatch runs sites one after another. A site failure is recorded and the
// batch continues; only context cancellation and dataset setup failures stop
// it early.
func (p *Pipeline) RunBatch(ctx context.Context, table *dataset.Table, spec *model.Spec, sites []string) (*BatchReport, error) {
	log := p.logger()
	report := &BatchReport{}

	for i, site := range sites {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log.Info("site", "n", i+1, "of", len(sites), "site", site)

		res, err := p.RunSite(ctx, table, spec, site)
		sr := SiteReport{Site: dataset.NormalizeSite(site), Result: res, Err: err}
		switch {
		case err == nil && res.Converged:
			sr.Status = StatusOK
		case err == nil:
			sr.Status = StatusNotConverged
		default:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			var nc *NotConvergedError
			if errors.As(err, &nc) {
				sr.Status = StatusNotConverged
			} else {
				sr.Status = StatusFailed
			}
			sr.Error = err.Error()
			log.Error("site failed", "site", site, "err", err)
		}
		report.Sites = append(report.Sites, sr)
	}

	if p.StackPath != "" {
		var panels []plot.Panel
		for _, r := range report.Results() {
			panels = append(panels, plot.Panel{Site: r.Site, Points: r.Envelope})
		}
		if len(panels) > 0 {
			if err := plot.Stack(p.StackPath, panels, plot.DefaultWidth, plot.DefaultHeight); err != nil {
				return report, fmt.Errorf("stacked plot: %w", err)
			}
			report.StackPath = p.StackPath
			log.Info("stacked plot written", "path", p.StackPath, "sites", len(panels))
		}
	}
	return report, nil
}
