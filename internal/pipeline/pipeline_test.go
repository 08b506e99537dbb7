package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoey-rw/SOaP/internal/config"
	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/ident"
	"github.com/zoey-rw/SOaP/internal/model"
	"github.com/zoey-rw/SOaP/internal/sampler"
	"github.com/zoey-rw/SOaP/internal/store"
	"github.com/zoey-rw/SOaP/internal/summary"
)

// fakeSampler returns draws of log(2) with a small shared wiggle. When
// converge is false every chain is shifted by its index, so the chains never
// agree.
type fakeSampler struct {
	converge bool
	calls    []int
}

func (f *fakeSampler) Compile(_ context.Context, _ *model.Spec, data sampler.Bundle, chains int) (sampler.Session, error) {
	return &fakeSession{f: f, n: data.N, chains: chains}, nil
}

type fakeSession struct {
	f      *fakeSampler
	n      int
	chains int
}

func (s *fakeSession) Sample(ctx context.Context, params []string, iterations int) (*sampler.Draws, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.calls = append(s.f.calls, iterations)

	dims := make(map[string]int)
	for _, p := range params {
		dims[p] = 1
		if p == "x" || p == "alpha" {
			dims[p] = s.n
		}
	}
	d := sampler.NewDraws(s.chains, iterations, params, dims)
	for _, p := range params {
		for c := 0; c < s.chains; c++ {
			for it := 0; it < iterations; it++ {
				v := math.Log(2) + 0.01*float64(it%5-2)
				if !s.f.converge {
					v += float64(c)
				}
				for idx := 0; idx < dims[p]; idx++ {
					d.Set(p, c, it, idx, v)
				}
			}
		}
	}
	return d, nil
}

// rows builds monthly observations from 2019-01. A NaN ratio is a month
// without a measurement.
func rows(site string, ratios ...float64) []dataset.Observation {
	out := make([]dataset.Observation, len(ratios))
	for t, r := range ratios {
		out[t] = dataset.Observation{
			Site:        site,
			YearMonth:   fmt.Sprintf("%04d-%02d", 2019+t/12, t%12+1),
			Ratio:       r,
			TMin:        5 + 0.1*float64(t%3),
			Precip:      50 + float64(t%4),
			PH:          6,
			LitterDepth: 2,
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sampler = config.Sampler{Chains: 3, Burnin: 0, Thin: 1, Seed: 1}
	cfg.Iterations = config.Iterations{Diagnostic: 100, Base: 50, Reference: 12, Max: 400}
	cfg.Convergence = config.Convergence{Threshold: 1.1, Policy: config.PolicyStrict, Extend: true}
	return cfg
}

func testSpec(t *testing.T) *model.Spec {
	t.Helper()
	spec, err := model.Default()
	require.NoError(t, err)
	return spec
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(cfg *config.Config, s sampler.Sampler) *Pipeline {
	p := New(cfg)
	p.Sampler = s
	p.Logger = quietLogger()
	return p
}

func TestRunSite_Converged(t *testing.T) {
	table := dataset.NewTable(rows("HARV", repeat(2, 12)...))
	fake := &fakeSampler{converge: true}
	p := newTestPipeline(testConfig(), fake)

	res, err := p.RunSite(context.Background(), table, testSpec(t), " HARV ")
	require.NoError(t, err)

	assert.Equal(t, "HARV", res.Site)
	assert.Equal(t, 12, res.Observed)
	assert.True(t, res.Converged)
	assert.Equal(t, 100, res.DiagnosticIterations)
	assert.Equal(t, 50, res.ProductionIterations)
	assert.Equal(t, []int{100, 50}, fake.calls)
	assert.NotEmpty(t, res.Diagnostic.Correlations)

	require.Len(t, res.Envelope, 12)
	for _, pt := range res.Envelope {
		assert.InDelta(t, 2.0, pt.Median, 0.05)
		assert.InDelta(t, 2.0, pt.Observed, 1e-9)
		assert.LessOrEqual(t, pt.Low, pt.Median)
		assert.LessOrEqual(t, pt.Median, pt.High)
	}
	assert.Empty(t, res.RunID, "no store configured")
	assert.Empty(t, res.PlotPath)
}

func TestRunSite_SparseSiteGetsMoreIterations(t *testing.T) {
	nan := math.NaN()
	table := dataset.NewTable(rows("STER", 2, nan, nan, nan, 2, nan, nan, nan, 2, nan, nan, nan))
	fake := &fakeSampler{converge: true}
	p := newTestPipeline(testConfig(), fake)

	res, err := p.RunSite(context.Background(), table, testSpec(t), "STER")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Observed)
	// 50 * ceil(12/3)
	assert.Equal(t, 200, res.ProductionIterations)
	assert.True(t, math.IsNaN(res.Envelope[1].Observed))
}

func TestRunSite_NotConverged(t *testing.T) {
	table := dataset.NewTable(rows("HARV", repeat(2, 12)...))

	t.Run("strict extends then fails", func(t *testing.T) {
		fake := &fakeSampler{}
		p := newTestPipeline(testConfig(), fake)

		res, err := p.RunSite(context.Background(), table, testSpec(t), "HARV")
		assert.Nil(t, res)
		var nc *NotConvergedError
		require.True(t, errors.As(err, &nc))
		assert.Equal(t, "HARV", nc.Site)
		assert.Equal(t, 400, nc.Iterations)
		assert.NotEmpty(t, nc.Report.Failing())
		assert.Equal(t, []int{100, 200, 400}, fake.calls)
		assert.Contains(t, err.Error(), "did not converge after 400 iterations")
	})

	t.Run("no extension", func(t *testing.T) {
		cfg := testConfig()
		cfg.Convergence.Extend = false
		fake := &fakeSampler{}
		p := newTestPipeline(cfg, fake)

		_, err := p.RunSite(context.Background(), table, testSpec(t), "HARV")
		var nc *NotConvergedError
		require.True(t, errors.As(err, &nc))
		assert.Equal(t, []int{100}, fake.calls)
	})

	t.Run("advisory continues", func(t *testing.T) {
		cfg := testConfig()
		cfg.Convergence.Policy = config.PolicyAdvisory
		cfg.Convergence.Extend = false
		fake := &fakeSampler{}
		p := newTestPipeline(cfg, fake)

		res, err := p.RunSite(context.Background(), table, testSpec(t), "HARV")
		require.NoError(t, err)
		assert.False(t, res.Converged)
		assert.False(t, res.ProductionReport.Converged)
		assert.Equal(t, []int{100, 50}, fake.calls)
		assert.Len(t, res.Envelope, 12)
	})
}

func TestRunSite_Failures(t *testing.T) {
	table := dataset.NewTable(append(rows("HARV", repeat(2, 6)...), dataset.Observation{
		Site: "BAD", YearMonth: "2019/01", Ratio: 2,
	}))
	p := newTestPipeline(testConfig(), &fakeSampler{converge: true})
	spec := testSpec(t)

	_, err := p.RunSite(context.Background(), table, spec, "OSBS")
	var serr *SiteError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StageDataset, serr.Stage)
	assert.ErrorIs(t, err, dataset.ErrUnknownSite)

	_, err = p.RunSite(context.Background(), table, spec, "BAD")
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StageDesign, serr.Stage)
	assert.Equal(t, "BAD", serr.Site)
}

func TestRunSite_Cancelled(t *testing.T) {
	table := dataset.NewTable(rows("HARV", repeat(2, 6)...))
	p := newTestPipeline(testConfig(), &fakeSampler{converge: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.RunSite(ctx, table, testSpec(t), "HARV")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSite_StoresDrawsOnce(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "draws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	table := dataset.NewTable(rows("HARV", repeat(2, 12)...))
	p := newTestPipeline(testConfig(), &fakeSampler{converge: true})
	p.Store = st
	p.IDs = ident.NewFixedGenerator("run-1", "run-2")
	spec := testSpec(t)
	ctx := context.Background()

	first, err := p.RunSite(ctx, table, spec, "HARV")
	require.NoError(t, err)
	assert.Equal(t, "run-1", first.RunID)
	assert.NotEmpty(t, first.RunKey)

	second, err := p.RunSite(ctx, table, spec, "HARV")
	require.NoError(t, err)
	assert.Equal(t, "run-1", second.RunID, "same inputs map to the stored run")
	assert.Equal(t, first.RunKey, second.RunKey)

	run, err := st.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "HARV", run.Site)
	assert.Equal(t, 3, run.Chains)
	assert.Equal(t, 50, run.Iterations)
	assert.True(t, run.Converged)

	draws, err := st.ReadDraws(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 12, draws.Dim("x"))

	runs, err := st.ListRuns(ctx, "HARV")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunSite_SettingsChangeStoredRun(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "draws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	table := dataset.NewTable(rows("HARV", repeat(2, 12)...))
	spec := testSpec(t)
	ctx := context.Background()
	ids := ident.NewFixedGenerator("run-1", "run-2", "run-3", "run-4", "run-5")

	fit := func(mutate func(*Pipeline)) *Result {
		t.Helper()
		p := newTestPipeline(testConfig(), &fakeSampler{converge: true})
		p.Store = st
		p.IDs = ids
		mutate(p)
		res, err := p.RunSite(ctx, table, spec, "HARV")
		require.NoError(t, err)
		return res
	}

	base := fit(func(*Pipeline) {})
	require.Equal(t, "run-1", base.RunID)

	tests := []struct {
		name   string
		mutate func(*Pipeline)
		want   string
	}{
		{"thin", func(p *Pipeline) { p.Config.Sampler.Thin = 10 }, "run-2"},
		{"diagnostic length", func(p *Pipeline) { p.Config.Iterations.Diagnostic = 200 }, "run-3"},
		{"label", func(p *Pipeline) { p.Label = "warm-prior" }, "run-4"},
		{"unchanged", func(*Pipeline) {}, "run-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := fit(tt.mutate)
			assert.Equal(t, tt.want, res.RunID)
		})
	}

	run, err := st.ReadRun(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 10, run.Thin)
	labelled, err := st.ReadRun(ctx, "run-4")
	require.NoError(t, err)
	assert.Equal(t, "warm-prior", labelled.Label)

	runs, err := st.ListRuns(ctx, "HARV")
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}

func TestRunBatch_ContinuesAfterFailure(t *testing.T) {
	var obs []dataset.Observation
	obs = append(obs, rows("HARV", repeat(2, 12)...)...)
	obs = append(obs, rows("CPER", repeat(3, 12)...)...)
	table := dataset.NewTable(obs)

	dir := t.TempDir()
	p := newTestPipeline(testConfig(), &fakeSampler{converge: true})
	p.PlotDir = dir
	p.StackPath = filepath.Join(dir, "all_sites.png")

	report, err := p.RunBatch(context.Background(), table, testSpec(t), []string{"HARV", "OSBS", "CPER"})
	require.NoError(t, err)

	require.Len(t, report.Sites, 3)
	assert.Equal(t, StatusOK, report.Sites[0].Status)
	assert.Equal(t, StatusFailed, report.Sites[1].Status)
	assert.Contains(t, report.Sites[1].Error, "unknown site")
	assert.Equal(t, StatusOK, report.Sites[2].Status)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "OSBS", failed[0].Site)
	assert.Len(t, report.Results(), 2)

	assert.FileExists(t, filepath.Join(dir, "HARV.png"))
	assert.FileExists(t, filepath.Join(dir, "CPER.png"))
	assert.FileExists(t, p.StackPath)
	assert.Equal(t, p.StackPath, report.StackPath)
}

func TestRunBatch_RecordsNotConverged(t *testing.T) {
	table := dataset.NewTable(rows("HARV", repeat(2, 6)...))
	cfg := testConfig()
	cfg.Convergence.Extend = false
	p := newTestPipeline(cfg, &fakeSampler{})

	report, err := p.RunBatch(context.Background(), table, testSpec(t), []string{"HARV"})
	require.NoError(t, err)
	require.Len(t, report.Sites, 1)
	assert.Equal(t, StatusNotConverged, report.Sites[0].Status)
	assert.Nil(t, report.Sites[0].Result)
	assert.Empty(t, report.StackPath)
}

func TestLoadTable(t *testing.T) {
	cfg := testConfig()
	cfg.Paths.Dataset = filepath.Join(t.TempDir(), "missing.csv")
	cfg.Paths.Samples = ""
	cfg.Paths.Climate = ""

	_, err := LoadTable(context.Background(), cfg)
	assert.ErrorIs(t, err, dataset.ErrNotFound)

	cfg.Paths.Dataset = filepath.Join(t.TempDir(), "table.csv")
	require.NoError(t, dataset.WriteFile(cfg.Paths.Dataset, dataset.NewTable(rows("HARV", 2, 3))))
	table, err := LoadTable(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"HARV"}, table.Sites())
}

// gibbsConfig is small enough for unit tests and long enough for the chains
// to settle on these short series.
func gibbsConfig() *config.Config {
	cfg := config.Default()
	cfg.Sampler = config.Sampler{Chains: 3, Burnin: 2000, Thin: 2, Seed: 17}
	cfg.Iterations = config.Iterations{Diagnostic: 2000, Base: 4000, Reference: 10, Max: 16000}
	cfg.Convergence = config.Convergence{Threshold: 1.1, Policy: config.PolicyAdvisory, Extend: false}
	return cfg
}

func TestGibbs_ConstantRatio(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full sampler")
	}
	table := dataset.NewTable(rows("HARV", repeat(2, 12)...))
	p := New(gibbsConfig())
	p.Logger = quietLogger()

	res, err := p.RunSite(context.Background(), table, testSpec(t), "HARV")
	require.NoError(t, err)
	for i, pt := range res.Envelope {
		assert.InDelta(t, 2.0, pt.Median, 0.3, "month %d", i+1)
		assert.LessOrEqual(t, pt.Low, 2.0, "month %d", i+1)
		assert.GreaterOrEqual(t, pt.High, 2.0, "month %d", i+1)
	}
}

func TestGibbs_SparseSiteIsLessCertain(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full sampler")
	}
	nan := math.NaN()
	sparse := repeat(nan, 10)
	sparse[0], sparse[9] = 2, 2

	var obs []dataset.Observation
	obs = append(obs, rows("DENSE", repeat(2, 10)...)...)
	obs = append(obs, rows("SPARSE", sparse...)...)
	table := dataset.NewTable(obs)

	p := New(gibbsConfig())
	p.Logger = quietLogger()
	spec := testSpec(t)
	ctx := context.Background()

	dense, err := p.RunSite(ctx, table, spec, "DENSE")
	require.NoError(t, err)
	thin, err := p.RunSite(ctx, table, spec, "SPARSE")
	require.NoError(t, err)

	assert.Greater(t, thin.ProductionIterations, dense.ProductionIterations)
	assert.Greater(t, summary.MeanWidth(thin.Envelope), summary.MeanWidth(dense.Envelope))
}
