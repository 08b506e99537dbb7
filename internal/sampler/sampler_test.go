package sampler

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/zoey-rw/SOaP/internal/design"
	"github.com/zoey-rw/SOaP/internal/model"
)

func defaultSpec(t *testing.T) *model.Spec {
	t.Helper()
	spec, err := model.Default()
	require.NoError(t, err)
	return spec
}

// constantBundle is n fully observed timesteps at ratio 2 with constant
// covariates.
func constantBundle(n int) Bundle {
	z := mat.NewDense(n, design.NumCols, nil)
	y := make([]float64, n)
	for t := 0; t < n; t++ {
		z.Set(t, design.ColIntercept, 1)
		z.Set(t, design.ColTMin, 10)
		z.Set(t, design.ColPrecip, 50)
		z.Set(t, design.ColPH, 6)
		z.Set(t, design.ColLitter, 2)
		y[t] = math.Log(2)
	}
	return Bundle{Y: y, Z: z, N: n}
}

func compile(t *testing.T, opts Options, data Bundle, chains int) Session {
	t.Helper()
	s, err := NewGibbs(opts).Compile(context.Background(), defaultSpec(t), data, chains)
	require.NoError(t, err)
	return s
}

func TestCompile_Rejects(t *testing.T) {
	ctx := context.Background()
	g := NewGibbs(Options{Seed: 1})

	t.Run("no chains", func(t *testing.T) {
		_, err := g.Compile(ctx, defaultSpec(t), constantBundle(5), 0)
		assert.Error(t, err)
	})

	t.Run("length mismatch", func(t *testing.T) {
		b := constantBundle(5)
		b.N = 6
		_, err := g.Compile(ctx, defaultSpec(t), b, 2)
		assert.ErrorIs(t, err, ErrBadData)
	})

	t.Run("wrong width", func(t *testing.T) {
		b := constantBundle(5)
		b.Z = mat.NewDense(5, 3, nil)
		_, err := g.Compile(ctx, defaultSpec(t), b, 2)
		assert.ErrorIs(t, err, ErrBadData)
	})

	t.Run("invalid model", func(t *testing.T) {
		spec := defaultSpec(t)
		spec.Effect.Index = "i"
		_, err := g.Compile(ctx, spec, constantBundle(5), 2)
		var serr *model.SpecError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, model.ErrUnboundIndex, serr.Errors[0].Code)
	})

	t.Run("missing covariate without imputation", func(t *testing.T) {
		spec := defaultSpec(t)
		spec.Missing = nil
		for _, name := range []string{"mu_tmin", "tau_tmin", "mu_precip", "tau_precip"} {
			delete(spec.Priors, name)
		}
		b := constantBundle(5)
		b.Z.Set(2, design.ColTMin, math.NaN())
		_, err := g.Compile(ctx, spec, b, 2)
		assert.ErrorIs(t, err, ErrBadData)
		assert.Contains(t, err.Error(), "row 3")
	})

	t.Run("hyperparameters are validated", func(t *testing.T) {
		b := constantBundle(5)
		h := model.DefaultHyper()
		h.Obs.Rate = 0
		b.Hyper = &h
		_, err := g.Compile(ctx, defaultSpec(t), b, 2)
		var serr *model.SpecError
		assert.True(t, errors.As(err, &serr))
	})
}

func TestSample_Shapes(t *testing.T) {
	spec := defaultSpec(t)
	s := compile(t, Options{Seed: 7, Burnin: 10}, constantBundle(6), 3)

	draws, err := s.Sample(context.Background(), spec.ProductionParams(), 20)
	require.NoError(t, err)

	assert.Equal(t, 3, draws.Chains())
	assert.Equal(t, 20, draws.Iterations())
	assert.Equal(t, spec.ProductionParams(), draws.Names())
	assert.Equal(t, 6, draws.Dim("x"))
	assert.Equal(t, 6, draws.Dim("alpha"))
	assert.Equal(t, 1, draws.Dim("phi"))

	m, err := draws.Chain("tau_obs", 2)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 20, r)
	assert.Equal(t, 1, c)
	for i := 0; i < r; i++ {
		assert.Greater(t, m.At(i, 0), 0.0, "precisions are positive")
	}
}

func TestSample_Thin(t *testing.T) {
	s := compile(t, Options{Seed: 7, Thin: 3}, constantBundle(4), 2)
	draws, err := s.Sample(context.Background(), []string{"phi"}, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, draws.Iterations())
}

func TestSample_Errors(t *testing.T) {
	s := compile(t, Options{Seed: 7}, constantBundle(4), 2)
	ctx := context.Background()

	_, err := s.Sample(ctx, []string{"phi", "beta_ph"}, 10)
	assert.ErrorIs(t, err, ErrUnknownParam)
	var perr *ParamError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "beta_ph", perr.Name)

	_, err = s.Sample(ctx, []string{"phi"}, 0)
	assert.Error(t, err)

	_, err = s.Sample(ctx, nil, 10)
	assert.Error(t, err)
}

func TestSample_ContextCancelled(t *testing.T) {
	s := compile(t, Options{Seed: 7}, constantBundle(4), 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Sample(ctx, []string{"phi"}, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompile_CancelledDuringBurnin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGibbs(Options{Seed: 7, Burnin: 50}).Compile(ctx, defaultSpec(t), constantBundle(4), 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSample_Deterministic(t *testing.T) {
	run := func(seed uint64) *mat.Dense {
		s := compile(t, Options{Seed: seed, Burnin: 5}, constantBundle(5), 2)
		d, err := s.Sample(context.Background(), []string{"x"}, 15)
		require.NoError(t, err)
		m, err := d.Chain("x", 1)
		require.NoError(t, err)
		return m
	}

	assert.True(t, mat.Equal(run(42), run(42)))
	assert.False(t, mat.Equal(run(42), run(43)))
}

func TestSession_ContinuesChains(t *testing.T) {
	s := compile(t, Options{Seed: 3}, constantBundle(5), 2)
	ctx := context.Background()

	first, err := s.Sample(ctx, []string{"phi"}, 5)
	require.NoError(t, err)
	second, err := s.Sample(ctx, []string{"phi"}, 5)
	require.NoError(t, err)

	a, _ := first.Pooled("phi", 0)
	b, _ := second.Pooled("phi", 0)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 10, s.(*session).sweeps)
}

func TestGibbs_RecoversConstantLevel(t *testing.T) {
	s := compile(t, Options{Seed: 11, Burnin: 2000}, constantBundle(10), 3)
	draws, err := s.Sample(context.Background(), []string{"x"}, 3000)
	require.NoError(t, err)

	for _, idx := range []int{0, 4, 9} {
		pooled, err := draws.Pooled("x", idx)
		require.NoError(t, err)
		sort.Float64s(pooled)
		median := pooled[len(pooled)/2]
		assert.InDelta(t, math.Log(2), median, 0.15, "x[%d]", idx+1)
	}
}

func TestGibbs_ImputesMissingCovariates(t *testing.T) {
	b := constantBundle(8)
	for _, row := range []int{2, 5} {
		b.Z.Set(row, design.ColTMin, math.NaN())
		b.Z.Set(row, design.ColPrecip, math.NaN())
	}
	// vary the observed covariates so imputation priors are proper
	for t := 0; t < 8; t++ {
		if !math.IsNaN(b.Z.At(t, design.ColPrecip)) {
			b.Z.Set(t, design.ColPrecip, 40+float64(t))
			b.Z.Set(t, design.ColTMin, 8+0.5*float64(t))
		}
	}

	s := compile(t, Options{Seed: 5, Burnin: 200}, b, 2)
	draws, err := s.Sample(context.Background(), []string{"mu_precip", "tau_tmin"}, 200)
	require.NoError(t, err)
	assert.True(t, draws.Has("mu_precip"))

	for _, ch := range s.(*session).chains {
		for _, row := range []int{2, 5} {
			assert.False(t, math.IsNaN(ch.z.At(row, design.ColTMin)))
			assert.Greater(t, ch.z.At(row, design.ColPrecip), 0.0, "precipitation stays positive")
		}
	}
	assert.True(t, math.IsNaN(b.Z.At(2, design.ColTMin)), "bundle is not modified")
}

func TestDraws_Accessors(t *testing.T) {
	d := NewDraws(2, 3, []string{"phi", "x"}, map[string]int{"phi": 1, "x": 2})
	d.Set("x", 1, 2, 1, 5)

	series, err := d.Series("x", 1)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0, 0}, {0, 0, 5}}, series)

	pooled, err := d.Pooled("x", 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 5}, pooled)

	_, err = d.Series("x", 2)
	assert.Error(t, err)
	_, err = d.Chain("tau", 0)
	assert.ErrorIs(t, err, ErrUnknownParam)
	_, err = d.Chain("x", 2)
	assert.Error(t, err)

	assert.Equal(t, "phi", Label("phi", 0, 1))
	assert.Equal(t, "x[2]", Label("x", 1, 2))
}
