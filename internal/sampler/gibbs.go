package sampler

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/zoey-rw/SOaP/internal/design"
	"github.com/zoey-rw/SOaP/internal/model"
)

// Gibbs is the in-process sampler.
type Gibbs struct {
	Options Options
}

// NewGibbs returns a Gibbs sampler with the given options.
//
// The sampler itself holds no chain state; each call to Compile starts a new
// Session. All chains of a Session draw from streams derived from
// Options.Seed, so two Sessions compiled with the same seed, model and data
// produce identical draws. Burnin sweeps run inside Compile and Thin applies
// to every later Sample call. A nil Options.Logger falls back to
// slog.Default.
func NewGibbs(opts Options) *Gibbs {
	return &Gibbs{Options: opts}
}

// paramKind says where a parameter lives in the chain state.
type paramKind int

const (
	kindState paramKind = iota
	kindEffect
	kindCoef
	kindObsPrec
	kindAddPrec
	kindEffectPrec
	kindImpMean
	kindImpPrec
)

type paramRef struct {
	kind paramKind
	pos  int // coefficient or imputation position
}

// imputation is the read-only description of one imputed column.
type imputation struct {
	col       int
	dist      model.Dist
	meanPrior model.Prior
	precPrior model.Prior
	missing   []int // rows where Z is NaN
}

// compiled is the model bound to data, shared by every chain.
type compiled struct {
	n        int
	y        []float64
	observed []int
	z        *mat.Dense

	termCols  []int
	coefPrior []model.Prior // autoregressive first, then terms

	initial    model.Prior
	obsPrior   model.Prior
	addPrior   model.Prior
	effect     bool
	effectPrec model.Prior

	imps []imputation

	params map[string]paramRef
}

// Compile validates the model against the data, initializes every chain
// from over-dispersed starting values and runs the burn-in.
//
// Hyperparameters carried by the Bundle override the ones declared in the
// model. Validation problems come back as a *model.SpecError. The burn-in
// checks ctx between sweeps, so a cancelled context stops it and returns
// ctx.Err().
func (g *Gibbs) Compile(ctx context.Context, spec *model.Spec, data Bundle, chains int) (Session, error) {
	if chains < 1 {
		return nil, fmt.Errorf("chains must be positive, got %d", chains)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if data.Hyper != nil {
		spec = spec.WithHyper(*data.Hyper)
	}
	if errs := model.Validate(spec); len(errs) > 0 {
		return nil, &model.SpecError{Errors: errs}
	}

	m, err := bind(spec, data)
	if err != nil {
		return nil, err
	}

	s := &session{
		model:  m,
		opts:   g.Options,
		chains: make([]*chain, chains),
	}
	master := rand.New(rand.NewSource(g.Options.Seed))
	for c := range s.chains {
		s.chains[c] = m.newChain(rand.NewSource(master.Uint64()))
	}

	log := g.Options.logger()
	log.Debug("compiled model", "model", spec.Name, "n", m.n, "observed", len(m.observed), "chains", chains, "burnin", g.Options.Burnin)

	for i := 0; i < g.Options.Burnin; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.sweep(); err != nil {
			return nil, fmt.Errorf("burn-in iteration %d: %w", i+1, err)
		}
	}
	return s, nil
}

func bind(spec *model.Spec, data Bundle) (*compiled, error) {
	m := &compiled{
		n:       data.N,
		y:       data.Y,
		z:       data.Z,
		initial: spec.Initial,
		params:  make(map[string]paramRef),
	}
	for t, y := range data.Y {
		if !math.IsNaN(y) {
			m.observed = append(m.observed, t)
		}
	}

	m.params[spec.State] = paramRef{kind: kindState}
	for i, name := range spec.Coefficients() {
		m.coefPrior = append(m.coefPrior, spec.Priors[name])
		m.params[name] = paramRef{kind: kindCoef, pos: i}
	}
	for _, t := range spec.Terms {
		m.termCols = append(m.termCols, design.Column(t.Column))
	}

	m.obsPrior = spec.Priors[spec.ObsPrecision]
	m.params[spec.ObsPrecision] = paramRef{kind: kindObsPrec}
	m.addPrior = spec.Priors[spec.AddPrecision]
	m.params[spec.AddPrecision] = paramRef{kind: kindAddPrec}
	if spec.Effect != nil {
		m.effect = true
		m.effectPrec = spec.Priors[spec.Effect.Precision]
		m.params[spec.Effect.Name] = paramRef{kind: kindEffect}
		m.params[spec.Effect.Precision] = paramRef{kind: kindEffectPrec}
	}

	imputed := make(map[int]bool)
	for i, mi := range spec.Missing {
		imp := imputation{
			col:       design.Column(mi.Column),
			dist:      mi.Dist,
			meanPrior: spec.Priors[mi.Mean],
			precPrior: spec.Priors[mi.Precision],
		}
		for t := 0; t < m.n; t++ {
			if math.IsNaN(data.Z.At(t, imp.col)) {
				imp.missing = append(imp.missing, t)
			}
		}
		imputed[imp.col] = true
		m.imps = append(m.imps, imp)
		m.params[mi.Mean] = paramRef{kind: kindImpMean, pos: i}
		m.params[mi.Precision] = paramRef{kind: kindImpPrec, pos: i}
	}

	// Z[0, ] never enters the process model, so only later rows must be
	// complete or imputed.
	for i, col := range m.termCols {
		if imputed[col] {
			continue
		}
		for t := 1; t < m.n; t++ {
			if math.IsNaN(data.Z.At(t, col)) {
				return nil, fmt.Errorf("%w: term %q uses column %q, which is missing at row %d and has no imputation",
					ErrBadData, spec.Terms[i].Coef, design.ColumnNames[col], t+1)
			}
		}
	}
	return m, nil
}

// dim returns the element count of a parameter.
func (m *compiled) dim(ref paramRef) int {
	switch ref.kind {
	case kindState, kindEffect:
		return m.n
	default:
		return 1
	}
}

// chain is the mutable state of one Markov chain.
type chain struct {
	src rand.Source
	rng *rand.Rand

	x        []float64
	coef     []float64
	alpha    []float64
	tauObs   float64
	tauAdd   float64
	tauAlpha float64

	z       *mat.Dense // Z with imputed values filled in
	impMean []float64
	impPrec []float64
	impStep []float64 // Metropolis proposal scale on the log scale
}

// newChain draws over-dispersed starting values around crude data-based
// estimates.
func (m *compiled) newChain(src rand.Source) *chain {
	rng := rand.New(src)
	ch := &chain{
		src:     src,
		rng:     rng,
		x:       make([]float64, m.n),
		coef:    make([]float64, len(m.coefPrior)),
		alpha:   make([]float64, m.n),
		z:       mat.DenseCopyOf(m.z),
		impMean: make([]float64, len(m.imps)),
		impPrec: make([]float64, len(m.imps)),
		impStep: make([]float64, len(m.imps)),
	}

	level := 0.0
	if len(m.observed) > 0 {
		obs := make([]float64, len(m.observed))
		for i, t := range m.observed {
			obs[i] = m.y[t]
		}
		level = stat.Mean(obs, nil)
	}
	shift := rng.NormFloat64()
	for t := range ch.x {
		base := level
		if !math.IsNaN(m.y[t]) {
			base = m.y[t]
		}
		ch.x[t] = base + shift + 0.1*rng.NormFloat64()
	}
	for i := range ch.coef {
		ch.coef[i] = 0.5 * rng.NormFloat64()
	}
	ch.tauObs = math.Exp(rng.NormFloat64())
	ch.tauAdd = math.Exp(rng.NormFloat64())
	ch.tauAlpha = math.Exp(rng.NormFloat64())

	for i, imp := range m.imps {
		vals := m.columnValues(imp)
		mu, prec := 0.0, 1.0
		if len(vals) > 1 {
			mean, variance := stat.MeanVariance(vals, nil)
			mu = mean
			if variance > 0 {
				prec = 1 / variance
			}
		} else if len(vals) == 1 {
			mu = vals[0]
		}
		ch.impMean[i] = mu + rng.NormFloat64()/math.Sqrt(prec)
		ch.impPrec[i] = prec * math.Exp(rng.NormFloat64())
		ch.impStep[i] = 1 / math.Sqrt(prec)
		for _, t := range imp.missing {
			v := mu
			if imp.dist == model.DistLogNormal {
				v = math.Exp(mu)
			}
			ch.z.Set(t, imp.col, v)
		}
	}
	return ch
}

// columnValues returns the observed values of an imputed column on the
// imputation's own scale. Non-positive values have no logarithm and are
// left out of a lognormal imputation.
func (m *compiled) columnValues(imp imputation) []float64 {
	var vals []float64
	for t := 0; t < m.n; t++ {
		v := m.z.At(t, imp.col)
		if math.IsNaN(v) {
			continue
		}
		if imp.dist == model.DistLogNormal {
			if v <= 0 {
				continue
			}
			v = math.Log(v)
		}
		vals = append(vals, v)
	}
	return vals
}

// session implements Session for Gibbs.
type session struct {
	model  *compiled
	opts   Options
	chains []*chain
	sweeps int
}

func (s *session) sweep() error {
	for _, ch := range s.chains {
		if err := s.model.update(ch); err != nil {
			return err
		}
	}
	s.sweeps++
	return nil
}

// Sample runs iterations sweeps of every chain and keeps every Thin-th.
func (s *session) Sample(ctx context.Context, params []string, iterations int) (*Draws, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("iterations must be positive, got %d", iterations)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters requested")
	}

	var (
		names []string
		refs  []paramRef
		seen  = make(map[string]bool)
		dims  = make(map[string]int)
	)
	for _, p := range params {
		ref, ok := s.model.params[p]
		if !ok {
			return nil, &ParamError{Name: p, Err: ErrUnknownParam}
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		names = append(names, p)
		refs = append(refs, ref)
		dims[p] = s.model.dim(ref)
	}

	thin := s.opts.thin()
	kept := iterations / thin
	if kept < 1 {
		kept = 1
	}
	draws := NewDraws(len(s.chains), kept, names, dims)

	log := s.opts.logger()
	log.Debug("sampling", "params", len(names), "iterations", iterations, "thin", thin, "chains", len(s.chains))

	row := 0
	for i := 1; row < kept; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.sweep(); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", s.sweeps, err)
		}
		if i%thin != 0 && i < iterations {
			continue
		}
		for c, ch := range s.chains {
			for j, name := range names {
				s.model.record(draws, name, refs[j], c, row, ch)
			}
		}
		row++
	}
	return draws, nil
}

func (m *compiled) record(d *Draws, name string, ref paramRef, c, row int, ch *chain) {
	switch ref.kind {
	case kindState:
		for t, v := range ch.x {
			d.Set(name, c, row, t, v)
		}
	case kindEffect:
		for t, v := range ch.alpha {
			d.Set(name, c, row, t, v)
		}
	case kindCoef:
		d.Set(name, c, row, 0, ch.coef[ref.pos])
	case kindObsPrec:
		d.Set(name, c, row, 0, ch.tauObs)
	case kindAddPrec:
		d.Set(name, c, row, 0, ch.tauAdd)
	case kindEffectPrec:
		d.Set(name, c, row, 0, ch.tauAlpha)
	case kindImpMean:
		d.Set(name, c, row, 0, ch.impMean[ref.pos])
	case kindImpPrec:
		d.Set(name, c, row, 0, ch.impPrec[ref.pos])
	}
}
