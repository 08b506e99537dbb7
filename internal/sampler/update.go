package sampler

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/zoey-rw/SOaP/internal/model"
)

// update runs one full Gibbs sweep of a chain.
func (m *compiled) update(ch *chain) error {
	m.updateState(ch)
	if err := m.updateCoefficients(ch); err != nil {
		return err
	}
	if m.effect {
		m.updateEffects(ch)
	}
	m.updatePrecisions(ch)
	for i := range m.imps {
		m.updateImputation(ch, i)
	}
	return nil
}

// covariateEffect is sum_k beta_k * Z[t, col_k].
func (m *compiled) covariateEffect(ch *chain, t int) float64 {
	var s float64
	for k, col := range m.termCols {
		s += ch.coef[k+1] * ch.z.At(t, col)
	}
	return s
}

// processMean is the mean of x[t] given x[t-1], for t >= 1.
func (m *compiled) processMean(ch *chain, t int) float64 {
	mu := ch.coef[0]*ch.x[t-1] + m.covariateEffect(ch, t)
	if m.effect {
		mu += ch.alpha[t]
	}
	return mu
}

func (ch *chain) normal(mean, prec float64) float64 {
	return mean + ch.rng.NormFloat64()/math.Sqrt(prec)
}

func (ch *chain) gamma(shape, rate float64) float64 {
	return distuv.Gamma{Alpha: shape, Beta: rate, Src: ch.src}.Rand()
}

// updateState draws each x[t] from its full conditional: the initial prior
// or the process step into t, the process step out of t, and y[t] when it
// is observed.
func (m *compiled) updateState(ch *chain) {
	phi := ch.coef[0]
	for t := 0; t < m.n; t++ {
		var prec, num float64
		if t == 0 {
			prec += m.initial.Precision
			num += m.initial.Precision * m.initial.Mean
		} else {
			prec += ch.tauAdd
			num += ch.tauAdd * m.processMean(ch, t)
		}
		if t+1 < m.n {
			rest := ch.x[t+1] - m.covariateEffect(ch, t+1)
			if m.effect {
				rest -= ch.alpha[t+1]
			}
			prec += ch.tauAdd * phi * phi
			num += ch.tauAdd * phi * rest
		}
		if y := m.y[t]; !math.IsNaN(y) {
			prec += ch.tauObs
			num += ch.tauObs * y
		}
		ch.x[t] = ch.normal(num/prec, prec)
	}
}

// updateCoefficients draws [phi, beta...] jointly. Given x, alpha and
// tau_add the process model is a linear regression of x[t] - alpha[t] on
// (x[t-1], Z[t, terms]) for t >= 1, so the conditional is multivariate
// normal with precision P0 + tau_add * W'W.
func (m *compiled) updateCoefficients(ch *chain) error {
	k := len(ch.coef)
	prec := mat.NewSymDense(k, nil)
	rhs := mat.NewVecDense(k, nil)
	for i, p := range m.coefPrior {
		prec.SetSym(i, i, p.Precision)
		rhs.SetVec(i, p.Precision*p.Mean)
	}

	w := make([]float64, k)
	for t := 1; t < m.n; t++ {
		w[0] = ch.x[t-1]
		for j, col := range m.termCols {
			w[j+1] = ch.z.At(t, col)
		}
		r := ch.x[t]
		if m.effect {
			r -= ch.alpha[t]
		}
		for i := 0; i < k; i++ {
			rhs.SetVec(i, rhs.AtVec(i)+ch.tauAdd*w[i]*r)
			for j := i; j < k; j++ {
				prec.SetSym(i, j, prec.At(i, j)+ch.tauAdd*w[i]*w[j])
			}
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(prec); !ok {
		return fmt.Errorf("%w: coefficient precision is not positive definite", ErrNumerical)
	}
	var mean mat.VecDense
	if err := chol.SolveVecTo(&mean, rhs); err != nil {
		return fmt.Errorf("%w: coefficient mean: %v", ErrNumerical, err)
	}
	dist, ok := distmv.NewNormalPrecision(mean.RawVector().Data, prec, ch.src)
	if !ok {
		return fmt.Errorf("%w: coefficient covariance is not positive definite", ErrNumerical)
	}
	dist.Rand(ch.coef)
	return nil
}

// updateEffects draws alpha[t] for t >= 1 from the process residual and its
// shrinkage prior. alpha[0] has no likelihood and is drawn from the prior.
func (m *compiled) updateEffects(ch *chain) {
	ch.alpha[0] = ch.normal(0, ch.tauAlpha)
	for t := 1; t < m.n; t++ {
		r := ch.x[t] - ch.coef[0]*ch.x[t-1] - m.covariateEffect(ch, t)
		prec := ch.tauAlpha + ch.tauAdd
		ch.alpha[t] = ch.normal(ch.tauAdd*r/prec, prec)
	}
}

// updatePrecisions draws tau_obs, tau_add and tau_alpha from their gamma
// conditionals.
func (m *compiled) updatePrecisions(ch *chain) {
	var ss float64
	for _, t := range m.observed {
		d := m.y[t] - ch.x[t]
		ss += d * d
	}
	ch.tauObs = ch.gamma(m.obsPrior.Shape+float64(len(m.observed))/2, m.obsPrior.Rate+ss/2)

	ss = 0
	for t := 1; t < m.n; t++ {
		d := ch.x[t] - m.processMean(ch, t)
		ss += d * d
	}
	ch.tauAdd = ch.gamma(m.addPrior.Shape+float64(m.n-1)/2, m.addPrior.Rate+ss/2)

	if m.effect {
		ss = 0
		for t := 1; t < m.n; t++ {
			ss += ch.alpha[t] * ch.alpha[t]
		}
		ch.tauAlpha = ch.gamma(m.effectPrec.Shape+float64(m.n-1)/2, m.effectPrec.Rate+ss/2)
	}
}

// updateImputation draws the missing entries of one column, then its mean
// and precision.
func (m *compiled) updateImputation(ch *chain, i int) {
	imp := m.imps[i]
	var beta float64
	k, inProcess := m.termCoef(imp.col)
	if inProcess {
		beta = ch.coef[k]
	}

	for _, t := range imp.missing {
		// Z[0, ] has no process likelihood.
		useProcess := inProcess && t > 0
		var rest float64
		if useProcess {
			rest = ch.x[t] - (m.processMean(ch, t) - beta*ch.z.At(t, imp.col))
		}

		switch imp.dist {
		case model.DistLogNormal:
			ch.z.Set(t, imp.col, m.metropolisLog(ch, i, t, beta, rest, useProcess))
		default:
			prec := ch.impPrec[i]
			num := ch.impPrec[i] * ch.impMean[i]
			if useProcess {
				prec += ch.tauAdd * beta * beta
				num += ch.tauAdd * beta * rest
			}
			ch.z.Set(t, imp.col, ch.normal(num/prec, prec))
		}
	}

	// Conjugate update of (mu, tau) from every value of the column, observed
	// and imputed, on the imputation's scale.
	var vals []float64
	for t := 0; t < m.n; t++ {
		v := ch.z.At(t, imp.col)
		if imp.dist == model.DistLogNormal {
			if !(v > 0) {
				continue
			}
			v = math.Log(v)
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		ch.impMean[i] = ch.normal(imp.meanPrior.Mean, imp.meanPrior.Precision)
		ch.impPrec[i] = ch.gamma(imp.precPrior.Shape, imp.precPrior.Rate)
		return
	}

	var sum float64
	for _, v := range vals {
		sum += v
	}
	prec := imp.meanPrior.Precision + ch.impPrec[i]*float64(len(vals))
	num := imp.meanPrior.Precision*imp.meanPrior.Mean + ch.impPrec[i]*sum
	ch.impMean[i] = ch.normal(num/prec, prec)

	var ss float64
	for _, v := range vals {
		d := v - ch.impMean[i]
		ss += d * d
	}
	ch.impPrec[i] = ch.gamma(imp.precPrior.Shape+float64(len(vals))/2, imp.precPrior.Rate+ss/2)
	ch.impStep[i] = 1 / math.Sqrt(ch.impPrec[i])
}

// termCoef returns the coefficient position of a column in the process model.
func (m *compiled) termCoef(col int) (int, bool) {
	for k, c := range m.termCols {
		if c == col {
			return k + 1, true
		}
	}
	return 0, false
}

// metropolisLog is one random-walk Metropolis step for a lognormal
// covariate, on u = log(z). On that scale the prior is normal(mu, tau) and
// the process term is normal(rest; beta * exp(u), tau_add).
func (m *compiled) metropolisLog(ch *chain, i, t int, beta, rest float64, useProcess bool) float64 {
	mu, tau := ch.impMean[i], ch.impPrec[i]
	logTarget := func(u float64) float64 {
		d := u - mu
		lp := -0.5 * tau * d * d
		if useProcess {
			e := rest - beta*math.Exp(u)
			lp -= 0.5 * ch.tauAdd * e * e
		}
		return lp
	}

	cur := ch.z.At(t, m.imps[i].col)
	u := mu
	if cur > 0 {
		u = math.Log(cur)
	}
	prop := u + ch.impStep[i]*ch.rng.NormFloat64()
	if math.Log(ch.rng.Float64()) < logTarget(prop)-logTarget(u) {
		u = prop
	}
	return math.Exp(u)
}
