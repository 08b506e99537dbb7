// Package diagnostics checks whether independent chains agree.
//
// The potential scale reduction factor compares the variance between chain
// means with the variance within chains. Values near 1 mean the chains
// sample the same distribution; the pipeline accepts a fit when every
// monitored parameter is below the threshold (1.1 by default).
package diagnostics

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/zoey-rw/SOaP/internal/sampler"
)

// DefaultThreshold is the conventional acceptance bound.
const DefaultThreshold = 1.1

var (
	// ErrTooFewChains is returned for fewer than two chains.
	ErrTooFewChains = errors.New("potential scale reduction needs at least 2 chains")
	// ErrTooFewDraws is returned for chains shorter than two draws.
	ErrTooFewDraws = errors.New("potential scale reduction needs at least 2 draws per chain")
)

// PSRF returns the Gelman-Rubin potential scale reduction factor of equally
// long chains. Chains that are all the same constant give 1; constant chains
// at different values give +Inf.
func PSRF(chains [][]float64) (float64, error) {
	m := len(chains)
	if m < 2 {
		return math.NaN(), ErrTooFewChains
	}
	n := len(chains[0])
	if n < 2 {
		return math.NaN(), ErrTooFewDraws
	}

	means := make([]float64, m)
	var w float64
	for i, c := range chains {
		if len(c) != n {
			return math.NaN(), fmt.Errorf("chain %d has %d draws, chain 1 has %d", i+1, len(c), n)
		}
		mean, variance := stat.MeanVariance(c, nil)
		means[i] = mean
		w += variance
	}
	w /= float64(m)
	// B/n: variance of the chain means
	bn := stat.Variance(means, nil)

	if w == 0 {
		if bn == 0 {
			return 1, nil
		}
		return math.Inf(1), nil
	}
	nf := float64(n)
	pooled := (nf-1)/nf*w + bn
	return math.Sqrt(pooled / w), nil
}

// Value is the PSRF of one monitored scalar.
type Value struct {
	Param string  `json:"param"`
	PSRF  float64 `json:"psrf"`
}

// Correlation is the Pearson correlation of two parameters' draws.
type Correlation struct {
	A string  `json:"a"`
	B string  `json:"b"`
	R float64 `json:"r"`
}

// Report is the convergence verdict for one sampling call.
type Report struct {
	Threshold    float64       `json:"threshold"`
	Values       []Value       `json:"psrf"`
	Correlations []Correlation `json:"correlations,omitempty"`
	Converged    bool          `json:"converged"`
}

// Failing returns the values at or above the threshold, worst first.
func (r *Report) Failing() []Value {
	var out []Value
	for _, v := range r.Values {
		if !(v.PSRF < r.Threshold) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PSRF > out[j].PSRF })
	return out
}

// Max returns the largest PSRF.
func (r *Report) Max() Value {
	var worst Value
	for i, v := range r.Values {
		if i == 0 || v.PSRF > worst.PSRF {
			worst = v
		}
	}
	return worst
}

// Check computes the PSRF of every element of params. Vector parameters are
// reported per element as name[i]. The report is converged when every value
// is below threshold.
func Check(d *sampler.Draws, params []string, threshold float64) (*Report, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	r := &Report{Threshold: threshold, Converged: true}
	for _, name := range params {
		dim := d.Dim(name)
		if dim == 0 {
			return nil, &sampler.ParamError{Name: name, Err: sampler.ErrUnknownParam}
		}
		for idx := 0; idx < dim; idx++ {
			series, err := d.Series(name, idx)
			if err != nil {
				return nil, err
			}
			v, err := PSRF(series)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", sampler.Label(name, idx, dim), err)
			}
			r.Values = append(r.Values, Value{Param: sampler.Label(name, idx, dim), PSRF: v})
			if !(v < threshold) {
				r.Converged = false
			}
		}
	}
	return r, nil
}

// Correlations returns the pairwise correlations of scalar parameters, with
// draws pooled across chains. Pairs involving a constant parameter are NaN.
func Correlations(d *sampler.Draws, params []string) ([]Correlation, error) {
	pooled := make([][]float64, len(params))
	for i, name := range params {
		if dim := d.Dim(name); dim != 1 {
			return nil, fmt.Errorf("%q is not a scalar parameter (dimension %d)", name, dim)
		}
		p, err := d.Pooled(name, 0)
		if err != nil {
			return nil, err
		}
		pooled[i] = p
	}

	var out []Correlation
	for i := range params {
		for j := i + 1; j < len(params); j++ {
			out = append(out, Correlation{
				A: params[i],
				B: params[j],
				R: stat.Correlation(pooled[i], pooled[j], nil),
			})
		}
	}
	return out, nil
}
