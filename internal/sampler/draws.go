package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Draws holds posterior samples keyed by parameter name. For every
// parameter there is one matrix per chain with one row per kept iteration
// and one column per element (1 for scalars, n for per-timestep vectors).
type Draws struct {
	chains     int
	iterations int
	names      []string
	values     map[string][]*mat.Dense
}

// NewDraws allocates zeroed storage. dims gives the element count of each
// name and must cover every name.
func NewDraws(chains, iterations int, names []string, dims map[string]int) *Draws {
	d := &Draws{
		chains:     chains,
		iterations: iterations,
		names:      append([]string(nil), names...),
		values:     make(map[string][]*mat.Dense, len(names)),
	}
	for _, name := range names {
		ms := make([]*mat.Dense, chains)
		for c := range ms {
			ms[c] = mat.NewDense(iterations, dims[name], nil)
		}
		d.values[name] = ms
	}
	return d
}

// Chains returns the number of chains.
func (d *Draws) Chains() int { return d.chains }

// Iterations returns the number of kept iterations per chain.
func (d *Draws) Iterations() int { return d.iterations }

// Names returns the parameter names in request order.
func (d *Draws) Names() []string {
	return append([]string(nil), d.names...)
}

// Has reports whether name was sampled.
func (d *Draws) Has(name string) bool {
	_, ok := d.values[name]
	return ok
}

// Dim returns the element count of name, or 0 if it was not sampled.
func (d *Draws) Dim(name string) int {
	ms, ok := d.values[name]
	if !ok {
		return 0
	}
	_, c := ms[0].Dims()
	return c
}

// Chain returns the iterations × dim matrix of one chain. The matrix is
// owned by d.
func (d *Draws) Chain(name string, chain int) (*mat.Dense, error) {
	ms, ok := d.values[name]
	if !ok {
		return nil, &ParamError{Name: name, Err: ErrUnknownParam}
	}
	if chain < 0 || chain >= d.chains {
		return nil, fmt.Errorf("chain %d out of range [0, %d)", chain, d.chains)
	}
	return ms[chain], nil
}

// Set stores one value.
func (d *Draws) Set(name string, chain, iter, idx int, v float64) {
	d.values[name][chain].Set(iter, idx, v)
}

// Series returns element idx of name as one slice per chain.
func (d *Draws) Series(name string, idx int) ([][]float64, error) {
	ms, ok := d.values[name]
	if !ok {
		return nil, &ParamError{Name: name, Err: ErrUnknownParam}
	}
	if _, c := ms[0].Dims(); idx < 0 || idx >= c {
		return nil, fmt.Errorf("%s[%d] out of range, dimension is %d", name, idx, c)
	}
	out := make([][]float64, len(ms))
	for c, m := range ms {
		out[c] = mat.Col(nil, idx, m)
	}
	return out, nil
}

// Pooled returns element idx of name with all chains concatenated.
func (d *Draws) Pooled(name string, idx int) ([]float64, error) {
	series, err := d.Series(name, idx)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, d.chains*d.iterations)
	for _, s := range series {
		out = append(out, s...)
	}
	return out, nil
}

// Label names element idx the way diagnostics report it: the bare name for
// scalars, name[i] (1-based) for vectors.
func Label(name string, idx, dim int) string {
	if dim == 1 {
		return name
	}
	return fmt.Sprintf("%s[%d]", name, idx+1)
}
