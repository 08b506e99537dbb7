// Package summary reduces posterior draws to quantiles.
package summary

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/zoey-rw/SOaP/internal/design"
	"github.com/zoey-rw/SOaP/internal/sampler"
)

// Interval probabilities of the envelope.
const (
	PLow    = 0.025
	PMedian = 0.5
	PHigh   = 0.975
)

// Point is the envelope at one timestep, on the ratio scale. Observed is
// NaN where the ratio was not measured.
type Point struct {
	Time     time.Time `json:"time"`
	Low      float64   `json:"low"`
	Median   float64   `json:"median"`
	High     float64   `json:"high"`
	Observed float64   `json:"observed"`
}

// Width returns High - Low.
func (p Point) Width() float64 {
	return p.High - p.Low
}

// Envelope computes, for every element of a per-timestep parameter, the
// 2.5/50/97.5 % quantiles of its draws pooled across chains, mapped back to
// the ratio scale with design.Exp. times and observed must have one entry
// per element.
func Envelope(d *sampler.Draws, param string, times []time.Time, observed []float64) ([]Point, error) {
	n := d.Dim(param)
	if n == 0 {
		return nil, &sampler.ParamError{Name: param, Err: sampler.ErrUnknownParam}
	}
	if len(times) != n || len(observed) != n {
		return nil, fmt.Errorf("%s has %d elements, got %d times and %d observations", param, n, len(times), len(observed))
	}

	points := make([]Point, n)
	for t := 0; t < n; t++ {
		pooled, err := d.Pooled(param, t)
		if err != nil {
			return nil, err
		}
		sort.Float64s(pooled)
		// exp is monotone, so quantiles commute with it
		points[t] = Point{
			Time:     times[t],
			Low:      design.Exp(stat.Quantile(PLow, stat.Empirical, pooled, nil)),
			Median:   design.Exp(stat.Quantile(PMedian, stat.Empirical, pooled, nil)),
			High:     design.Exp(stat.Quantile(PHigh, stat.Empirical, pooled, nil)),
			Observed: observed[t],
		}
	}
	return points, nil
}

// MeanWidth is the average interval width over all points.
func MeanWidth(points []Point) float64 {
	if len(points) == 0 {
		return math.NaN()
	}
	var s float64
	for _, p := range points {
		s += p.Width()
	}
	return s / float64(len(points))
}

// Stat summarizes one scalar element on the model scale.
type Stat struct {
	Param  string  `json:"param"`
	Mean   float64 `json:"mean"`
	SD     float64 `json:"sd"`
	Low    float64 `json:"q025"`
	Median float64 `json:"q50"`
	High   float64 `json:"q975"`
}

// Describe returns mean, standard deviation and quantiles for every element
// of params, in order. Vector elements are labelled name[i].
func Describe(d *sampler.Draws, params []string) ([]Stat, error) {
	var out []Stat
	for _, name := range params {
		dim := d.Dim(name)
		if dim == 0 {
			return nil, &sampler.ParamError{Name: name, Err: sampler.ErrUnknownParam}
		}
		for idx := 0; idx < dim; idx++ {
			pooled, err := d.Pooled(name, idx)
			if err != nil {
				return nil, err
			}
			sort.Float64s(pooled)
			mean, sd := stat.MeanStdDev(pooled, nil)
			out = append(out, Stat{
				Param:  sampler.Label(name, idx, dim),
				Mean:   mean,
				SD:     sd,
				Low:    stat.Quantile(PLow, stat.Empirical, pooled, nil),
				Median: stat.Quantile(PMedian, stat.Empirical, pooled, nil),
				High:   stat.Quantile(PHigh, stat.Empirical, pooled, nil),
			})
		}
	}
	return out, nil
}
