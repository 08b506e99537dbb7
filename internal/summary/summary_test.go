package summary

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoey-rw/SOaP/internal/sampler"
)

func months(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2019, time.Month(1+i), 1, 0, 0, 0, 0, time.UTC)
	}
	return out
}

func filled(chains, iters, dim int, f func(c, i, t int) float64) *sampler.Draws {
	d := sampler.NewDraws(chains, iters, []string{"x"}, map[string]int{"x": dim})
	for c := 0; c < chains; c++ {
		for i := 0; i < iters; i++ {
			for t := 0; t < dim; t++ {
				d.Set("x", c, i, t, f(c, i, t))
			}
		}
	}
	return d
}

func TestEnvelope_ConstantDraws(t *testing.T) {
	c := 1.7
	d := filled(3, 50, 4, func(int, int, int) float64 { return math.Log(c) })
	obs := []float64{1.7, math.NaN(), 2, math.NaN()}

	points, err := Envelope(d, "x", months(4), obs)
	require.NoError(t, err)
	require.Len(t, points, 4)
	for i, p := range points {
		assert.InDelta(t, c, p.Low, 1e-12, "t=%d", i)
		assert.InDelta(t, c, p.Median, 1e-12, "t=%d", i)
		assert.InDelta(t, c, p.High, 1e-12, "t=%d", i)
		assert.Equal(t, months(4)[i], p.Time)
	}
	assert.True(t, math.IsNaN(points[1].Observed))
	assert.Equal(t, 2.0, points[2].Observed)
	assert.InDelta(t, 0, MeanWidth(points), 1e-12)
}

func TestEnvelope_QuantilesOrdered(t *testing.T) {
	// 2 chains x 100 iterations of values 0..199 on the log scale, shifted by t
	d := filled(2, 100, 3, func(c, i, t int) float64 { return float64(c*100+i)/100 + float64(t) })

	points, err := Envelope(d, "x", months(3), []float64{math.NaN(), math.NaN(), math.NaN()})
	require.NoError(t, err)
	for _, p := range points {
		assert.Less(t, p.Low, p.Median)
		assert.Less(t, p.Median, p.High)
	}
	assert.Greater(t, points[2].Median, points[0].Median)
}

func TestEnvelope_Errors(t *testing.T) {
	d := filled(2, 5, 3, func(int, int, int) float64 { return 0 })

	_, err := Envelope(d, "alpha", months(3), make([]float64, 3))
	assert.ErrorIs(t, err, sampler.ErrUnknownParam)

	_, err = Envelope(d, "x", months(2), make([]float64, 3))
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	d := filled(2, 2, 2, func(c, i, t int) float64 { return float64(t) })
	stats, err := Describe(d, []string{"x"})
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, Stat{Param: "x[2]", Mean: 1, SD: 0, Low: 1, Median: 1, High: 1}, stats[1])
}
