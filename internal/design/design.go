// Package design turns a site dataset into the numeric inputs of the
// state-space model: the covariate matrix Z, the log response and the monthly
// time axis.
package design

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/zoey-rw/SOaP/internal/dataset"
)

// Column indices of Z.
const (
	ColIntercept = iota
	ColTMin
	ColPrecip
	ColPH
	ColLitter

	NumCols
)

// ColumnNames lists Z's columns in order.
var ColumnNames = [NumCols]string{"intercept", "tmin", "precip", "ph", "litter_depth"}

// Column returns the index of a named column, or -1.
func Column(name string) int {
	for i, n := range ColumnNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Matrix is the per-site model input. Row t of Z, Y[t] and Time[t] all refer
// to row t of the dataset.
type Matrix struct {
	Site string
	Z    *mat.Dense
	Y    []float64
	Time []time.Time
}

// Len returns the number of timesteps.
func (m *Matrix) Len() int {
	return len(m.Y)
}

// Observed returns the number of timesteps with a finite log response.
func (m *Matrix) Observed() int {
	n := 0
	for _, y := range m.Y {
		if !math.IsNaN(y) {
			n++
		}
	}
	return n
}

// Build assembles Z, log(ratio) and the time axis for one site.
//
// Missing values stay NaN and no row is dropped. A non-positive ratio has no
// logarithm and is treated as missing. Rows are not sorted.
func Build(ds *dataset.SiteDataset) (*Matrix, error) {
	n := ds.Len()
	if n == 0 {
		return nil, fmt.Errorf("site %q: no rows", ds.ID)
	}

	z := mat.NewDense(n, NumCols, nil)
	y := make([]float64, n)
	times := make([]time.Time, n)

	for t, r := range ds.Rows {
		ts, err := ParseYearMonth(r.YearMonth)
		if err != nil {
			return nil, fmt.Errorf("site %q row %d: %w", ds.ID, t+1, err)
		}
		times[t] = ts

		z.Set(t, ColIntercept, 1)
		z.Set(t, ColTMin, r.TMin)
		z.Set(t, ColPrecip, r.Precip)
		z.Set(t, ColPH, r.PH)
		z.Set(t, ColLitter, r.LitterDepth)

		y[t] = Log(r.Ratio)
	}

	return &Matrix{Site: ds.ID, Z: z, Y: y, Time: times}, nil
}

// ParseYearMonth parses "YYYY-MM" into the first day of that month, UTC.
func ParseYearMonth(s string) (time.Time, error) {
	if len(s) != len("2006-01") {
		return time.Time{}, fmt.Errorf("invalid year-month %q: want YYYY-MM", s)
	}
	ts, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid year-month %q: %w", s, err)
	}
	return ts, nil
}

// Log maps a ratio onto the model scale. NaN and non-positive values are NaN.
func Log(ratio float64) float64 {
	if math.IsNaN(ratio) || ratio <= 0 {
		return math.NaN()
	}
	return math.Log(ratio)
}

// Exp maps a model-scale value back to the ratio scale.
func Exp(v float64) float64 {
	return math.Exp(v)
}
