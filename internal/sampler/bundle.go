package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/zoey-rw/SOaP/internal/design"
	"github.com/zoey-rw/SOaP/internal/model"
)

// Bundle is the data handed to a sampler: the log response, the covariate
// matrix, its length and, optionally, the hyperparameters. A nil Hyper keeps
// the priors declared in the model.
type Bundle struct {
	Y     []float64
	Z     *mat.Dense
	N     int
	Hyper *model.Hyper
}

// NewBundle wraps a design matrix. Y and Z are shared, not copied; samplers
// never modify them.
func NewBundle(m *design.Matrix, h *model.Hyper) Bundle {
	return Bundle{Y: m.Y, Z: m.Z, N: m.Len(), Hyper: h}
}

// Validate checks shapes only. Missing values are expected.
func (b Bundle) Validate() error {
	if b.N < 1 {
		return fmt.Errorf("%w: n must be positive, got %d", ErrBadData, b.N)
	}
	if len(b.Y) != b.N {
		return fmt.Errorf("%w: y has %d values, n is %d", ErrBadData, len(b.Y), b.N)
	}
	if b.Z == nil {
		return fmt.Errorf("%w: Z is nil", ErrBadData)
	}
	r, c := b.Z.Dims()
	if r != b.N || c != design.NumCols {
		return fmt.Errorf("%w: Z is %dx%d, want %dx%d", ErrBadData, r, c, b.N, design.NumCols)
	}
	return nil
}
