package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zoey-rw/SOaP/internal/model"
)

// Sampler binds a model to data.
type Sampler interface {
	Compile(ctx context.Context, spec *model.Spec, data Bundle, chains int) (Session, error)
}

// Session draws from a compiled model. Successive calls continue the same
// chains.
type Session interface {
	Sample(ctx context.Context, params []string, iterations int) (*Draws, error)
}

var (
	// ErrUnknownParam is returned when a requested parameter is not part of
	// the model.
	ErrUnknownParam = errors.New("unknown parameter")

	// ErrBadData is returned by Compile for bundles the model cannot use.
	ErrBadData = errors.New("invalid data bundle")

	// ErrNumerical is returned when an update cannot be computed, for example
	// a coefficient precision that is not positive definite.
	ErrNumerical = errors.New("numerical failure")
)

// Options configure a Gibbs sampler.
type Options struct {
	// Seed drives every chain. Chains get independent streams derived from it.
	Seed uint64

	// Burnin sweeps run by Compile and discarded.
	Burnin int

	// Thin keeps every Thin-th sweep. Values below 1 mean 1.
	Thin int

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) thin() int {
	if o.Thin < 1 {
		return 1
	}
	return o.Thin
}

// ParamError names the parameter a Sample call rejected.
type ParamError struct {
	Name string
	Err  error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %v", e.Name, e.Err)
}

func (e *ParamError) Unwrap() error {
	return e.Err
}
