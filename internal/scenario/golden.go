package scenario

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/zoey-rw/SOaP/internal/ident"
)

// Snapshot returns the canonical JSON of the deterministic parts of a
// result: which sites finished, their sizes and iteration counts. Posterior
// values depend on floating point details and are checked by assertions
// instead.
func Snapshot(r *Result) ([]byte, error) {
	sites := make([]any, len(r.Outcomes))
	for i, o := range r.Outcomes {
		m := map[string]any{
			"site":     o.Site,
			"finished": o.Result != nil,
		}
		if res := o.Result; res != nil {
			m["timesteps"] = res.Matrix.Len()
			m["observed"] = res.Observed
			m["diagnostic_iterations"] = res.DiagnosticIterations
			m["production_iterations"] = res.ProductionIterations
			m["stored_runs"] = o.StoredRuns
		}
		sites[i] = m
	}
	errs := make([]string, len(r.Errors))
	copy(errs, r.Errors)
	return ident.MarshalCanonical(map[string]any{
		"name":   r.Name,
		"pass":   r.Pass,
		"errors": errs,
		"sites":  sites,
	})
}

// AssertGolden compares the snapshot of r with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/scenario -update
func AssertGolden(t *testing.T, r *Result) {
	t.Helper()

	snap, err := Snapshot(r)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, r.Name, snap)
}
