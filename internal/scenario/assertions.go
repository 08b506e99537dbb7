package scenario

import (
	"fmt"
	"math"
	"strings"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Type     string
	Site     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s (site %s)\n", e.Type, e.Site)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// Evaluate checks every assertion and returns the failure messages in
// assertion order.
func Evaluate(r *Result, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(r, a); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func evaluate(r *Result, a Assertion) error {
	o := r.Outcome(a.Site)
	if o == nil {
		return &AssertionError{Type: a.Type, Site: a.Site, Expected: "site in run list", Actual: "not run"}
	}
	fail := func(expected, actual string, args ...any) error {
		return &AssertionError{Type: a.Type, Site: o.Site, Expected: expected, Actual: fmt.Sprintf(actual, args...)}
	}

	if a.Type == AssertFailed {
		switch {
		case o.Result != nil:
			return fail("site error", "finished")
		case a.Contains != "" && !strings.Contains(o.Err.Error(), a.Contains):
			return fail(fmt.Sprintf("error containing %q", a.Contains), "%v", o.Err)
		}
		return nil
	}
	if o.Result == nil {
		return fail("finished site", "%v", o.Err)
	}
	res := o.Result

	switch a.Type {
	case AssertFinished:
		if o.StoredRuns != 1 {
			return fail("one stored run", "%d stored runs", o.StoredRuns)
		}
	case AssertObserved:
		if res.Observed != a.Count {
			return fail(fmt.Sprintf("%d observed timesteps", a.Count), "%d", res.Observed)
		}
	case AssertProductionIterations:
		if res.ProductionIterations != a.Count {
			return fail(fmt.Sprintf("%d production iterations", a.Count), "%d", res.ProductionIterations)
		}
	case AssertMedianWithin:
		for t, pt := range res.Envelope {
			if math.Abs(pt.Median-*a.Value) > a.Tolerance {
				return fail(fmt.Sprintf("median within %g of %g", a.Tolerance, *a.Value),
					"median %.4f at %s", pt.Median, pointLabel(pt.Time.Format("2006-01"), t))
			}
		}
	case AssertCovers:
		for t, pt := range res.Envelope {
			if !(pt.Low <= *a.Value && *a.Value <= pt.High) {
				return fail(fmt.Sprintf("interval containing %g", *a.Value),
					"[%.4f, %.4f] at %s", pt.Low, pt.High, pointLabel(pt.Time.Format("2006-01"), t))
			}
		}
	case AssertWider:
		other := r.Outcome(a.Than)
		if other == nil || other.Result == nil {
			return fail(fmt.Sprintf("finished site %s to compare with", a.Than), "not available")
		}
		if !(o.MeanWidth() > other.MeanWidth()) {
			return fail(fmt.Sprintf("mean interval width above %s", other.Site),
				"%.4f vs %.4f", o.MeanWidth(), other.MeanWidth())
		}
	}
	return nil
}

func pointLabel(month string, t int) string {
	return fmt.Sprintf("%s (t=%d)", month, t+1)
}
