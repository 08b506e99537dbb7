package pipeline

import (
	"fmt"

	"github.com/zoey-rw/SOaP/internal/diagnostics"
)

// Stages of the per-site pipeline, used in SiteError.
const (
	StageDataset    = "dataset"
	StageDesign     = "design"
	StageCompile    = "compile"
	StageDiagnostic = "diagnostic"
	StageProduction = "production"
	StageSummary    = "summary"
	StageStore      = "store"
	StagePlot       = "plot"
)

// SiteError is a failure of one site at one stage.
type SiteError struct {
	Site  string
	Stage string
	Err   error
}

func (e *SiteError) Error() string {
	return fmt.Sprintf("site %s: %s: %v", e.Site, e.Stage, e.Err)
}

func (e *SiteError) Unwrap() error {
	return e.Err
}

// NotConvergedError reports a diagnostic run that stayed at or above the
// threshold after every extension.
type NotConvergedError struct {
	Site       string
	Iterations int
	Report     *diagnostics.Report
}

func (e *NotConvergedError) Error() string {
	worst := e.Report.Max()
	return fmt.Sprintf("site %s did not converge after %d iterations: %d of %d parameters at or above %.2f (worst %s = %.3f)",
		e.Site, e.Iterations, len(e.Report.Failing()), len(e.Report.Values), e.Report.Threshold, worst.Param, worst.PSRF)
}
