package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zoey-rw/SOaP/internal/design"
)

// Validation error codes (E120-E139)
const (
	ErrMissingName       = "E120" // required name is empty
	ErrUnboundIndex      = "E121" // random effect indexed by something other than the model index
	ErrUnknownColumn     = "E122" // term or imputation refers to a column Z does not have
	ErrMissingPrior      = "E123" // scalar parameter has no prior
	ErrUnusedPrior       = "E124" // prior for a name the model never uses
	ErrInvalidPrior      = "E125" // non-positive precision, shape or rate
	ErrWrongFamily       = "E126" // precision without gamma prior, coefficient without normal prior
	ErrUnboundedSupport  = "E127" // positive-valued covariate imputed with unbounded distribution
	ErrDuplicateParam    = "E128" // two roles share one parameter name
	ErrInterceptImputed  = "E129" // intercept column cannot be missing
	ErrUnsupportedFamily = "E130" // distribution family the sampler does not implement
)

// positiveColumns hold physically non-negative quantities.
var positiveColumns = map[string]bool{
	"precip":       true,
	"litter_depth": true,
}

// ValidationError is one structural problem in a Spec.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled Spec and returns every problem found.
func Validate(s *Spec) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	for field, v := range map[string]string{
		"name":                   s.Name,
		"index":                  s.Index,
		"state.name":             s.State,
		"observation.data":       s.Data,
		"observation.precision":  s.ObsPrecision,
		"process.autoregressive": s.AR,
		"process.precision":      s.AddPrecision,
	} {
		if strings.TrimSpace(v) == "" {
			add(field, ErrMissingName, "%s must be non-empty", field)
		}
	}

	// The random effect enters the process mean at step t, so it has to be
	// indexed by the same counter as x and Z.
	if s.Effect != nil {
		if s.Effect.Index != s.Index {
			add("process.random_effect.index", ErrUnboundIndex,
				"random effect %q is indexed by %q, which is not bound by the %q loop over timesteps",
				s.Effect.Name, s.Effect.Index, s.Index)
		}
		if strings.TrimSpace(s.Effect.Name) == "" || strings.TrimSpace(s.Effect.Precision) == "" {
			add("process.random_effect", ErrMissingName, "random effect needs a name and a precision")
		}
	}

	for i, t := range s.Terms {
		if design.Column(t.Column) < 0 {
			add(fmt.Sprintf("process.terms[%d].column", i), ErrUnknownColumn,
				"unknown column %q (have %s)", t.Column, strings.Join(design.ColumnNames[:], ", "))
		}
	}

	for _, m := range s.Missing {
		field := "missing." + m.Column
		switch {
		case design.Column(m.Column) < 0:
			add(field, ErrUnknownColumn, "unknown column %q", m.Column)
		case design.Column(m.Column) == design.ColIntercept:
			add(field, ErrInterceptImputed, "the intercept column is never missing")
		}
		switch m.Dist {
		case DistNormal:
			if positiveColumns[m.Column] {
				add(field+".dist", ErrUnboundedSupport,
					"column %q is non-negative; impute it with a positive-support distribution (lognormal), not normal", m.Column)
			}
		case DistLogNormal:
		default:
			add(field+".dist", ErrUnsupportedFamily, "unsupported imputation distribution %q", m.Dist)
		}
	}

	// Every scalar plays exactly one role.
	seen := make(map[string]string)
	roles := []paramRole{
		{s.Coefficients(), "coefficient"},
		{s.Precisions(), "precision"},
	}
	for _, m := range s.Missing {
		roles = append(roles,
			paramRole{[]string{m.Mean}, "imputation mean"},
			paramRole{[]string{m.Precision}, "precision"},
		)
	}
	for _, v := range s.Vectors() {
		seen[v] = "vector"
	}
	for _, r := range roles {
		for _, name := range r.names {
			if prev, ok := seen[name]; ok {
				add("priors."+name, ErrDuplicateParam, "%q used as both %s and %s", name, prev, r.role)
				continue
			}
			seen[name] = r.role

			p, ok := s.Priors[name]
			if !ok {
				add("priors."+name, ErrMissingPrior, "%s %q has no prior", r.role, name)
				continue
			}
			want := DistNormal
			if r.role == "precision" {
				want = DistGamma
			}
			if p.Dist != want {
				add("priors."+name+".dist", ErrWrongFamily, "%s %q needs a %s prior, got %s", r.role, name, want, p.Dist)
			}
			errs = append(errs, validatePrior("priors."+name, p)...)
		}
	}

	for name := range s.Priors {
		if _, ok := seen[name]; !ok {
			add("priors."+name, ErrUnusedPrior, "prior for %q, which the model never uses", name)
		}
	}

	if s.Initial.Dist != DistNormal {
		add("state.initial.dist", ErrWrongFamily, "initial state prior must be normal, got %s", s.Initial.Dist)
	}
	errs = append(errs, validatePrior("state.initial", s.Initial)...)

	sortErrors(errs)
	return errs
}

func validatePrior(field string, p Prior) []ValidationError {
	var errs []ValidationError
	switch p.Dist {
	case DistNormal:
		if !(p.Precision > 0) {
			errs = append(errs, ValidationError{Field: field + ".precision", Code: ErrInvalidPrior,
				Message: fmt.Sprintf("precision must be positive, got %g", p.Precision)})
		}
	case DistGamma:
		if !(p.Shape > 0) || !(p.Rate > 0) {
			errs = append(errs, ValidationError{Field: field, Code: ErrInvalidPrior,
				Message: fmt.Sprintf("gamma shape and rate must be positive, got (%g, %g)", p.Shape, p.Rate)})
		}
	}
	return errs
}

type paramRole struct {
	names []string
	role  string
}

// sortErrors orders errors by field then code so output is stable.
func sortErrors(errs []ValidationError) {
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Field != errs[j].Field {
			return errs[i].Field < errs[j].Field
		}
		return errs[i].Code < errs[j].Code
	})
}

// Load compiles and validates in one step. An empty path loads the bundled
// ratio model. Validation problems are returned as a *SpecError listing all
// of them; CUE syntax and schema errors are returned as they come.
func Load(path string) (*Spec, error) {
	var (
		spec *Spec
		err  error
	)
	if path == "" {
		spec, err = Default()
	} else {
		spec, err = CompileFile(path)
	}
	if err != nil {
		return nil, err
	}
	if errs := Validate(spec); len(errs) > 0 {
		return nil, &SpecError{Errors: errs}
	}
	return spec, nil
}

// SpecError carries every validation problem of a Spec.
type SpecError struct {
	Errors []ValidationError
}

func (e *SpecError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid model: " + e.Errors[0].Error()
	}
	return fmt.Sprintf("invalid model: %d problems, first: %v", len(e.Errors), e.Errors[0])
}
