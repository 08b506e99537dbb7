package model

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaCUE string

//go:embed dlm.cue
var defaultCUE string

// Default compiles the bundled ratio model.
func Default() (*Spec, error) {
	return CompileSource("dlm.cue", []byte(defaultCUE))
}

// CompileFile compiles a model declaration from a .cue file.
func CompileFile(path string) (*Spec, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return CompileSource(path, src)
}

// CompileSource unifies src with the model schema and compiles the top-level
// "model" field.
func CompileSource(filename string, src []byte) (*Spec, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(v.LookupPath(cue.ParsePath("model")))
}

// Compile parses a CUE value holding a model struct into a Spec.
// The result is structurally complete but not yet validated; run Validate
// before handing it to a sampler.
func Compile(v cue.Value) (*Spec, error) {
	if !v.Exists() {
		return nil, &CompileError{Field: "model", Message: "model is required"}
	}
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &Spec{Priors: make(map[string]Prior)}
	var err error

	if spec.Name, err = lookupString(v, "name"); err != nil {
		return nil, err
	}
	if spec.Index, err = lookupString(v, "index"); err != nil {
		return nil, err
	}

	if spec.State, err = lookupString(v, "state.name"); err != nil {
		return nil, err
	}
	if spec.Initial, err = parsePrior(v.LookupPath(cue.ParsePath("state.initial"))); err != nil {
		return nil, err
	}

	if spec.Data, err = lookupString(v, "observation.data"); err != nil {
		return nil, err
	}
	if spec.ObsPrecision, err = lookupString(v, "observation.precision"); err != nil {
		return nil, err
	}

	if spec.AR, err = lookupString(v, "process.autoregressive"); err != nil {
		return nil, err
	}
	if spec.AddPrecision, err = lookupString(v, "process.precision"); err != nil {
		return nil, err
	}
	if spec.Terms, err = parseTerms(v.LookupPath(cue.ParsePath("process.terms"))); err != nil {
		return nil, err
	}

	effVal := v.LookupPath(cue.ParsePath("process.random_effect"))
	if effVal.Exists() {
		eff := &RandomEffect{}
		if eff.Name, err = lookupString(effVal, "name"); err != nil {
			return nil, err
		}
		if eff.Index, err = lookupString(effVal, "index"); err != nil {
			return nil, err
		}
		if eff.Precision, err = lookupString(effVal, "precision"); err != nil {
			return nil, err
		}
		spec.Effect = eff
	}

	if spec.Missing, err = parseMissing(v.LookupPath(cue.ParsePath("missing"))); err != nil {
		return nil, err
	}

	priorsVal := v.LookupPath(cue.ParsePath("priors"))
	if priorsVal.Exists() {
		iter, err := priorsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			p, err := parsePrior(iter.Value())
			if err != nil {
				return nil, err
			}
			spec.Priors[iter.Label()] = p
		}
	}

	return spec, nil
}

func parseTerms(v cue.Value) ([]Term, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var terms []Term
	for iter.Next() {
		var t Term
		if t.Coef, err = lookupString(iter.Value(), "coef"); err != nil {
			return nil, err
		}
		if t.Column, err = lookupString(iter.Value(), "column"); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, nil
}

func parseMissing(v cue.Value) ([]Imputation, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []Imputation
	for iter.Next() {
		imp := Imputation{Column: iter.Label()}
		dist, err := lookupString(iter.Value(), "dist")
		if err != nil {
			return nil, err
		}
		imp.Dist = Dist(dist)
		if imp.Mean, err = lookupString(iter.Value(), "mean"); err != nil {
			return nil, err
		}
		if imp.Precision, err = lookupString(iter.Value(), "precision"); err != nil {
			return nil, err
		}
		out = append(out, imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Column < out[j].Column })
	return out, nil
}

func parsePrior(v cue.Value) (Prior, error) {
	var p Prior
	if !v.Exists() {
		return p, &CompileError{Field: "prior", Message: "prior is required"}
	}
	dist, err := lookupString(v, "dist")
	if err != nil {
		return p, err
	}
	p.Dist = Dist(dist)

	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"mean", &p.Mean},
		{"precision", &p.Precision},
		{"shape", &p.Shape},
		{"rate", &p.Rate},
	} {
		fv := v.LookupPath(cue.ParsePath(f.name))
		if !fv.Exists() {
			continue
		}
		x, err := fv.Float64()
		if err != nil {
			return p, formatCUEError(err)
		}
		*f.dst = x
	}
	return p, nil
}

func lookupString(v cue.Value, path string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   path,
			Message: fmt.Sprintf("%s is required", path),
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// CompileError is a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return &CompileError{Field: "cue", Message: first.Error()}
}
