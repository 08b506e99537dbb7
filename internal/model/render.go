package model

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zoey-rw/SOaP/internal/design"
)

// Render writes the model in BUGS/JAGS notation. The output is for reading and
// for handing the model to an external engine; the in-process sampler works
// from the Spec itself.
func (s *Spec) Render(w io.Writer) error {
	var b strings.Builder
	i := s.Index

	b.WriteString("model {\n")
	b.WriteString("  ## priors\n")
	fmt.Fprintf(&b, "  %s[1] ~ %s\n", s.State, renderPrior(s.Initial))
	for _, name := range s.Scalars() {
		p, ok := s.Priors[name]
		if !ok {
			fmt.Fprintf(&b, "  # %s: no prior\n", name)
			continue
		}
		fmt.Fprintf(&b, "  %s ~ %s\n", name, renderPrior(p))
	}

	if len(s.Missing) > 0 {
		b.WriteString("\n  ## missing covariates\n")
		fmt.Fprintf(&b, "  for (%s in 1:n) {\n", i)
		for _, m := range s.Missing {
			fn := "dnorm"
			if m.Dist == DistLogNormal {
				fn = "dlnorm"
			}
			fmt.Fprintf(&b, "    Z[%s, %d] ~ %s(%s, %s)\n", i, design.Column(m.Column)+1, fn, m.Mean, m.Precision)
		}
		b.WriteString("  }\n")
	}

	if s.Effect != nil {
		b.WriteString("\n  ## random effects\n")
		fmt.Fprintf(&b, "  for (%s in 2:n) {\n", i)
		fmt.Fprintf(&b, "    %s[%s] ~ dnorm(0, %s)\n", s.Effect.Name, s.Effect.Index, s.Effect.Precision)
		b.WriteString("  }\n")
	}

	b.WriteString("\n  ## data model\n")
	fmt.Fprintf(&b, "  for (%s in 1:n) {\n", i)
	fmt.Fprintf(&b, "    %s[%s] ~ dnorm(%s[%s], %s)\n", s.Data, i, s.State, i, s.ObsPrecision)
	b.WriteString("  }\n")

	terms := []string{fmt.Sprintf("%s * %s[%s-1]", s.AR, s.State, i)}
	for _, t := range s.Terms {
		terms = append(terms, fmt.Sprintf("%s * Z[%s, %d]", t.Coef, i, design.Column(t.Column)+1))
	}
	if s.Effect != nil {
		terms = append(terms, fmt.Sprintf("%s[%s]", s.Effect.Name, s.Effect.Index))
	}

	b.WriteString("\n  ## process model\n")
	fmt.Fprintf(&b, "  for (%s in 2:n) {\n", i)
	fmt.Fprintf(&b, "    mu[%s] <- %s\n", i, strings.Join(terms, " + "))
	fmt.Fprintf(&b, "    %s[%s] ~ dnorm(mu[%s], %s)\n", s.State, i, i, s.AddPrecision)
	b.WriteString("  }\n")
	b.WriteString("}\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// String renders the model; errors are impossible with a strings.Builder.
func (s *Spec) String() string {
	var b strings.Builder
	_ = s.Render(&b)
	return b.String()
}

func renderPrior(p Prior) string {
	switch p.Dist {
	case DistGamma:
		return fmt.Sprintf("dgamma(%s, %s)", num(p.Shape), num(p.Rate))
	case DistLogNormal:
		return fmt.Sprintf("dlnorm(%s, %s)", num(p.Mean), num(p.Precision))
	default:
		return fmt.Sprintf("dnorm(%s, %s)", num(p.Mean), num(p.Precision))
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
