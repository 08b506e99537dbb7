package model

// Dist names a distribution family.
type Dist string

const (
	DistNormal    Dist = "normal"
	DistGamma     Dist = "gamma"
	DistLogNormal Dist = "lognormal"
)

// Prior is a distribution with constant parameters.
// Normal priors use Mean and Precision, gamma priors use Shape and Rate.
type Prior struct {
	Dist      Dist    `json:"dist"`
	Mean      float64 `json:"mean,omitempty"`
	Precision float64 `json:"precision,omitempty"`
	Shape     float64 `json:"shape,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
}

// Term is one covariate effect in the process model: Coef * Z[t, Column].
type Term struct {
	Coef   string `json:"coef"`
	Column string `json:"column"`
}

// RandomEffect is the per-timestep effect added to the process mean.
type RandomEffect struct {
	Name      string `json:"name"`
	Index     string `json:"index"`
	Precision string `json:"precision"`
}

// Imputation is the distribution missing values of a covariate column are
// drawn from. Mean and Precision name estimated parameters.
type Imputation struct {
	Column    string `json:"column"`
	Dist      Dist   `json:"dist"`
	Mean      string `json:"mean"`
	Precision string `json:"precision"`
}

// Spec is a compiled state-space model declaration.
type Spec struct {
	Name  string `json:"name"`
	Index string `json:"index"`

	State   string `json:"state"`
	Initial Prior  `json:"initial"`

	Data         string `json:"data"`
	ObsPrecision string `json:"obs_precision"`

	AR           string        `json:"autoregressive"`
	AddPrecision string        `json:"add_precision"`
	Terms        []Term        `json:"terms"`
	Effect       *RandomEffect `json:"random_effect,omitempty"`

	// Missing is ordered by column name.
	Missing []Imputation `json:"missing,omitempty"`

	Priors map[string]Prior `json:"priors"`
}

// Coefficients returns the autoregressive coefficient followed by the
// covariate coefficients in term order.
func (s *Spec) Coefficients() []string {
	names := []string{s.AR}
	for _, t := range s.Terms {
		names = append(names, t.Coef)
	}
	return names
}

// Precisions returns the observation, process and random-effect precisions.
func (s *Spec) Precisions() []string {
	names := []string{s.ObsPrecision, s.AddPrecision}
	if s.Effect != nil {
		names = append(names, s.Effect.Precision)
	}
	return names
}

// ImputationParams returns the mean and precision names of every imputation.
func (s *Spec) ImputationParams() []string {
	var names []string
	for _, m := range s.Missing {
		names = append(names, m.Mean, m.Precision)
	}
	return names
}

// Scalars returns every scalar parameter in canonical order.
func (s *Spec) Scalars() []string {
	names := s.Coefficients()
	names = append(names, s.Precisions()...)
	return append(names, s.ImputationParams()...)
}

// Vectors returns the per-timestep parameters: the latent state and, if
// declared, the random effect.
func (s *Spec) Vectors() []string {
	names := []string{s.State}
	if s.Effect != nil {
		names = append(names, s.Effect.Name)
	}
	return names
}

// DiagnosticParams are monitored by the short convergence run.
func (s *Spec) DiagnosticParams() []string {
	return append(s.Coefficients(), s.Precisions()...)
}

// ProductionParams are monitored by the long run whose draws are plotted.
func (s *Spec) ProductionParams() []string {
	return append(s.DiagnosticParams(), s.Vectors()...)
}

// Imputed returns the imputation for a column, or nil.
func (s *Spec) Imputed(column string) *Imputation {
	for i := range s.Missing {
		if s.Missing[i].Column == column {
			return &s.Missing[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *Spec) Clone() *Spec {
	cp := *s
	cp.Terms = append([]Term(nil), s.Terms...)
	cp.Missing = append([]Imputation(nil), s.Missing...)
	if s.Effect != nil {
		e := *s.Effect
		cp.Effect = &e
	}
	cp.Priors = make(map[string]Prior, len(s.Priors))
	for k, v := range s.Priors {
		cp.Priors[k] = v
	}
	return &cp
}

// Hyper is the hyperparameter bundle shared by every site.
type Hyper struct {
	XIC   float64    `yaml:"x_ic" json:"x_ic"`
	TauIC float64    `yaml:"tau_ic" json:"tau_ic"`
	Obs   GammaPrior `yaml:"tau_obs" json:"tau_obs"`
	Add   GammaPrior `yaml:"tau_add" json:"tau_add"`

	// Effect is the prior of the random-effect precision.
	Effect GammaPrior `yaml:"tau_alpha" json:"tau_alpha"`

	// CoefPrecision is the precision of the zero-mean normal prior on every
	// regression and autoregressive coefficient.
	CoefPrecision float64 `yaml:"coef_precision" json:"coef_precision"`
}

// GammaPrior holds a shape/rate pair.
type GammaPrior struct {
	Shape float64 `yaml:"shape" json:"shape"`
	Rate  float64 `yaml:"rate" json:"rate"`
}

// DefaultHyper matches the constants declared in dlm.cue.
func DefaultHyper() Hyper {
	return Hyper{
		XIC:           0,
		TauIC:         0.01,
		Obs:           GammaPrior{Shape: 0.1, Rate: 0.1},
		Add:           GammaPrior{Shape: 0.1, Rate: 0.1},
		Effect:        GammaPrior{Shape: 0.1, Rate: 0.1},
		CoefPrecision: 0.01,
	}
}

// WithHyper returns a copy of s whose initial state and core priors come from h.
func (s *Spec) WithHyper(h Hyper) *Spec {
	cp := s.Clone()
	cp.Initial = Prior{Dist: DistNormal, Mean: h.XIC, Precision: h.TauIC}
	cp.Priors[cp.ObsPrecision] = Prior{Dist: DistGamma, Shape: h.Obs.Shape, Rate: h.Obs.Rate}
	cp.Priors[cp.AddPrecision] = Prior{Dist: DistGamma, Shape: h.Add.Shape, Rate: h.Add.Rate}
	if cp.Effect != nil {
		cp.Priors[cp.Effect.Precision] = Prior{Dist: DistGamma, Shape: h.Effect.Shape, Rate: h.Effect.Rate}
	}
	for _, c := range cp.Coefficients() {
		cp.Priors[c] = Prior{Dist: DistNormal, Mean: 0, Precision: h.CoefPrecision}
	}
	return cp
}
