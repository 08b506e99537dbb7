// Package config holds the settings shared by every site in a batch: the
// hyperparameter bundle, sampler settings, iteration counts and file paths.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zoey-rw/SOaP/internal/model"
)

// Convergence policies.
const (
	// PolicyStrict fails a site that has not converged after extension.
	PolicyStrict = "strict"
	// PolicyAdvisory reports non-convergence and keeps going.
	PolicyAdvisory = "advisory"
)

// DefaultSites are the five research sites of the batch.
var DefaultSites = []string{"HARV", "OSBS", "CPER", "DSNY", "STER"}

// Config is the top-level configuration file.
type Config struct {
	Sites       []string    `yaml:"sites"`
	Hyper       model.Hyper `yaml:"hyper"`
	Sampler     Sampler     `yaml:"sampler"`
	Iterations  Iterations  `yaml:"iterations"`
	Convergence Convergence `yaml:"convergence"`
	Paths       Paths       `yaml:"paths"`
}

// Sampler configures the MCMC sessions.
type Sampler struct {
	Chains int    `yaml:"chains"`
	Burnin int    `yaml:"burnin"`
	Thin   int    `yaml:"thin"`
	Seed   uint64 `yaml:"seed"`
}

// Iterations sets how long each site is sampled.
type Iterations struct {
	// Diagnostic is the length of the first, short run.
	Diagnostic int `yaml:"diagnostic"`

	// Base is the production length for a site with at least Reference
	// observed timesteps. Sparser sites are scaled up.
	Base      int `yaml:"base"`
	Reference int `yaml:"reference"`
	Max       int `yaml:"max"`

	// Sites overrides the scaled count per site.
	Sites map[string]int `yaml:"sites,omitempty"`
}

// Convergence configures the potential scale reduction check.
type Convergence struct {
	Threshold float64 `yaml:"threshold"`
	Policy    string  `yaml:"policy"`
	// Extend doubles the diagnostic run while not converged, up to
	// Iterations.Max.
	Extend bool `yaml:"extend"`
}

// Paths locate inputs and outputs. Relative paths are resolved against the
// directory of the config file.
type Paths struct {
	Dataset string `yaml:"dataset"`
	Samples string `yaml:"samples"`
	Climate string `yaml:"climate"`
	Model   string `yaml:"model,omitempty"`
	Plots   string `yaml:"plots"`
	Stack   string `yaml:"stack,omitempty"`
	DB      string `yaml:"db,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sites: append([]string(nil), DefaultSites...),
		Hyper: model.DefaultHyper(),
		Sampler: Sampler{
			Chains: 3,
			Burnin: 1000,
			Thin:   10,
			Seed:   1,
		},
		Iterations: Iterations{
			Diagnostic: 5000,
			Base:       30000,
			Reference:  24,
			Max:        100000,
		},
		Convergence: Convergence{
			Threshold: 1.1,
			Policy:    PolicyStrict,
			Extend:    true,
		},
		Paths: Paths{
			Dataset: "data/site_month.csv",
			Samples: "data/raw/samples.csv",
			Climate: "data/raw/climate.csv",
			Plots:   "plots",
			Stack:   "plots/all_sites.png",
		},
	}
}

// ProductionIterations returns the production run length for a site with
// the given number of observed timesteps. A per-site override wins;
// otherwise Base is multiplied by ceil(Reference/observed) and clamped to
// Max. A site without observations gets Max.
func (c *Config) ProductionIterations(site string, observed int) int {
	it := c.Iterations
	if n, ok := it.Sites[site]; ok {
		return n
	}
	if observed <= 0 {
		return it.Max
	}
	factor := 1
	if observed < it.Reference {
		factor = int(math.Ceil(float64(it.Reference) / float64(observed)))
	}
	n := it.Base * factor
	if it.Max > 0 && n > it.Max {
		n = it.Max
	}
	return n
}

// FieldError is one invalid setting.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Error carries every problem found by Validate.
type Error struct {
	Path   string
	Errors []FieldError
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	where := "config"
	if e.Path != "" {
		where = e.Path
	}
	return fmt.Sprintf("%s: %s", where, strings.Join(msgs, "; "))
}

// Validate returns every invalid setting.
func (c *Config) Validate() []FieldError {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(c.Sites) == 0 {
		add("sites", "at least one site is required")
	}
	seen := make(map[string]bool)
	for i, s := range c.Sites {
		if strings.TrimSpace(s) == "" {
			add(fmt.Sprintf("sites[%d]", i), "empty site id")
		}
		if seen[s] {
			add(fmt.Sprintf("sites[%d]", i), "duplicate site %q", s)
		}
		seen[s] = true
	}

	h := c.Hyper
	if !(h.TauIC > 0) {
		add("hyper.tau_ic", "must be positive, got %g", h.TauIC)
	}
	if !(h.CoefPrecision > 0) {
		add("hyper.coef_precision", "must be positive, got %g", h.CoefPrecision)
	}
	for field, g := range map[string]model.GammaPrior{
		"hyper.tau_obs":   h.Obs,
		"hyper.tau_add":   h.Add,
		"hyper.tau_alpha": h.Effect,
	} {
		if !(g.Shape > 0) || !(g.Rate > 0) {
			add(field, "gamma shape and rate must be positive, got (%g, %g)", g.Shape, g.Rate)
		}
	}

	if c.Sampler.Chains < 2 {
		add("sampler.chains", "at least 2 chains are needed for convergence checks, got %d", c.Sampler.Chains)
	}
	if c.Sampler.Burnin < 0 {
		add("sampler.burnin", "must not be negative")
	}
	if c.Sampler.Thin < 1 {
		add("sampler.thin", "must be at least 1, got %d", c.Sampler.Thin)
	}

	it := c.Iterations
	if it.Diagnostic < 1 {
		add("iterations.diagnostic", "must be positive")
	}
	if it.Base < 1 {
		add("iterations.base", "must be positive")
	}
	if it.Reference < 1 {
		add("iterations.reference", "must be positive")
	}
	if it.Max < it.Base || it.Max < it.Diagnostic {
		add("iterations.max", "must be at least base and diagnostic, got %d", it.Max)
	}
	for site, n := range it.Sites {
		if n < 1 {
			add("iterations.sites."+site, "must be positive, got %d", n)
		}
	}

	if !(c.Convergence.Threshold > 1) {
		add("convergence.threshold", "must be greater than 1, got %g", c.Convergence.Threshold)
	}
	switch c.Convergence.Policy {
	case PolicyStrict, PolicyAdvisory:
	default:
		add("convergence.policy", "must be %q or %q, got %q", PolicyStrict, PolicyAdvisory, c.Convergence.Policy)
	}

	if c.Paths.Dataset == "" {
		add("paths.dataset", "is required")
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// Load reads a YAML file on top of Default. Unknown fields are rejected so
// typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &Error{Path: path, Errors: errs}
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

func (c *Config) resolve(base string) {
	for _, p := range []*string{
		&c.Paths.Dataset, &c.Paths.Samples, &c.Paths.Climate,
		&c.Paths.Model, &c.Paths.Plots, &c.Paths.Stack, &c.Paths.DB,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}
