package scenario

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zoey-rw/SOaP/internal/config"
	"github.com/zoey-rw/SOaP/internal/dataset"
	"github.com/zoey-rw/SOaP/internal/design"
)

// Scenario is one end-to-end check.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Config is decoded over config.Default. Paths are ignored.
	Config yaml.Node `yaml:"config,omitempty"`

	// Model is an optional CUE file, relative to the scenario file. Empty
	// uses the bundled model.
	Model string `yaml:"model,omitempty"`

	Sites      []Site      `yaml:"sites"`
	Run        []string    `yaml:"run"`
	Assertions []Assertion `yaml:"assertions"`
}

// Site is a synthetic monthly series. Every non-empty column must have the
// same length as Ratio.
type Site struct {
	ID string `yaml:"id"`

	// Start is the first month, YYYY-MM.
	Start string `yaml:"start"`

	Ratio  []*float64 `yaml:"ratio"`
	TMin   []*float64 `yaml:"tmin,omitempty"`
	Precip []*float64 `yaml:"precip,omitempty"`
	PH     []*float64 `yaml:"ph,omitempty"`
	Litter []*float64 `yaml:"litter_depth,omitempty"`
}

// Covariate values used when a column is omitted.
const (
	defaultTMin   = 5
	defaultPrecip = 50
	defaultPH     = 6
	defaultLitter = 2
)

// Assertion checks one fact about the outcome of a site.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`
	Site string `yaml:"site"`

	// Than names the site compared against (wider).
	Than string `yaml:"than,omitempty"`

	// Count is the expected observed timesteps or production iterations.
	Count int `yaml:"count,omitempty"`

	// Value and Tolerance are on the ratio scale.
	Value     *float64 `yaml:"value,omitempty"`
	Tolerance float64  `yaml:"tolerance,omitempty"`

	// Contains is a substring of the site error (failed).
	Contains string `yaml:"contains,omitempty"`
}

// Assertion types.
const (
	AssertFinished             = "finished"
	AssertFailed               = "failed"
	AssertObserved             = "observed"
	AssertProductionIterations = "production_iterations"
	AssertMedianWithin         = "median_within"
	AssertCovers               = "covers"
	AssertWider                = "wider"
)

// Load reads and validates a scenario file. A relative Model path is
// resolved against the file's directory.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
	}
	if s.Model != "" && !filepath.IsAbs(s.Model) {
		s.Model = filepath.Join(filepath.Dir(path), s.Model)
	}
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("%s: invalid scenario: %w", path, err)
	}
	return &s, nil
}

// LoadDir loads every *.yaml and *.yml file of dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*Scenario
	for _, name := range names {
		s, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", dir)
	}
	return out, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Sites) == 0 {
		return fmt.Errorf("sites list is required and must be non-empty")
	}
	if len(s.Run) == 0 {
		return fmt.Errorf("run list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Model != "" {
		if _, err := os.Stat(s.Model); err != nil {
			return fmt.Errorf("model file not found: %s", s.Model)
		}
	}

	for i, site := range s.Sites {
		if err := validateSite(site); err != nil {
			return fmt.Errorf("sites[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateSite(s Site) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := design.ParseYearMonth(s.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if len(s.Ratio) == 0 {
		return fmt.Errorf("ratio is required and must be non-empty")
	}
	for name, col := range map[string][]*float64{
		"tmin": s.TMin, "precip": s.Precip, "ph": s.PH, "litter_depth": s.Litter,
	} {
		if len(col) != 0 && len(col) != len(s.Ratio) {
			return fmt.Errorf("%s has %d values, ratio has %d", name, len(col), len(s.Ratio))
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	if a.Site == "" {
		return fmt.Errorf("site is required")
	}
	switch a.Type {
	case AssertFinished, AssertFailed:
	case AssertObserved, AssertProductionIterations:
		if a.Count <= 0 {
			return fmt.Errorf("count must be positive for %s", a.Type)
		}
	case AssertMedianWithin:
		if a.Value == nil || a.Tolerance <= 0 {
			return fmt.Errorf("value and a positive tolerance are required for %s", a.Type)
		}
	case AssertCovers:
		if a.Value == nil {
			return fmt.Errorf("value is required for %s", a.Type)
		}
	case AssertWider:
		if a.Than == "" {
			return fmt.Errorf("than is required for %s", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// config returns the scenario configuration with paths cleared.
func (s *Scenario) config() (*config.Config, error) {
	var data []byte
	if !s.Config.IsZero() {
		var err error
		data, err = yaml.Marshal(&s.Config)
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &config.Error{Path: s.Name, Errors: errs}
	}
	cfg.Paths = config.Paths{}
	return cfg, nil
}

// Table builds the site-month table of every site in the scenario.
func (s *Scenario) Table() (*dataset.Table, error) {
	var rows []dataset.Observation
	for _, site := range s.Sites {
		start, err := design.ParseYearMonth(site.Start)
		if err != nil {
			return nil, err
		}
		for t, r := range site.Ratio {
			rows = append(rows, dataset.Observation{
				Site:        site.ID,
				YearMonth:   start.AddDate(0, t, 0).Format("2006-01"),
				Ratio:       value(r, math.NaN()),
				TMin:        column(site.TMin, t, defaultTMin),
				Precip:      column(site.Precip, t, defaultPrecip),
				PH:          column(site.PH, t, defaultPH),
				LitterDepth: column(site.Litter, t, defaultLitter),
			})
		}
	}
	return dataset.NewTable(rows), nil
}

func value(p *float64, missing float64) float64 {
	if p == nil {
		return missing
	}
	return *p
}

// column reads row t of an optional column. An omitted column is constant;
// a null entry is missing.
func column(col []*float64, t int, def float64) float64 {
	if len(col) == 0 {
		return def
	}
	return value(col[t], math.NaN())
}
