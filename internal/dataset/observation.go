package dataset

import (
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Observation is one site-month record. Missing numeric fields are NaN.
type Observation struct {
	Site        string  `json:"site"`
	YearMonth   string  `json:"year_month"`
	Ratio       float64 `json:"ratio"`
	TMin        float64 `json:"tmin"`
	Precip      float64 `json:"precip"`
	PH          float64 `json:"ph"`
	LitterDepth float64 `json:"litter_depth"`
}

// HasRatio reports whether the response was measured for this month.
func (o Observation) HasRatio() bool {
	return !math.IsNaN(o.Ratio)
}

// Table holds every observation in file order.
type Table struct {
	rows []Observation
}

// NewTable wraps rows. Site identifiers are normalized; the slice is copied.
func NewTable(rows []Observation) *Table {
	cp := make([]Observation, len(rows))
	for i, r := range rows {
		r.Site = NormalizeSite(r.Site)
		cp[i] = r
	}
	return &Table{rows: cp}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Rows returns a copy of all rows.
func (t *Table) Rows() []Observation {
	cp := make([]Observation, len(t.rows))
	copy(cp, t.rows)
	return cp
}

// Sites returns site identifiers in order of first appearance.
func (t *Table) Sites() []string {
	seen := make(map[string]bool)
	var sites []string
	for _, r := range t.rows {
		if !seen[r.Site] {
			seen[r.Site] = true
			sites = append(sites, r.Site)
		}
	}
	return sites
}

// Site returns the rows for one site in table order.
// Returns ErrUnknownSite if the site has no rows.
func (t *Table) Site(id string) (*SiteDataset, error) {
	id = NormalizeSite(id)
	var rows []Observation
	for _, r := range t.rows {
		if r.Site == id {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 {
		return nil, &SiteError{Site: id, Err: ErrUnknownSite}
	}
	return &SiteDataset{ID: id, Rows: rows}, nil
}

// SiteDataset is the subset of the table for one site.
type SiteDataset struct {
	ID   string
	Rows []Observation
}

// Len returns the number of timesteps.
func (s *SiteDataset) Len() int {
	return len(s.Rows)
}

// Observed returns the number of months with a measured ratio.
func (s *SiteDataset) Observed() int {
	n := 0
	for _, r := range s.Rows {
		if r.HasRatio() {
			n++
		}
	}
	return n
}

// NormalizeSite trims and NFC-normalizes a site identifier so that ids typed
// on the command line match ids read from files.
func NormalizeSite(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}
