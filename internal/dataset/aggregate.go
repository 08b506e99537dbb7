package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"time"
)

// Aggregator builds the site-month table from raw records.
//
// Samples holds one row per soil sample: site_id, date, ratio, ph,
// litter_depth. Climate holds one row per site-day: site_id, date, tmin,
// precip. Dates are YYYY-MM-DD.
//
// Every month between a site's first and last sample becomes a row, so months
// without samples appear with a missing ratio rather than being skipped. Each
// value is the mean of the non-missing raw values for that month.
type Aggregator struct {
	SamplesPath string
	ClimatePath string
}

// Build implements Builder.
func (a *Aggregator) Build(ctx context.Context, path string) error {
	t, err := a.Aggregate(ctx)
	if err != nil {
		return err
	}
	if err := WriteFile(path, t); err != nil {
		return err
	}
	slog.Info("dataset built", "path", path, "rows", t.Len(), "sites", len(t.Sites()))
	return nil
}

// Aggregate reads both raw files and returns the site-month table.
func (a *Aggregator) Aggregate(ctx context.Context) (*Table, error) {
	samples, err := readRecords(a.SamplesPath, []string{ColSite, "date", ColRatio, ColPH, ColLitter})
	if err != nil {
		return nil, fmt.Errorf("samples: %w", err)
	}
	climate, err := readRecords(a.ClimatePath, []string{ColSite, "date", ColTMin, ColPrecip})
	if err != nil {
		return nil, fmt.Errorf("climate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	months := newMonthIndex()
	for i, rec := range samples {
		if err := months.add(rec, i+2, a.SamplesPath, true, ColRatio, ColPH, ColLitter); err != nil {
			return nil, err
		}
	}
	for i, rec := range climate {
		if err := months.add(rec, i+2, a.ClimatePath, false, ColTMin, ColPrecip); err != nil {
			return nil, err
		}
	}
	return months.table(), nil
}

type monthKey struct {
	site  string
	month time.Time
}

type meanAcc struct {
	sum   float64
	count int
}

func (m meanAcc) value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

type span struct {
	first, last time.Time
}

type monthIndex struct {
	values map[monthKey]map[string]*meanAcc
	spans  map[string]*span
	order  []string
}

func newMonthIndex() *monthIndex {
	return &monthIndex{
		values: make(map[monthKey]map[string]*meanAcc),
		spans:  make(map[string]*span),
	}
}

// add accumulates one raw record. Only sample records extend a site's span.
func (m *monthIndex) add(rec map[string]string, line int, path string, sample bool, cols ...string) error {
	site := NormalizeSite(rec[ColSite])
	day, err := time.Parse("2006-01-02", strings.TrimSpace(rec["date"]))
	if err != nil {
		return &ParseError{Path: path, Line: line, Column: "date", Err: err}
	}
	month := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)

	if sample {
		sp, ok := m.spans[site]
		if !ok {
			m.spans[site] = &span{first: month, last: month}
			m.order = append(m.order, site)
		} else {
			if month.Before(sp.first) {
				sp.first = month
			}
			if month.After(sp.last) {
				sp.last = month
			}
		}
	}

	key := monthKey{site: site, month: month}
	accs, ok := m.values[key]
	if !ok {
		accs = make(map[string]*meanAcc)
		m.values[key] = accs
	}
	for _, c := range cols {
		v, err := ParseValue(rec[c])
		if err != nil {
			return &ParseError{Path: path, Line: line, Column: c, Err: err}
		}
		if math.IsNaN(v) {
			continue
		}
		acc, ok := accs[c]
		if !ok {
			acc = &meanAcc{}
			accs[c] = acc
		}
		acc.sum += v
		acc.count++
	}
	return nil
}

func (m *monthIndex) mean(key monthKey, col string) float64 {
	accs, ok := m.values[key]
	if !ok {
		return math.NaN()
	}
	acc, ok := accs[col]
	if !ok {
		return math.NaN()
	}
	return acc.value()
}

func (m *monthIndex) table() *Table {
	var rows []Observation
	for _, site := range m.order {
		sp := m.spans[site]
		for month := sp.first; !month.After(sp.last); month = month.AddDate(0, 1, 0) {
			key := monthKey{site: site, month: month}
			rows = append(rows, Observation{
				Site:        site,
				YearMonth:   month.Format("2006-01"),
				Ratio:       m.mean(key, ColRatio),
				TMin:        m.mean(key, ColTMin),
				Precip:      m.mean(key, ColPrecip),
				PH:          m.mean(key, ColPH),
				LitterDepth: m.mean(key, ColLitter),
			})
		}
	}
	return NewTable(rows)
}

// readRecords reads a CSV file into header-keyed records.
func readRecords(path string, required []string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	for i := range header {
		header[i] = canonicalColumn(header[i])
	}
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, c := range required {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%s: missing columns %s", path, strings.Join(missing, ", "))
	}

	var out []map[string]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		m := make(map[string]string, len(header))
		for i, h := range header {
			m[h] = rec[i]
		}
		out = append(out, m)
	}
	return out, nil
}
