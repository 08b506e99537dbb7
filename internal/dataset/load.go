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
	"path/filepath"
	"strconv"
	"strings"
)

// Column names of the site-month table. Aliases let tables exported by other
// tools load without renaming.
const (
	ColSite   = "site_id"
	ColMonth  = "year_month"
	ColRatio  = "ratio"
	ColTMin   = "tmin"
	ColPrecip = "precip"
	ColPH     = "ph"
	ColLitter = "litter_depth"
)

var columnAliases = map[string]string{
	"siteid":        ColSite,
	"site":          ColSite,
	"dateid":        ColMonth,
	"month":         ColMonth,
	"tmin_avg":      ColTMin,
	"precip_avg":    ColPrecip,
	"soilinwaterph": ColPH,
	"litterdepth":   ColLitter,
}

var requiredColumns = []string{ColSite, ColMonth, ColRatio, ColTMin, ColPrecip, ColPH, ColLitter}

// Builder produces the table file when it is missing.
type Builder interface {
	Build(ctx context.Context, path string) error
}

// LoadOrBuild loads the table at path, running b first if the file does not
// exist. Builder failures are wrapped with ErrSetup. A nil builder turns a
// missing file into ErrNotFound.
func LoadOrBuild(ctx context.Context, path string, b Builder) (*Table, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if b == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		slog.Info("dataset missing, building", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetup, err)
		}
		if err := b.Build(ctx, path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSetup, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat dataset: %w", err)
	}
	return Load(path)
}

// Load reads a site-month table from a CSV file.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	return Read(f, path)
}

// Read parses a site-month table. name is used in error messages only.
func Read(r io.Reader, name string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: empty file", name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}

	idx := make(map[string]int)
	for i, h := range header {
		idx[canonicalColumn(h)] = i
	}
	var missing []string
	for _, c := range requiredColumns {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: missing columns %s", name, strings.Join(missing, ", "))
	}

	var rows []Observation
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%s: read row %d: %w", name, line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("%s: row %d: expected %d columns, got %d", name, line, len(header), len(rec))
		}

		obs := Observation{
			Site:      rec[idx[ColSite]],
			YearMonth: strings.TrimSpace(rec[idx[ColMonth]]),
		}
		fields := []struct {
			col string
			dst *float64
		}{
			{ColRatio, &obs.Ratio},
			{ColTMin, &obs.TMin},
			{ColPrecip, &obs.Precip},
			{ColPH, &obs.PH},
			{ColLitter, &obs.LitterDepth},
		}
		for _, fld := range fields {
			v, err := ParseValue(rec[idx[fld.col]])
			if err != nil {
				return nil, &ParseError{Path: name, Line: line, Column: fld.col, Err: err}
			}
			*fld.dst = v
		}
		rows = append(rows, obs)
	}

	slog.Debug("dataset loaded", "path", name, "rows", len(rows))
	return NewTable(rows), nil
}

// Write stores a table as CSV with canonical column names. NaN is written as NA.
func Write(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(requiredColumns); err != nil {
		return err
	}
	for _, r := range t.rows {
		rec := []string{
			r.Site,
			r.YearMonth,
			FormatValue(r.Ratio),
			FormatValue(r.TMin),
			FormatValue(r.Precip),
			FormatValue(r.PH),
			FormatValue(r.LitterDepth),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes a table to path.
func WriteFile(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	if err := Write(f, t); err != nil {
		f.Close()
		return fmt.Errorf("write dataset: %w", err)
	}
	return f.Close()
}

// ParseValue parses a numeric cell. Empty, NA and NaN cells are NaN.
// Infinite values, spelled out or overflowing, are ErrNotFinite.
func ParseValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "NA", "NAN":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q: %w", s, ErrNotFinite)
	}
	return v, err
}

// FormatValue formats a numeric cell; NaN becomes NA.
func FormatValue(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func canonicalColumn(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if c, ok := columnAliases[h]; ok {
		return c
	}
	return h
}
