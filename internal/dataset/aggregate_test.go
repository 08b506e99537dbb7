package dataset

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestAggregator_MonthlyMeansAndGaps(t *testing.T) {
	dir := t.TempDir()
	samples := writeFile(t, dir, "samples.csv", `site_id,date,ratio,ph,litter_depth
HARV,2017-01-05,2.0,4.0,5.0
HARV,2017-01-20,4.0,4.2,NA
HARV,2017-03-11,1.0,4.4,6.0
`)
	climate := writeFile(t, dir, "climate.csv", `site_id,date,tmin,precip
HARV,2017-01-01,-10,2
HARV,2017-01-02,-6,4
HARV,2017-02-01,-3,1
HARV,2017-03-01,0,NA
HARV,2017-04-01,5,3
`)

	agg := &Aggregator{SamplesPath: samples, ClimatePath: climate}
	tbl, err := agg.Aggregate(context.Background())
	require.NoError(t, err)

	rows := tbl.Rows()
	require.Len(t, rows, 3, "span covers first to last sampled month")

	assert.Equal(t, "2017-01", rows[0].YearMonth)
	assert.InDelta(t, 3.0, rows[0].Ratio, 1e-12)
	assert.InDelta(t, -8.0, rows[0].TMin, 1e-12)
	assert.InDelta(t, 3.0, rows[0].Precip, 1e-12)
	assert.InDelta(t, 4.1, rows[0].PH, 1e-12)
	assert.InDelta(t, 5.0, rows[0].LitterDepth, 1e-12)

	assert.Equal(t, "2017-02", rows[1].YearMonth)
	assert.True(t, math.IsNaN(rows[1].Ratio), "unsampled month keeps a missing ratio")
	assert.InDelta(t, -3.0, rows[1].TMin, 1e-12)

	assert.Equal(t, "2017-03", rows[2].YearMonth)
	assert.True(t, math.IsNaN(rows[2].Precip))
}

func TestAggregator_BuildWritesTable(t *testing.T) {
	dir := t.TempDir()
	samples := writeFile(t, dir, "samples.csv", "site_id,date,ratio,ph,litter_depth\nA,2018-06-01,1.5,5,2\n")
	climate := writeFile(t, dir, "climate.csv", "site_id,date,tmin,precip\nA,2018-06-01,12,3\n")
	out := filepath.Join(dir, "table.csv")

	tbl, err := LoadOrBuild(context.Background(), out, &Aggregator{SamplesPath: samples, ClimatePath: climate})
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	assert.InDelta(t, 12.0, tbl.Rows()[0].TMin, 1e-12)
}

func TestAggregator_BadDate(t *testing.T) {
	dir := t.TempDir()
	samples := writeFile(t, dir, "samples.csv", "site_id,date,ratio,ph,litter_depth\nA,June 2018,1.5,5,2\n")
	climate := writeFile(t, dir, "climate.csv", "site_id,date,tmin,precip\n")

	_, err := (&Aggregator{SamplesPath: samples, ClimatePath: climate}).Aggregate(context.Background())
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "date", perr.Column)
}
