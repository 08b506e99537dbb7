package plot

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoey-rw/SOaP/internal/summary"
)

func panel(site string, n int) Panel {
	points := make([]summary.Point, n)
	for i := range points {
		obs := 2.0 + 0.1*float64(i)
		if i%3 == 1 {
			obs = math.NaN()
		}
		points[i] = summary.Point{
			Time:     time.Date(2019, time.Month(1+i), 1, 0, 0, 0, 0, time.UTC),
			Low:      1.5,
			Median:   2,
			High:     2.6,
			Observed: obs,
		}
	}
	return Panel{Site: site, Points: points}
}

func TestSaveSite(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"harv.png", "nested/harv.svg"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, SaveSite(path, panel("HARV", 12), DefaultWidth, DefaultHeight))
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Greater(t, info.Size(), int64(0))
		})
	}
}

func TestSaveSite_Errors(t *testing.T) {
	dir := t.TempDir()

	err := SaveSite(filepath.Join(dir, "harv.gif"), panel("HARV", 3), DefaultWidth, DefaultHeight)
	assert.ErrorIs(t, err, ErrFormat)

	err = SaveSite(filepath.Join(dir, "empty.png"), Panel{Site: "EMPTY"}, DefaultWidth, DefaultHeight)
	assert.Error(t, err)
}

func TestSite_AllObservationsMissing(t *testing.T) {
	p := panel("OSBS", 4)
	for i := range p.Points {
		p.Points[i].Observed = math.NaN()
	}
	_, err := Site(p)
	assert.NoError(t, err)
}

func TestStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all.png")
	panels := []Panel{panel("HARV", 12), panel("OSBS", 5), panel("CPER", 1)}

	require.NoError(t, Stack(path, panels, DefaultWidth, DefaultHeight))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.Error(t, Stack(path, nil, DefaultWidth, DefaultHeight))
}

func TestMonthTicks(t *testing.T) {
	jan := float64(time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	apr := float64(time.Date(2019, 4, 1, 0, 0, 0, 0, time.UTC).Unix())

	ticks := MonthTicks(jan-3600, apr+3600)
	require.Len(t, ticks, 4)
	assert.Equal(t, jan, ticks[0].Value)
	assert.Equal(t, "2019-01", ticks[0].Label)
	assert.Equal(t, "2019-04", ticks[3].Label)
}

func TestMonthTicks_ThinsLabels(t *testing.T) {
	start := float64(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	end := float64(time.Date(2019, 12, 1, 0, 0, 0, 0, time.UTC).Unix())

	ticks := MonthTicks(start, end)
	require.Len(t, ticks, 60)
	labelled := 0
	for _, tk := range ticks {
		if !tk.IsMinor() {
			labelled++
		}
	}
	assert.LessOrEqual(t, labelled, maxLabels)
	assert.Equal(t, "2015-01", ticks[0].Label)
}
