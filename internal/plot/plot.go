// Package plot renders posterior envelopes: a shaded 95 % band, the median
// line and the observed ratios, one panel per site.
package plot

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/zoey-rw/SOaP/internal/summary"
)

// Default panel size.
const (
	DefaultWidth  = 8 * vg.Inch
	DefaultHeight = 3 * vg.Inch
)

// MonthFormat labels the time axis.
const MonthFormat = "2006-01"

// maxLabels bounds labelled month ticks; months in between get minor ticks.
const maxLabels = 18

var (
	bandColor   = color.NRGBA{R: 70, G: 130, B: 180, A: 90}
	medianColor = color.NRGBA{R: 25, G: 60, B: 120, A: 255}
	obsColor    = color.NRGBA{R: 200, G: 40, B: 40, A: 255}
)

// ErrFormat is returned for output files that are neither .png nor .svg.
var ErrFormat = errors.New("unsupported plot format")

// Panel is one site's envelope.
type Panel struct {
	Site   string
	Points []summary.Point
}

// Site builds the plot of one site.
func Site(p Panel) (*plot.Plot, error) {
	if len(p.Points) == 0 {
		return nil, fmt.Errorf("site %q: nothing to plot", p.Site)
	}

	plt := plot.New()
	plt.Title.Text = p.Site
	plt.X.Label.Text = "Month"
	plt.Y.Label.Text = "Ratio"
	plt.X.Tick.Marker = plot.TimeTicks{Ticker: plot.TickerFunc(MonthTicks), Format: MonthFormat}
	plt.Add(plotter.NewGrid())

	n := len(p.Points)
	ring := make(plotter.XYs, 0, 2*n)
	median := make(plotter.XYs, n)
	for i, pt := range p.Points {
		x := unix(pt.Time)
		ring = append(ring, plotter.XY{X: x, Y: pt.High})
		median[i] = plotter.XY{X: x, Y: pt.Median}
	}
	for i := n - 1; i >= 0; i-- {
		ring = append(ring, plotter.XY{X: unix(p.Points[i].Time), Y: p.Points[i].Low})
	}

	band, err := plotter.NewPolygon(ring)
	if err != nil {
		return nil, fmt.Errorf("site %q: interval band: %w", p.Site, err)
	}
	band.Color = bandColor
	band.LineStyle.Width = 0

	line, err := plotter.NewLine(median)
	if err != nil {
		return nil, fmt.Errorf("site %q: median line: %w", p.Site, err)
	}
	line.Color = medianColor
	line.Width = vg.Points(1.5)

	plt.Add(band, line)
	plt.Legend.Add("95% interval", band)
	plt.Legend.Add("median", line)

	var obs plotter.XYs
	for _, pt := range p.Points {
		if math.IsNaN(pt.Observed) {
			continue
		}
		obs = append(obs, plotter.XY{X: unix(pt.Time), Y: pt.Observed})
	}
	if len(obs) > 0 {
		sc, err := plotter.NewScatter(obs)
		if err != nil {
			return nil, fmt.Errorf("site %q: observations: %w", p.Site, err)
		}
		sc.GlyphStyle.Color = obsColor
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(2.5)
		plt.Add(sc)
		plt.Legend.Add("observed", sc)
	}
	plt.Legend.Top = true
	return plt, nil
}

// SaveSite writes one site's plot. The format follows the file extension.
func SaveSite(path string, p Panel, w, h vg.Length) error {
	if _, err := format(path); err != nil {
		return err
	}
	plt, err := Site(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return plt.Save(w, h, path)
}

// Stack lays panels out top to bottom in one file, with the axes aligned
// and tight padding between panels.
func Stack(path string, panels []Panel, w, panelHeight vg.Length) error {
	if len(panels) == 0 {
		return fmt.Errorf("no panels to stack")
	}
	ext, err := format(path)
	if err != nil {
		return err
	}

	plots := make([][]*plot.Plot, len(panels))
	for i, p := range panels {
		plt, err := Site(p)
		if err != nil {
			return err
		}
		plots[i] = []*plot.Plot{plt}
	}

	h := panelHeight * vg.Length(len(panels))
	img, err := draw.NewFormattedCanvas(w, h, ext)
	if err != nil {
		return err
	}
	tiles := draw.Tiles{
		Rows:      len(panels),
		Cols:      1,
		PadTop:    vg.Points(4),
		PadBottom: vg.Points(4),
		PadLeft:   vg.Points(4),
		PadRight:  vg.Points(4),
		PadY:      vg.Points(2),
	}
	canvases := plot.Align(plots, tiles, draw.New(img))
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := img.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// MonthTicks places a tick on the first of every month in [min, max], given
// as Unix seconds. When there are many months only every k-th is labelled.
func MonthTicks(min, max float64) []plot.Tick {
	start := time.Unix(int64(math.Ceil(min)), 0).UTC()
	end := time.Unix(int64(math.Floor(max)), 0).UTC()

	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	if first.Before(start) {
		first = first.AddDate(0, 1, 0)
	}

	var months []time.Time
	for m := first; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	step := 1
	if len(months) > maxLabels {
		step = (len(months) + maxLabels - 1) / maxLabels
	}

	ticks := make([]plot.Tick, len(months))
	for i, m := range months {
		ticks[i] = plot.Tick{Value: unix(m)}
		if i%step == 0 {
			// any non-empty label; TimeTicks replaces it with the formatted time
			ticks[i].Label = m.Format(MonthFormat)
		}
	}
	return ticks
}

func unix(t time.Time) float64 {
	return float64(t.Unix())
}

func format(path string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "png", "svg":
		return ext, nil
	default:
		return "", fmt.Errorf("%w %q: use .png or .svg", ErrFormat, filepath.Ext(path))
	}
}
