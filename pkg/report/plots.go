// PNG charts of a calibration run
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package report

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"gantry-twist-go/pkg/sampling"
)

var (
	colorPoints  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colorTrend   = color.RGBA{G: 128, A: 255}
	colorMean    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	colorFlagged = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	colorPath    = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

const um = 1000.0

// plotWidth and plotHeight size every saved chart.
var (
	plotWidth  = 10 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// WritePlots renders the PNG charts of snap into dir and returns the
// written paths. tag is appended to every file name.
func WritePlots(dir, tag string, snap *Snapshot, a *Analysis) ([]string, error) {
	type chart struct {
		name  string
		build func() (*plot.Plot, error)
	}
	title := "Beacon Delta Offset"
	if snap.Meta.Debug {
		title += " (DEBUG)"
	}
	charts := []chart{
		{"trend_x", func() (*plot.Plot, error) { return trendPlot(title, snap.Samples, a.TrendX, a.Columns) }},
		{"trend_y", func() (*plot.Plot, error) { return trendPlot(title, snap.Samples, a.TrendY, a.Rows) }},
		{"distribution", func() (*plot.Plot, error) { return histogramPlot(title, snap.Samples, a.Summary) }},
		{"sequence", func() (*plot.Plot, error) { return sequencePlot(title, a) }},
		{"pattern", func() (*plot.Plot, error) { return patternPlot(title, snap.Samples) }},
	}

	files := make([]string, 0, len(charts))
	for _, c := range charts {
		p, err := c.build()
		if err != nil {
			return files, fmt.Errorf("%s plot: %w", c.name, err)
		}
		file := filepath.Join(dir, fmt.Sprintf("%s%s.png", c.name, tag))
		if err := p.Save(plotWidth, plotHeight, file); err != nil {
			return files, fmt.Errorf("failed to save %s: %w", file, err)
		}
		files = append(files, file)
	}
	return files, nil
}

func newPlot(title, sub, xLabel, yLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title + " - " + sub
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

// trendPlot draws delta against one axis with the fitted trend and the
// flagged positions.
func trendPlot(title string, samples []sampling.Sample, t Trend, groups []Spread) (*plot.Plot, error) {
	axis := "X"
	pos := func(s sampling.Sample) float64 { return s.X }
	if t.Axis == "y" {
		axis = "Y"
		pos = func(s sampling.Sample) float64 { return s.Y }
	}
	p := newPlot(title, axis+"-Axis Trend", axis+" Position (mm)", "Delta (µm)")

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: pos(s), Y: s.Delta * um}
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	sc.GlyphStyle.Color = colorPoints
	sc.GlyphStyle.Radius = vg.Points(3)
	p.Add(sc)

	var flagged plotter.XYs
	for _, g := range groups {
		if g.Flagged {
			flagged = append(flagged, plotter.XY{X: g.Position, Y: g.Max * um})
		}
	}
	if len(flagged) > 0 {
		fl, err := plotter.NewScatter(flagged)
		if err != nil {
			return nil, err
		}
		fl.GlyphStyle.Color = colorFlagged
		fl.GlyphStyle.Shape = draw.TriangleGlyph{}
		fl.GlyphStyle.Radius = vg.Points(5)
		p.Add(fl)
		p.Legend.Add(fmt.Sprintf("%d/%d positions > %.0f µm", len(flagged), len(groups), SpreadThreshold*um), fl)
	}

	if t.Significant && len(groups) > 0 {
		lo, hi := groups[0].Position, groups[len(groups)-1].Position
		line, err := plotter.NewLine(plotter.XYs{{X: lo, Y: t.At(lo) * um}, {X: hi, Y: t.At(hi) * um}})
		if err != nil {
			return nil, err
		}
		line.Color = colorTrend
		line.Width = vg.Points(2)
		line.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("Trend (r=%.3f)", t.R), line)
	}
	return p, nil
}

func histogramPlot(title string, samples []sampling.Sample, s Summary) (*plot.Plot, error) {
	p := newPlot(title, "Delta Distribution", "Delta (µm)", "Frequency")
	values := make(plotter.Values, len(samples))
	for i, smp := range samples {
		values[i] = smp.Delta * um
	}
	bins := min(20, len(values)/2+1)
	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return nil, err
	}
	h.FillColor = colorPoints
	p.Add(h)

	mean, err := plotter.NewLine(plotter.XYs{{X: s.Mean * um, Y: 0}, {X: s.Mean * um, Y: float64(len(values))}})
	if err != nil {
		return nil, err
	}
	mean.Color = colorMean
	mean.Width = vg.Points(2)
	mean.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
	p.Add(mean)
	p.Legend.Add(fmt.Sprintf("Mean: %.1fµm", s.Mean*um), mean)
	return p, nil
}

// sequencePlot draws deltas in measurement order, one line per pass.
func sequencePlot(title string, a *Analysis) (*plot.Plot, error) {
	p := newPlot(title, "Measurement Sequence", "Measurement Order", "Delta (µm)")
	var pass plotter.XYs
	group := -1
	flush := func() error {
		if len(pass) == 0 {
			return nil
		}
		l, err := plotter.NewLine(pass)
		if err != nil {
			return err
		}
		l.Color = palette(group)
		l.Width = vg.Points(1.5)
		p.Add(l)
		pass = nil
		return nil
	}
	for _, sp := range a.Sequence {
		if sp.Group != group {
			if err := flush(); err != nil {
				return nil, err
			}
			group = sp.Group
		}
		pass = append(pass, plotter.XY{X: float64(sp.Order), Y: sp.Delta * um})
	}
	if err := flush(); err != nil {
		return nil, err
	}

	n := float64(len(a.Sequence))
	mean, err := plotter.NewLine(plotter.XYs{{X: 0, Y: a.Summary.Mean * um}, {X: n - 1, Y: a.Summary.Mean * um}})
	if err != nil {
		return nil, err
	}
	mean.Color = colorMean
	mean.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
	p.Add(mean)
	p.Legend.Add("Mean", mean)
	return p, nil
}

// patternPlot draws the visiting order of the points.
func patternPlot(title string, samples []sampling.Sample) (*plot.Plot, error) {
	p := newPlot(title, "Sampling Pattern", "X Position (mm)", "Y Position (mm)")
	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: s.X, Y: s.Y}
	}
	path, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	path.Color = colorPath
	p.Add(path)

	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	sc.GlyphStyle.Color = colorPoints
	sc.GlyphStyle.Radius = vg.Points(4)
	p.Add(sc)

	start, err := plotter.NewScatter(pts[:1])
	if err != nil {
		return nil, err
	}
	start.GlyphStyle.Color = colorTrend
	start.GlyphStyle.Shape = draw.CircleGlyph{}
	start.GlyphStyle.Radius = vg.Points(6)
	p.Add(start)
	p.Legend.Add("Start", start)

	end, err := plotter.NewScatter(pts[len(pts)-1:])
	if err != nil {
		return nil, err
	}
	end.GlyphStyle.Color = colorMean
	end.GlyphStyle.Shape = draw.BoxGlyph{}
	end.GlyphStyle.Radius = vg.Points(6)
	p.Add(end)
	p.Legend.Add("End", end)
	return p, nil
}

// palette cycles a fixed set of distinguishable colours.
func palette(i int) color.Color {
	colors := []color.RGBA{
		{R: 31, G: 119, B: 180, A: 255},
		{R: 255, G: 127, B: 14, A: 255},
		{R: 44, G: 160, B: 44, A: 255},
		{R: 214, G: 39, B: 40, A: 255},
		{R: 148, G: 103, B: 189, A: 255},
		{R: 140, G: 86, B: 75, A: 255},
		{R: 227, G: 119, B: 194, A: 255},
		{R: 127, G: 127, B: 127, A: 255},
	}
	if i < 0 {
		i = 0
	}
	return colors[i%len(colors)]
}
